package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/nodeflow/internal/registry"
)

var (
	// ErrNodeNotFound is returned when an operation references a node ID
	// that is not part of the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeExists is returned when restoring a node under an ID that is
	// already taken.
	ErrNodeExists = errors.New("node already exists")

	// ErrInvalidConnection is returned by Connect for any structurally
	// illegal edge: wrong direction, unknown port, type mismatch, occupied
	// input, or a cycle the edge would introduce.
	ErrInvalidConnection = errors.New("invalid connection")

	// ErrEdgeNotFound is returned by Disconnect for an edge that is not
	// part of the graph.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrConcurrentMutation is returned by all mutators while a run holds
	// the graph. The mutation is rejected; the run is unaffected.
	ErrConcurrentMutation = errors.New("graph is locked by an active run")
)

// Graph is the set of nodes and edges plus derived adjacency. All access is
// funneled through its methods; no structural references are handed out.
type Graph struct {
	mu sync.RWMutex

	// running is guarded by mu, so the mutators' rejection check and the
	// mutation itself form one critical section.
	running bool

	seq   int
	nodes map[string]*Node

	// edges is keyed by destination port: an input port has at most one
	// incoming edge, so the destination ref is a unique key.
	edges map[PortRef]Edge

	// fwd and back count edges between node pairs so adjacency survives
	// removal of one of several parallel port connections.
	fwd  map[string]map[string]int
	back map[string]map[string]int
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[PortRef]Edge),
		fwd:   make(map[string]map[string]int),
		back:  make(map[string]map[string]int),
	}
}

// BeginRun marks the graph as owned by a run, failing all mutators until
// EndRun. It returns false if a run is already active. Taking the write
// lock here means a mutator in flight either completes before the run
// starts or observes the flag and fails; there is no window in between.
func (g *Graph) BeginRun() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return false
	}
	g.running = true
	return true
}

// EndRun releases the run's hold on the graph.
func (g *Graph) EndRun() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.running = false
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node IDs in ascending order.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.nodes)
}

// Params returns a copy of the node's current parameter set.
func (g *Graph) Params(id string) (map[string]cty.Value, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return copyParams(n.params), nil
}

// Successors returns the IDs of nodes reached by outgoing edges, ascending.
// An unknown ID yields nil.
func (g *Graph) Successors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return sortedKeys(g.fwd[id])
}

// Predecessors returns the IDs of nodes with edges into this one, ascending.
func (g *Graph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return sortedKeys(g.back[id])
}

// Roots returns the IDs of nodes with no incoming edges, ascending.
func (g *Graph) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var roots []string
	for id := range g.nodes {
		if len(g.back[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Edges returns all edges sorted by destination, then source.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Dst != edges[j].Dst {
			return edges[i].Dst.String() < edges[j].Dst.String()
		}
		return edges[i].Src.String() < edges[j].Src.String()
	})
	return edges
}

// InEdge returns the single edge feeding the given input port, if any.
func (g *Graph) InEdge(dst PortRef) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	e, ok := g.edges[dst]
	return e, ok
}

// InEdges returns all edges into the given node, sorted by destination port.
func (g *Graph) InEdges(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []Edge
	for _, e := range g.edges {
		if e.Dst.Node == id {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Dst.Port < edges[j].Dst.Port })
	return edges
}

// OutEdges returns all edges leaving the given node, sorted by destination.
func (g *Graph) OutEdges(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []Edge
	for _, e := range g.edges {
		if e.Src.Node == id {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Dst.String() < edges[j].Dst.String() })
	return edges
}

// TypesCompatible reports whether a value of type src may flow into a port
// of type dst: the types are equal, one side defers typing to run time, or a
// safe conversion exists.
func TypesCompatible(src, dst cty.Type) bool {
	if src.Equals(dst) {
		return true
	}
	if src == cty.DynamicPseudoType || dst == cty.DynamicPseudoType {
		return true
	}
	return convert.GetConversion(src, dst) != nil
}

// portSpec resolves a port ref against the owning node's declared schema.
// The caller must hold at least the read lock.
func (g *Graph) portSpec(ref PortRef, dir Direction) (registry.PortSpec, error) {
	n, ok := g.nodes[ref.Node]
	if !ok {
		return registry.PortSpec{}, fmt.Errorf("%w: %q", ErrNodeNotFound, ref.Node)
	}
	var spec registry.PortSpec
	var found bool
	if dir == DirInput {
		spec, found = n.typ.Input(ref.Port)
	} else {
		spec, found = n.typ.Output(ref.Port)
	}
	if !found {
		return registry.PortSpec{}, fmt.Errorf("%w: node %q has no %s port %q",
			ErrInvalidConnection, ref.Node, dir, ref.Port)
	}
	return spec, nil
}

// reaches reports whether dst is reachable from src via forward edges. The
// caller must hold at least the read lock.
func (g *Graph) reaches(src, dst string) bool {
	if src == dst {
		return true
	}
	seen := map[string]struct{}{src: {}}
	stack := []string{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range g.fwd[cur] {
			if next == dst {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

func sortedKeys(m map[string]int) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyParams(params map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
