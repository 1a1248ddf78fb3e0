package graph

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/nodeflow/internal/registry"
)

// AddNode instantiates a node from the given type and returns its
// engine-assigned ID. The ID is derived from the type name plus a graph-wide
// sequence number, so repeated construction of the same graph yields the
// same IDs.
func (g *Graph) AddNode(t *registry.NodeType, params map[string]cty.Value) (string, error) {
	if t == nil {
		return "", fmt.Errorf("node type must not be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return "", ErrConcurrentMutation
	}

	var id string
	for {
		g.seq++
		id = fmt.Sprintf("%s.%d", t.Name, g.seq)
		if _, taken := g.nodes[id]; !taken {
			break
		}
	}
	g.insertNode(id, t, params)
	return id, nil
}

// AddNodeWithID restores a node under a caller-chosen ID, used when loading
// a persisted document. Fails with ErrNodeExists on a duplicate ID.
func (g *Graph) AddNodeWithID(id string, t *registry.NodeType, params map[string]cty.Value) error {
	if t == nil {
		return fmt.Errorf("node type must not be nil")
	}
	if id == "" {
		return fmt.Errorf("node ID must not be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return ErrConcurrentMutation
	}
	if _, taken := g.nodes[id]; taken {
		return fmt.Errorf("%w: %q", ErrNodeExists, id)
	}
	g.insertNode(id, t, params)
	return nil
}

// insertNode adds the node under the write lock. New nodes start Idle; they
// have no cache entry yet, so the executor always schedules them.
func (g *Graph) insertNode(id string, t *registry.NodeType, params map[string]cty.Value) {
	n := &Node{
		id:     id,
		typ:    t,
		params: copyParams(params),
	}
	n.state.Store(int32(StateIdle))
	g.nodes[id] = n
}

// RemoveNode deletes a node and cascades to every edge touching it. The
// removed edges are returned so the caller can report them.
func (g *Graph) RemoveNode(id string) ([]Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil, ErrConcurrentMutation
	}
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}

	var removed []Edge
	for dst, e := range g.edges {
		if e.Src.Node == id || e.Dst.Node == id {
			removed = append(removed, e)
			g.dropEdge(dst)
		}
	}
	delete(g.nodes, id)
	delete(g.fwd, id)
	delete(g.back, id)
	return removed, nil
}

// Connect creates an edge from an output port to an input port. Every
// structural rule is checked before anything is mutated, so a failed call
// leaves the graph exactly as it was:
//
//   - both endpoints must exist, src as a declared output, dst as a
//     declared input
//   - the destination input must not already be connected
//   - the declared types must be equal or safely convertible
//   - the edge must not introduce a cycle (self-edges included)
func (g *Graph) Connect(src, dst PortRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return ErrConcurrentMutation
	}

	srcSpec, err := g.portSpec(src, DirOutput)
	if err != nil {
		return err
	}
	dstSpec, err := g.portSpec(dst, DirInput)
	if err != nil {
		return err
	}
	if existing, occupied := g.edges[dst]; occupied {
		return fmt.Errorf("%w: input %s is already fed by %s", ErrInvalidConnection, dst, existing.Src)
	}
	if !TypesCompatible(srcSpec.Type, dstSpec.Type) {
		return fmt.Errorf("%w: cannot connect %s (%s) to %s (%s)",
			ErrInvalidConnection, src, srcSpec.Type.FriendlyName(), dst, dstSpec.Type.FriendlyName())
	}
	if src.Node == dst.Node || g.reaches(dst.Node, src.Node) {
		return fmt.Errorf("%w: edge %s -> %s would introduce a cycle", ErrInvalidConnection, src, dst)
	}

	g.edges[dst] = Edge{Src: src, Dst: dst}
	bump(g.fwd, src.Node, dst.Node)
	bump(g.back, dst.Node, src.Node)
	g.markDirtyLocked(dst.Node)
	return nil
}

// Disconnect removes an existing edge.
func (g *Graph) Disconnect(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return ErrConcurrentMutation
	}

	existing, ok := g.edges[e.Dst]
	if !ok || existing.Src != e.Src {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, e)
	}
	g.dropEdge(e.Dst)
	g.markDirtyLocked(e.Dst.Node)
	return nil
}

// SetParams merges the given parameters into the node's parameter set and
// marks the node dirty. A cty.NilVal entry removes the key. The returned
// state is the node's state immediately before the merge, captured under
// the same critical section so callers can report the transition.
func (g *Graph) SetParams(id string, params map[string]cty.Value) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return StateIdle, ErrConcurrentMutation
	}

	n, ok := g.nodes[id]
	if !ok {
		return StateIdle, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	old := n.State()
	for k, v := range params {
		if v == cty.NilVal {
			delete(n.params, k)
			continue
		}
		n.params[k] = v
	}
	n.SetState(StateDirty)
	return old, nil
}

// markDirtyLocked flags a node whose inputs changed shape. Downstream nodes
// are invalidated implicitly through the content hash at run time.
func (g *Graph) markDirtyLocked(id string) {
	if n, ok := g.nodes[id]; ok {
		n.SetState(StateDirty)
	}
}

// dropEdge removes the edge keyed by dst and maintains adjacency counts.
// The caller must hold the write lock.
func (g *Graph) dropEdge(dst PortRef) {
	e, ok := g.edges[dst]
	if !ok {
		return
	}
	delete(g.edges, dst)
	unbump(g.fwd, e.Src.Node, e.Dst.Node)
	unbump(g.back, e.Dst.Node, e.Src.Node)
}

func bump(adj map[string]map[string]int, from, to string) {
	if adj[from] == nil {
		adj[from] = make(map[string]int)
	}
	adj[from][to]++
}

func unbump(adj map[string]map[string]int, from, to string) {
	m := adj[from]
	if m == nil {
		return
	}
	m[to]--
	if m[to] <= 0 {
		delete(m, to)
	}
	if len(m) == 0 {
		delete(adj, from)
	}
}
