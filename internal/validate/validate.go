// Package validate inspects a graph and reports diagnostics without mutating
// anything. The graph mutators already enforce the structural invariants, so
// most checks here are defensive re-checks; the one thing only validation can
// see is a required input port left unconnected.
package validate

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/nodeflow/internal/graph"
)

// Severity classifies a diagnostic. Blocking diagnostics prevent a run from
// starting; warnings do not.
type Severity int

const (
	Warning Severity = iota
	Blocking
)

func (s Severity) String() string {
	if s == Blocking {
		return "blocking"
	}
	return "warning"
}

// Diagnostic is a single validation finding.
type Diagnostic struct {
	Severity Severity
	Summary  string
	Detail   string

	// Nodes lists the node IDs the finding concerns.
	Nodes []string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s] %s: %s", d.Severity, d.Summary, d.Detail)
}

// Topology is the read-only view of a graph the validator needs. It is
// satisfied by *graph.Graph; tests use it to feed the validator graphs the
// public mutators would never produce.
type Topology interface {
	NodeIDs() []string
	Node(id string) (*graph.Node, bool)
	Successors(id string) []string
	Edges() []graph.Edge
	InEdge(dst graph.PortRef) (graph.Edge, bool)
}

// Check runs all validations and returns the findings. It never fails and
// never mutates the graph; an empty result means the graph is runnable.
func Check(g Topology) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, checkCycles(g)...)
	diags = append(diags, checkEdges(g)...)
	diags = append(diags, checkRequiredInputs(g)...)
	return diags
}

// HasBlocking reports whether any diagnostic is severe enough to refuse a run.
func HasBlocking(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == Blocking {
			return true
		}
	}
	return false
}

// checkCycles runs a three-color depth-first traversal: white nodes are
// unvisited, gray nodes are on the current stack, black nodes are fully
// explored. A gray successor is a back edge, i.e. a cycle.
func checkCycles(g Topology) []Diagnostic {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int)
	var diags []Diagnostic

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, succ := range g.Successors(id) {
			switch color[succ] {
			case gray:
				diags = append(diags, Diagnostic{
					Severity: Blocking,
					Summary:  "cycle detected",
					Detail:   fmt.Sprintf("back edge %s -> %s closes a dependency cycle", id, succ),
					Nodes:    []string{id, succ},
				})
				return true
			case white:
				if visit(succ) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range g.NodeIDs() {
		if color[id] == white {
			if visit(id) {
				// One witness per check run is enough; a cycle blocks
				// execution regardless of how many exist.
				break
			}
		}
	}
	return diags
}

// checkEdges re-validates each edge's endpoints, directions and types. The
// mutators enforce all of this, so findings here point at graph construction
// that bypassed the API.
func checkEdges(g Topology) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges() {
		srcNode, ok := g.Node(e.Src.Node)
		if !ok {
			diags = append(diags, edgeDiag(e, fmt.Sprintf("source node %q does not exist", e.Src.Node)))
			continue
		}
		dstNode, ok := g.Node(e.Dst.Node)
		if !ok {
			diags = append(diags, edgeDiag(e, fmt.Sprintf("destination node %q does not exist", e.Dst.Node)))
			continue
		}
		srcSpec, ok := srcNode.Type().Output(e.Src.Port)
		if !ok {
			diags = append(diags, edgeDiag(e, fmt.Sprintf("%q is not an output port of %q", e.Src.Port, e.Src.Node)))
			continue
		}
		dstSpec, ok := dstNode.Type().Input(e.Dst.Port)
		if !ok {
			diags = append(diags, edgeDiag(e, fmt.Sprintf("%q is not an input port of %q", e.Dst.Port, e.Dst.Node)))
			continue
		}
		if !graph.TypesCompatible(srcSpec.Type, dstSpec.Type) {
			diags = append(diags, edgeDiag(e, fmt.Sprintf("type %s cannot flow into %s",
				srcSpec.Type.FriendlyName(), dstSpec.Type.FriendlyName())))
			continue
		}
		if !srcSpec.Type.Equals(dstSpec.Type) {
			diags = append(diags, Diagnostic{
				Severity: Warning,
				Summary:  "implicit conversion",
				Detail: fmt.Sprintf("edge %s converts %s to %s at run time",
					e, srcSpec.Type.FriendlyName(), dstSpec.Type.FriendlyName()),
				Nodes: []string{e.Src.Node, e.Dst.Node},
			})
		}
	}
	return diags
}

func edgeDiag(e graph.Edge, detail string) Diagnostic {
	return Diagnostic{
		Severity: Blocking,
		Summary:  "invalid edge",
		Detail:   fmt.Sprintf("edge %s: %s", e, detail),
		Nodes:    []string{e.Src.Node, e.Dst.Node},
	}
}

// checkRequiredInputs reports every non-optional, defaultless input port
// with no incoming edge.
func checkRequiredInputs(g Topology) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		var missing []string
		for _, spec := range n.Type().Inputs {
			if _, connected := g.InEdge(graph.PortRef{Node: id, Port: spec.Name}); connected {
				continue
			}
			if spec.Optional || spec.Default != cty.NilVal {
				continue
			}
			missing = append(missing, spec.Name)
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			diags = append(diags, Diagnostic{
				Severity: Blocking,
				Summary:  "required input not connected",
				Detail:   fmt.Sprintf("node %q is missing input(s): %v", id, missing),
				Nodes:    []string{id},
			})
		}
	}
	return diags
}
