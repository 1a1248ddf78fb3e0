package engine

import (
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/nodeflow/internal/graph"
	"github.com/vk/nodeflow/internal/validate"
)

// NodeResult is one node's outcome within a run.
type NodeResult struct {
	State    graph.State
	Err      error
	Duration time.Duration

	// CacheHit means the node was satisfied from cache and never occupied
	// a worker.
	CacheHit bool

	// Outputs maps output port names to values. Nil for failed and
	// skipped nodes.
	Outputs map[string]cty.Value
}

// RunReport is the structured result of one execution.
type RunReport struct {
	Nodes map[string]*NodeResult

	// Succeeded counts Done nodes, cache hits included; CacheHits counts
	// the subset that never executed.
	Succeeded int
	Failed    int
	Skipped   int
	CacheHits int

	Duration time.Duration
}

// Output returns a named output value of a node from this run.
func (r *RunReport) Output(nodeID, port string) (cty.Value, bool) {
	res, ok := r.Nodes[nodeID]
	if !ok || res.Outputs == nil {
		return cty.NilVal, false
	}
	v, ok := res.Outputs[port]
	return v, ok
}

// ValidationError is returned by Run when blocking diagnostics exist. The
// run never starts; no node state changes.
type ValidationError struct {
	Diagnostics []validate.Diagnostic
}

func (e *ValidationError) Error() string {
	blocking := 0
	for _, d := range e.Diagnostics {
		if d.Severity == validate.Blocking {
			blocking++
		}
	}
	return fmt.Sprintf("graph validation failed with %d blocking diagnostic(s)", blocking)
}
