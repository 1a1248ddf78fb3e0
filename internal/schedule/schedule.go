// Package schedule computes execution order and dirty sets over an acyclic
// graph. It is purely functional: nothing here mutates the graph or tracks
// execution state.
package schedule

import (
	"container/heap"
	"errors"
	"fmt"
)

// ErrCycleDetected is returned by FullOrder when not every node can be
// scheduled. The graph mutators reject cycles, so hitting this indicates an
// engine bug rather than a user error; it is deliberately distinct from the
// validator's cycle diagnostic.
var ErrCycleDetected = errors.New("cycle detected during scheduling")

// Topology is the read-only graph view the scheduler needs. *graph.Graph
// satisfies it.
type Topology interface {
	NodeIDs() []string
	Successors(id string) []string
	Predecessors(id string) []string
}

// FullOrder returns a topological ordering of all node IDs using Kahn's
// algorithm. Zero in-degree nodes are drained in ascending ID order, so the
// ordering is reproducible for a given graph.
func FullOrder(g Topology) ([]string, error) {
	ids := g.NodeIDs()
	indeg := make(map[string]int, len(ids))
	for _, id := range ids {
		indeg[id] = len(g.Predecessors(id))
	}

	ready := &stringMinHeap{}
	heap.Init(ready)
	for _, id := range ids {
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, succ := range g.Successors(id) {
			indeg[succ]--
			if indeg[succ] == 0 {
				heap.Push(ready, succ)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, fmt.Errorf("%w: %d of %d nodes unschedulable", ErrCycleDetected, len(ids)-len(order), len(ids))
	}
	return order, nil
}

// DirtySet returns every node transitively downstream of the changed nodes,
// the changed nodes included. Everything outside the set is assumed
// cache-valid.
func DirtySet(g Topology, changed []string) map[string]struct{} {
	dirty := make(map[string]struct{}, len(changed))
	queue := make([]string, 0, len(changed))
	for _, id := range changed {
		if _, ok := dirty[id]; ok {
			continue
		}
		dirty[id] = struct{}{}
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, succ := range g.Successors(cur) {
			if _, ok := dirty[succ]; ok {
				continue
			}
			dirty[succ] = struct{}{}
			queue = append(queue, succ)
		}
	}
	return dirty
}

// stringMinHeap pops the lexicographically smallest ID first, giving Kahn's
// algorithm its deterministic tie-break.
type stringMinHeap []string

func (h stringMinHeap) Len() int           { return len(h) }
func (h stringMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h stringMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stringMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *stringMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
