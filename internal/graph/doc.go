// Package graph implements the dataflow graph model: nodes instantiated from
// registered node types, typed ports, and directed edges from output ports to
// input ports.
//
// All structural invariants are enforced by the mutators themselves, never
// only by later validation:
//
//   - node IDs are unique, port identity is unique within a node
//   - an input port has at most one incoming edge; fan-out is unrestricted
//   - edge endpoints have matching directions and compatible declared types
//   - the graph is acyclic after every completed mutation
//
// Mutators are transactional: a rejected call leaves the graph unchanged.
// The graph is guarded by a single-writer/multiple-reader lock; while a run
// holds the graph, mutators fail with ErrConcurrentMutation instead of
// corrupting in-flight scheduling state.
package graph
