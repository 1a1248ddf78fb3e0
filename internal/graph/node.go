package graph

import (
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/nodeflow/internal/registry"
)

// State is the runtime lifecycle state of a node.
type State int32

const (
	// StateIdle is a node that has never been considered for execution.
	StateIdle State = iota
	// StateDirty marks cached outputs as no longer guaranteed valid.
	StateDirty
	// StateQueued means the node is ready and waiting for a worker.
	StateQueued
	// StateRunning means a worker is executing the node's compute function.
	StateRunning
	// StateDone means outputs are available, either computed or from cache.
	StateDone
	// StateError means the compute function failed.
	StateError
	// StateSkipped means an upstream failure made the node unrunnable.
	StateSkipped
)

var stateNames = map[State]string{
	StateIdle:    "idle",
	StateDirty:   "dirty",
	StateQueued:  "queued",
	StateRunning: "running",
	StateDone:    "done",
	StateError:   "error",
	StateSkipped: "skipped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Direction distinguishes input ports from output ports.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirInput {
		return "input"
	}
	return "output"
}

// PortRef identifies a port by its owning node ID and port name. The
// direction is implied by the position the ref is used in: an edge source is
// always an output, an edge destination always an input.
type PortRef struct {
	Node string
	Port string
}

func (r PortRef) String() string {
	return r.Node + "." + r.Port
}

// Edge is a directed connection from an output port to an input port.
type Edge struct {
	Src PortRef
	Dst PortRef
}

func (e Edge) String() string {
	return e.Src.String() + " -> " + e.Dst.String()
}

// Node is a unit of computation instantiated from a NodeType. Nodes are
// created and mutated only through Graph operations; the runtime state is
// atomic so the executor can transition it without holding the graph lock.
type Node struct {
	id     string
	typ    *registry.NodeType
	params map[string]cty.Value
	state  atomic.Int32
}

// ID returns the node's unique identifier.
func (n *Node) ID() string { return n.id }

// Type returns the immutable node type descriptor.
func (n *Node) Type() *registry.NodeType { return n.typ }

// State returns the node's current runtime state.
func (n *Node) State() State { return State(n.state.Load()) }

// SetState unconditionally stores a new runtime state.
func (n *Node) SetState(s State) { n.state.Store(int32(s)) }

// CompareAndSwapState transitions from old to new atomically. The executor
// uses this to make Queued→Running and skip transitions race-free.
func (n *Node) CompareAndSwapState(old, new State) bool {
	return n.state.CompareAndSwap(int32(old), int32(new))
}
