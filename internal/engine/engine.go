// Package engine ties the graph model, type registry, validator, scheduler
// and cache together behind the API the front-end consumes: construct and
// mutate a graph, validate it, run it, observe events, and move it in and
// out of the flat project document format.
package engine

import (
	"log/slog"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/nodeflow/internal/bus"
	"github.com/vk/nodeflow/internal/cache"
	"github.com/vk/nodeflow/internal/document"
	"github.com/vk/nodeflow/internal/graph"
	"github.com/vk/nodeflow/internal/registry"
	"github.com/vk/nodeflow/internal/validate"
)

// Engine owns one graph, the cache of its node results, and the event bus.
// All methods are safe for concurrent use; at most one run is active at a
// time and mutations during a run fail with graph.ErrConcurrentMutation.
type Engine struct {
	reg    *registry.Registry
	cache  *cache.Store
	events *bus.Bus
	logger *slog.Logger

	// runMu serializes runs and graph replacement.
	runMu sync.Mutex

	mu sync.RWMutex
	g  *graph.Graph
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for engine and event-bus logging.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine with an empty graph over the given type registry.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		cache:  cache.NewStore(),
		logger: slog.Default(),
		g:      graph.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = bus.New(e.logger)
	return e
}

// Graph returns the engine's current graph.
func (e *Engine) Graph() *graph.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.g
}

// Registry returns the engine's type registry.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// AddNode instantiates a node of the named registered type.
func (e *Engine) AddNode(typeName string, params map[string]cty.Value) (string, error) {
	t, err := e.reg.Lookup(typeName)
	if err != nil {
		return "", err
	}
	id, err := e.Graph().AddNode(t, params)
	if err != nil {
		return "", err
	}
	e.events.Publish(bus.Event{Kind: bus.TopologyChanged, Op: "add-node", AffectedIDs: []string{id}})
	return id, nil
}

// RemoveNode deletes a node, cascading to its edges, and drops its cache
// entry.
func (e *Engine) RemoveNode(id string) error {
	removed, err := e.Graph().RemoveNode(id)
	if err != nil {
		return err
	}
	e.cache.Forget(id)

	affected := []string{id}
	for _, edge := range removed {
		if edge.Src.Node != id {
			affected = append(affected, edge.Src.Node)
		}
		if edge.Dst.Node != id {
			affected = append(affected, edge.Dst.Node)
		}
	}
	e.events.Publish(bus.Event{Kind: bus.TopologyChanged, Op: "remove-node", AffectedIDs: affected})
	return nil
}

// Connect creates an edge from an output port to an input port.
func (e *Engine) Connect(src, dst graph.PortRef) error {
	if err := e.Graph().Connect(src, dst); err != nil {
		return err
	}
	e.events.Publish(bus.Event{Kind: bus.TopologyChanged, Op: "connect", AffectedIDs: []string{src.Node, dst.Node}})
	return nil
}

// Disconnect removes an edge.
func (e *Engine) Disconnect(edge graph.Edge) error {
	if err := e.Graph().Disconnect(edge); err != nil {
		return err
	}
	e.events.Publish(bus.Event{Kind: bus.TopologyChanged, Op: "disconnect", AffectedIDs: []string{edge.Src.Node, edge.Dst.Node}})
	return nil
}

// SetParams merges parameters into a node and marks it dirty.
func (e *Engine) SetParams(id string, params map[string]cty.Value) error {
	old, err := e.Graph().SetParams(id, params)
	if err != nil {
		return err
	}
	e.events.Publish(bus.Event{Kind: bus.TopologyChanged, Op: "set-params", AffectedIDs: []string{id}})
	if old != graph.StateDirty {
		e.events.Publish(bus.Event{Kind: bus.NodeStateChanged, NodeID: id, Old: old, New: graph.StateDirty})
	}
	return nil
}

// Validate inspects the current graph and returns all diagnostics.
func (e *Engine) Validate() []validate.Diagnostic {
	return validate.Check(e.Graph())
}

// Subscribe registers an event handler for one event kind.
func (e *Engine) Subscribe(kind bus.Kind, handler bus.Handler) bus.SubID {
	return e.events.Subscribe(kind, handler)
}

// Unsubscribe removes an event subscription.
func (e *Engine) Unsubscribe(id bus.SubID) {
	e.events.Unsubscribe(id)
}

// Serialize encodes the current graph as a project document.
func (e *Engine) Serialize() ([]byte, error) {
	return document.Encode(e.Graph())
}

// Restore replaces the engine's graph with one decoded from a project
// document. The cache is reset: restored nodes carry no recorded results.
func (e *Engine) Restore(data []byte) error {
	g, err := document.Decode(data, e.reg)
	if err != nil {
		return err
	}
	e.swapGraph(g, "restore")
	return nil
}

// Adopt replaces the engine's graph with one built elsewhere, such as a
// graph loaded from HCL files. The cache is reset.
func (e *Engine) Adopt(g *graph.Graph) {
	e.swapGraph(g, "adopt")
}

func (e *Engine) swapGraph(g *graph.Graph, op string) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	e.g = g
	e.mu.Unlock()
	e.cache.Reset()

	e.events.Publish(bus.Event{Kind: bus.TopologyChanged, Op: op, AffectedIDs: g.NodeIDs()})
}
