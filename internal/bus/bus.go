// Package bus is the engine's observer surface: a synchronous
// publish/subscribe bus fully decoupled from scheduling and execution.
// Handler panics are recovered and logged, and handler return values never
// exist, so the engine is fully usable headless with zero subscribers.
package bus

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/vk/nodeflow/internal/graph"
)

// Kind enumerates the event kinds the engine publishes.
type Kind int

const (
	// NodeStateChanged carries NodeID, Old and New.
	NodeStateChanged Kind = iota
	// TopologyChanged carries Op and AffectedIDs.
	TopologyChanged
	// RunStarted has no payload.
	RunStarted
	// RunCompleted carries Report.
	RunCompleted
)

var kindNames = map[Kind]string{
	NodeStateChanged: "node-state-changed",
	TopologyChanged:  "topology-changed",
	RunStarted:       "run-started",
	RunCompleted:     "run-completed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a single engine notification. Fields outside the kind's payload
// are zero.
type Event struct {
	Kind Kind

	// NodeStateChanged payload.
	NodeID string
	Old    graph.State
	New    graph.State

	// TopologyChanged payload: the mutation kind ("add-node", "remove-node",
	// "connect", "disconnect", "set-params") and the node IDs it touched.
	Op          string
	AffectedIDs []string

	// RunCompleted payload; concretely a *engine.RunReport, typed as any to
	// keep this package free of engine imports.
	Report any
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block for long.
type Handler func(Event)

// SubID identifies one subscription.
type SubID uint64

type subscription struct {
	kind    Kind
	handler Handler
}

// Bus routes events to subscribed handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID SubID
	subs   map[SubID]subscription
	logger *slog.Logger
}

// New creates a Bus that logs handler panics to the given logger. A nil
// logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[SubID]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event kind and returns its
// subscription ID.
func (b *Bus) Subscribe(kind Kind, handler Handler) SubID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{kind: kind, handler: handler}
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id SubID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, id)
}

// Publish delivers the event to every handler subscribed to its kind, in
// subscription order. Delivery is fire-and-forget: a panicking handler is
// logged and the remaining handlers still run.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	ids := make([]SubID, 0, len(b.subs))
	for id, sub := range b.subs {
		if sub.kind == ev.Kind {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = b.subs[id].handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ev, h)
	}
}

func (b *Bus) deliver(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", ev.Kind.String(), "panic", r)
		}
	}()
	h(ev)
}
