package bus

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/nodeflow/internal/graph"
)

func TestPublishRoutesByKind(t *testing.T) {
	b := New(nil)

	var stateEvents, topoEvents []Event
	b.Subscribe(NodeStateChanged, func(ev Event) { stateEvents = append(stateEvents, ev) })
	b.Subscribe(TopologyChanged, func(ev Event) { topoEvents = append(topoEvents, ev) })

	b.Publish(Event{Kind: NodeStateChanged, NodeID: "a.1", Old: graph.StateDirty, New: graph.StateQueued})
	b.Publish(Event{Kind: TopologyChanged, Op: "add-node", AffectedIDs: []string{"a.1"}})
	b.Publish(Event{Kind: RunStarted})

	require.Len(t, stateEvents, 1)
	assert.Equal(t, "a.1", stateEvents[0].NodeID)
	assert.Equal(t, graph.StateQueued, stateEvents[0].New)

	require.Len(t, topoEvents, 1)
	assert.Equal(t, "add-node", topoEvents[0].Op)
}

func TestSubscriptionOrder(t *testing.T) {
	b := New(nil)

	var seen []int
	b.Subscribe(RunStarted, func(Event) { seen = append(seen, 1) })
	b.Subscribe(RunStarted, func(Event) { seen = append(seen, 2) })
	b.Subscribe(RunStarted, func(Event) { seen = append(seen, 3) })

	b.Publish(Event{Kind: RunStarted})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)

	calls := 0
	id := b.Subscribe(RunStarted, func(Event) { calls++ })

	b.Publish(Event{Kind: RunStarted})
	b.Unsubscribe(id)
	b.Publish(Event{Kind: RunStarted})

	assert.Equal(t, 1, calls)

	// Unknown IDs are ignored.
	b.Unsubscribe(SubID(999))
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	b := New(logger)

	survived := false
	b.Subscribe(RunStarted, func(Event) { panic("handler bug") })
	b.Subscribe(RunStarted, func(Event) { survived = true })

	b.Publish(Event{Kind: RunStarted})

	assert.True(t, survived)
	assert.Contains(t, logBuf.String(), "event handler panicked")
	assert.Contains(t, logBuf.String(), "handler bug")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "node-state-changed", NodeStateChanged.String())
	assert.Equal(t, "run-completed", RunCompleted.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
