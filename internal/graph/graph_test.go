package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/nodeflow/internal/registry"
)

func noopCompute(_ context.Context, _, _ map[string]cty.Value) (map[string]cty.Value, error) {
	return map[string]cty.Value{}, nil
}

func numberType(name string) *registry.NodeType {
	return &registry.NodeType{
		Name:    name,
		Version: "1",
		Inputs: []registry.PortSpec{
			{Name: "a", Type: cty.Number},
			{Name: "b", Type: cty.Number, Optional: true},
		},
		Outputs: []registry.PortSpec{{Name: "out", Type: cty.Number}},
		Compute: noopCompute,
	}
}

func TestAddNode(t *testing.T) {
	t.Run("assigns sequential ids from the type name", func(t *testing.T) {
		g := New()
		typ := numberType("calc")

		id1, err := g.AddNode(typ, nil)
		require.NoError(t, err)
		id2, err := g.AddNode(typ, nil)
		require.NoError(t, err)

		assert.Equal(t, "calc.1", id1)
		assert.Equal(t, "calc.2", id2)
		assert.Equal(t, 2, g.Len())

		n, ok := g.Node(id1)
		require.True(t, ok)
		assert.Equal(t, StateIdle, n.State())
		assert.Equal(t, typ, n.Type())
	})

	t.Run("rejects nil type", func(t *testing.T) {
		g := New()
		_, err := g.AddNode(nil, nil)
		assert.Error(t, err)
	})

	t.Run("copies params", func(t *testing.T) {
		g := New()
		params := map[string]cty.Value{"x": cty.NumberIntVal(1)}
		id, err := g.AddNode(numberType("calc"), params)
		require.NoError(t, err)

		params["x"] = cty.NumberIntVal(99)
		got, err := g.Params(id)
		require.NoError(t, err)
		assert.True(t, got["x"].RawEquals(cty.NumberIntVal(1)))
	})
}

func TestAddNodeWithID(t *testing.T) {
	g := New()
	typ := numberType("calc")

	require.NoError(t, g.AddNodeWithID("calc.7", typ, nil))

	err := g.AddNodeWithID("calc.7", typ, nil)
	assert.ErrorIs(t, err, ErrNodeExists)

	err = g.AddNodeWithID("", typ, nil)
	assert.Error(t, err)

	// Auto-assignment must step over restored IDs.
	id, err := g.AddNode(typ, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "calc.7", id)
}

func TestConnect(t *testing.T) {
	typ := numberType("calc")

	setup := func(t *testing.T) (*Graph, string, string) {
		g := New()
		a, err := g.AddNode(typ, nil)
		require.NoError(t, err)
		b, err := g.AddNode(typ, nil)
		require.NoError(t, err)
		return g, a, b
	}

	t.Run("creates edge and marks destination dirty", func(t *testing.T) {
		g, a, b := setup(t)
		require.NoError(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}))

		edges := g.Edges()
		require.Len(t, edges, 1)
		assert.Equal(t, PortRef{a, "out"}, edges[0].Src)
		assert.Equal(t, PortRef{b, "a"}, edges[0].Dst)
		assert.Equal(t, []string{b}, g.Successors(a))
		assert.Equal(t, []string{a}, g.Predecessors(b))

		n, _ := g.Node(b)
		assert.Equal(t, StateDirty, n.State())
	})

	t.Run("rejects unknown endpoints", func(t *testing.T) {
		g, a, b := setup(t)
		err := g.Connect(PortRef{"ghost.1", "out"}, PortRef{b, "a"})
		assert.ErrorIs(t, err, ErrNodeNotFound)

		err = g.Connect(PortRef{a, "nope"}, PortRef{b, "a"})
		assert.ErrorIs(t, err, ErrInvalidConnection)

		err = g.Connect(PortRef{a, "out"}, PortRef{b, "nope"})
		assert.ErrorIs(t, err, ErrInvalidConnection)
	})

	t.Run("rejects output used as destination", func(t *testing.T) {
		g, a, b := setup(t)
		err := g.Connect(PortRef{a, "out"}, PortRef{b, "out"})
		assert.ErrorIs(t, err, ErrInvalidConnection)
	})

	t.Run("rejects second edge into an occupied input", func(t *testing.T) {
		g, a, b := setup(t)
		c, err := g.AddNode(typ, nil)
		require.NoError(t, err)
		require.NoError(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}))

		err = g.Connect(PortRef{c, "out"}, PortRef{b, "a"})
		assert.ErrorIs(t, err, ErrInvalidConnection)
		assert.Len(t, g.Edges(), 1)
	})

	t.Run("rejects incompatible types", func(t *testing.T) {
		g := New()
		listType := &registry.NodeType{
			Name:    "lister",
			Version: "1",
			Outputs: []registry.PortSpec{{Name: "out", Type: cty.List(cty.Bool)}},
			Compute: noopCompute,
		}
		src, err := g.AddNode(listType, nil)
		require.NoError(t, err)
		dst, err := g.AddNode(typ, nil)
		require.NoError(t, err)

		err = g.Connect(PortRef{src, "out"}, PortRef{dst, "a"})
		assert.ErrorIs(t, err, ErrInvalidConnection)
	})

	t.Run("allows safe conversions", func(t *testing.T) {
		g := New()
		src, err := g.AddNode(numberType("calc"), nil)
		require.NoError(t, err)
		strIn := &registry.NodeType{
			Name:    "printer",
			Version: "1",
			Inputs:  []registry.PortSpec{{Name: "text", Type: cty.String}},
			Outputs: []registry.PortSpec{{Name: "out", Type: cty.String}},
			Compute: noopCompute,
		}
		dst, err := g.AddNode(strIn, nil)
		require.NoError(t, err)

		assert.NoError(t, g.Connect(PortRef{src, "out"}, PortRef{dst, "text"}))
	})

	t.Run("rejects self edge and cycles", func(t *testing.T) {
		g, a, b := setup(t)
		err := g.Connect(PortRef{a, "out"}, PortRef{a, "a"})
		assert.ErrorIs(t, err, ErrInvalidConnection)

		require.NoError(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}))
		err = g.Connect(PortRef{b, "out"}, PortRef{a, "a"})
		assert.ErrorIs(t, err, ErrInvalidConnection)
	})

	t.Run("failed connect leaves the graph untouched", func(t *testing.T) {
		g, a, b := setup(t)
		require.NoError(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}))
		before := g.Edges()

		err := g.Connect(PortRef{b, "out"}, PortRef{a, "a"}) // cycle
		require.Error(t, err)
		assert.Equal(t, before, g.Edges())
		assert.Equal(t, []string{b}, g.Successors(a))
	})
}

func TestRoots(t *testing.T) {
	typ := numberType("calc")
	g := New()
	assert.Empty(t, g.Roots())

	a, _ := g.AddNode(typ, nil)
	b, _ := g.AddNode(typ, nil)
	c, _ := g.AddNode(typ, nil)
	assert.Equal(t, []string{a, b, c}, g.Roots())

	require.NoError(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}))
	assert.Equal(t, []string{a, c}, g.Roots())
}

func TestDisconnect(t *testing.T) {
	typ := numberType("calc")
	g := New()
	a, _ := g.AddNode(typ, nil)
	b, _ := g.AddNode(typ, nil)
	require.NoError(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}))
	edge := g.Edges()[0]

	err := g.Disconnect(Edge{Src: PortRef{a, "out"}, Dst: PortRef{b, "b"}})
	assert.ErrorIs(t, err, ErrEdgeNotFound)

	require.NoError(t, g.Disconnect(edge))
	assert.Empty(t, g.Edges())
	assert.Empty(t, g.Successors(a))
	assert.Empty(t, g.Predecessors(b))

	err = g.Disconnect(edge)
	assert.ErrorIs(t, err, ErrEdgeNotFound)
}

func TestRemoveNode(t *testing.T) {
	typ := numberType("calc")
	g := New()
	a, _ := g.AddNode(typ, nil)
	b, _ := g.AddNode(typ, nil)
	c, _ := g.AddNode(typ, nil)
	require.NoError(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}))
	require.NoError(t, g.Connect(PortRef{b, "out"}, PortRef{c, "a"}))

	removed, err := g.RemoveNode(b)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Empty(t, g.Edges())
	assert.Equal(t, 2, g.Len())
	assert.Empty(t, g.Successors(a))
	assert.Empty(t, g.Predecessors(c))

	_, err = g.RemoveNode(b)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSetParams(t *testing.T) {
	typ := numberType("calc")
	g := New()
	id, _ := g.AddNode(typ, map[string]cty.Value{
		"keep":   cty.StringVal("x"),
		"update": cty.NumberIntVal(1),
		"drop":   cty.True,
	})

	_, err := g.SetParams("ghost.1", nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	old, err := g.SetParams(id, map[string]cty.Value{
		"update": cty.NumberIntVal(2),
		"drop":   cty.NilVal,
		"new":    cty.StringVal("y"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, old)

	params, err := g.Params(id)
	require.NoError(t, err)
	assert.True(t, params["keep"].RawEquals(cty.StringVal("x")))
	assert.True(t, params["update"].RawEquals(cty.NumberIntVal(2)))
	assert.True(t, params["new"].RawEquals(cty.StringVal("y")))
	assert.NotContains(t, params, "drop")

	n, _ := g.Node(id)
	assert.Equal(t, StateDirty, n.State())

	// The returned state is the one being transitioned away from.
	n.SetState(StateDone)
	old, err = g.SetParams(id, map[string]cty.Value{"update": cty.NumberIntVal(3)})
	require.NoError(t, err)
	assert.Equal(t, StateDone, old)
}

func TestRunLockRejectsMutations(t *testing.T) {
	typ := numberType("calc")
	g := New()
	a, _ := g.AddNode(typ, nil)
	b, _ := g.AddNode(typ, nil)

	require.True(t, g.BeginRun())
	require.False(t, g.BeginRun())

	_, err := g.AddNode(typ, nil)
	assert.ErrorIs(t, err, ErrConcurrentMutation)
	assert.ErrorIs(t, g.AddNodeWithID("calc.9", typ, nil), ErrConcurrentMutation)
	_, err = g.RemoveNode(a)
	assert.ErrorIs(t, err, ErrConcurrentMutation)
	assert.ErrorIs(t, g.Connect(PortRef{a, "out"}, PortRef{b, "a"}), ErrConcurrentMutation)
	assert.ErrorIs(t, g.Disconnect(Edge{}), ErrConcurrentMutation)
	_, err = g.SetParams(a, nil)
	assert.ErrorIs(t, err, ErrConcurrentMutation)

	g.EndRun()
	_, err = g.AddNode(typ, nil)
	assert.NoError(t, err)
}

func TestRunGateAtomicWithMutation(t *testing.T) {
	typ := numberType("calc")

	// Race a Connect against BeginRun. Whatever the interleaving, an
	// active run must see a frozen edge set: either the edge landed
	// before the gate closed and stays visible, or the mutation was
	// rejected and never appears.
	for i := 0; i < 500; i++ {
		g := New()
		a, err := g.AddNode(typ, nil)
		require.NoError(t, err)
		b, err := g.AddNode(typ, nil)
		require.NoError(t, err)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)

		var connectErr error
		go func() {
			defer wg.Done()
			<-start
			connectErr = g.Connect(PortRef{a, "out"}, PortRef{b, "a"})
		}()

		var gated bool
		var first, second []Edge
		go func() {
			defer wg.Done()
			<-start
			gated = g.BeginRun()
			if !gated {
				return
			}
			first = g.Edges()
			second = g.Edges()
			g.EndRun()
		}()

		close(start)
		wg.Wait()

		require.True(t, gated)
		assert.Equal(t, first, second, "edge set changed during an active run")
		if connectErr != nil {
			require.ErrorIs(t, connectErr, ErrConcurrentMutation)
			assert.Empty(t, g.Edges(), "rejected connect must leave no edge behind")
		} else {
			assert.Len(t, g.Edges(), 1)
		}
	}
}

func TestTypesCompatible(t *testing.T) {
	assert.True(t, TypesCompatible(cty.Number, cty.Number))
	assert.True(t, TypesCompatible(cty.Number, cty.String))
	assert.True(t, TypesCompatible(cty.DynamicPseudoType, cty.Number))
	assert.True(t, TypesCompatible(cty.Number, cty.DynamicPseudoType))
	assert.False(t, TypesCompatible(cty.List(cty.Bool), cty.Number))
	assert.False(t, TypesCompatible(cty.String, cty.Number))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "unknown", State(99).String())
}
