package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestNodeHash(t *testing.T) {
	params := map[string]cty.Value{
		"bias": cty.NumberIntVal(3),
		"name": cty.StringVal("x"),
	}
	inputs := []InputHash{
		{Port: "a", SrcPort: "out", Upstream: "aaa"},
		{Port: "b", SrcPort: "out", Upstream: "bbb"},
	}

	t.Run("is stable for equal content", func(t *testing.T) {
		h1, err := NodeHash("calc", "1", params, inputs)
		require.NoError(t, err)
		h2, err := NodeHash("calc", "1", params, inputs)
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
		assert.Len(t, h1, 64)
	})

	t.Run("ignores input ordering", func(t *testing.T) {
		h1, err := NodeHash("calc", "1", params, inputs)
		require.NoError(t, err)
		reversed := []InputHash{inputs[1], inputs[0]}
		h2, err := NodeHash("calc", "1", params, reversed)
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
	})

	t.Run("shifts when anything changes", func(t *testing.T) {
		base, err := NodeHash("calc", "1", params, inputs)
		require.NoError(t, err)

		h, err := NodeHash("other", "1", params, inputs)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "type name")

		h, err = NodeHash("calc", "2", params, inputs)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "type version")

		changedParams := map[string]cty.Value{
			"bias": cty.NumberIntVal(4),
			"name": cty.StringVal("x"),
		}
		h, err = NodeHash("calc", "1", changedParams, inputs)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "param value")

		changedInputs := []InputHash{inputs[0], {Port: "b", SrcPort: "out", Upstream: "ccc"}}
		h, err = NodeHash("calc", "1", params, changedInputs)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "upstream hash")

		rewired := []InputHash{inputs[0], {Port: "b", SrcPort: "other", Upstream: "bbb"}}
		h, err = NodeHash("calc", "1", params, rewired)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "source port")
	})

	t.Run("distinguishes value type from value text", func(t *testing.T) {
		h1, err := NodeHash("calc", "1", map[string]cty.Value{"v": cty.StringVal("1")}, nil)
		require.NoError(t, err)
		h2, err := NodeHash("calc", "1", map[string]cty.Value{"v": cty.NumberIntVal(1)}, nil)
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})

	t.Run("no params and no inputs is valid", func(t *testing.T) {
		h, err := NodeHash("calc", "1", nil, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, h)
	})
}

func TestStore(t *testing.T) {
	s := NewStore()

	_, ok := s.Lookup("a")
	assert.False(t, ok)

	entry := Entry{Hash: "h1", Outputs: map[string]cty.Value{"out": cty.NumberIntVal(7)}}
	s.Commit("a", entry)
	got, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "h1", got.Hash)
	assert.True(t, got.Outputs["out"].RawEquals(cty.NumberIntVal(7)))

	// Commit replaces.
	s.Commit("a", Entry{Hash: "h2"})
	got, ok = s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "h2", got.Hash)

	s.Commit("b", Entry{Hash: "h3"})
	s.Forget("a")
	_, ok = s.Lookup("a")
	assert.False(t, ok)
	_, ok = s.Lookup("b")
	assert.True(t, ok)

	s.Reset()
	_, ok = s.Lookup("b")
	assert.False(t, ok)
}
