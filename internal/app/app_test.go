package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGraph(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestNewConfig(t *testing.T) {
	_, err := NewConfig(Config{})
	assert.ErrorContains(t, err, "GraphPath")

	_, err = NewConfig(Config{GraphPath: "p.hcl", WorkerCount: -1})
	assert.ErrorContains(t, err, "WorkerCount")

	cfg, err := NewConfig(Config{GraphPath: "p.hcl"})
	require.NoError(t, err)
	assert.Equal(t, "p.hcl", cfg.GraphPath)
}

func TestAppRun(t *testing.T) {
	t.Run("executes a graph end to end", func(t *testing.T) {
		path := writeGraph(t, `
node "const.number" "lhs" { value = 2 }
node "const.number" "rhs" { value = 3 }
node "math.add" "sum" {}

edge {
  from = "lhs.value"
  to   = "sum.a"
}
edge {
  from = "rhs.value"
  to   = "sum.b"
}
`)
		var out bytes.Buffer
		cfg, err := NewConfig(Config{GraphPath: path, LogLevel: "error", LogFormat: "text"})
		require.NoError(t, err)
		a, err := NewApp(&out, cfg)
		require.NoError(t, err)

		require.NoError(t, a.Run(context.Background()))
		assert.Contains(t, out.String(), "3 succeeded")
		assert.Contains(t, out.String(), "sum")
	})

	t.Run("fails on missing graph path", func(t *testing.T) {
		var out bytes.Buffer
		cfg, err := NewConfig(Config{GraphPath: "/does/not/exist", LogLevel: "error"})
		require.NoError(t, err)
		a, err := NewApp(&out, cfg)
		require.NoError(t, err)

		assert.ErrorContains(t, a.Run(context.Background()), "failed to load graph definition")
	})

	t.Run("empty graph is a no-op", func(t *testing.T) {
		path := writeGraph(t, "")
		var out bytes.Buffer
		cfg, err := NewConfig(Config{GraphPath: path, LogLevel: "error"})
		require.NoError(t, err)
		a, err := NewApp(&out, cfg)
		require.NoError(t, err)

		assert.NoError(t, a.Run(context.Background()))
	})

	t.Run("reports a failing node", func(t *testing.T) {
		path := writeGraph(t, `
node "math.range" "r" {}
node "list.index" "pick" {}
node "const.number" "idx" { value = 100 }

edge {
  from = "r.list"
  to   = "pick.list"
}
edge {
  from = "idx.value"
  to   = "pick.index"
}
`)
		var out bytes.Buffer
		cfg, err := NewConfig(Config{GraphPath: path, LogLevel: "error", LogFormat: "text"})
		require.NoError(t, err)
		a, err := NewApp(&out, cfg)
		require.NoError(t, err)

		err = a.Run(context.Background())
		assert.ErrorContains(t, err, "1 node(s) failed")
		assert.Contains(t, out.String(), "out of range")
	})

	t.Run("refuses a graph with missing required inputs", func(t *testing.T) {
		path := writeGraph(t, `node "math.add" "sum" {}`)
		var out bytes.Buffer
		cfg, err := NewConfig(Config{GraphPath: path, LogLevel: "error"})
		require.NoError(t, err)
		a, err := NewApp(&out, cfg)
		require.NoError(t, err)

		assert.ErrorContains(t, a.Run(context.Background()), "validation failed")
	})
}
