package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/nodeflow/internal/builtin"
	"github.com/vk/nodeflow/internal/engine"
	"github.com/vk/nodeflow/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	engine *engine.Engine
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger, a registry holding
// the builtin node types plus any extras, and an engine over an empty graph.
func NewApp(outW io.Writer, cfg *Config, extras ...*registry.NodeType) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if err := builtin.RegisterAll(reg); err != nil {
		return nil, fmt.Errorf("failed to register builtin node types: %w", err)
	}
	for _, t := range extras {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register node type %q: %w", t.Name, err)
		}
	}
	logger.Debug("Node types registered.", "count", len(reg.Names()))

	return &App{
		outW:   outW,
		logger: logger,
		config: cfg,
		engine: engine.New(reg, engine.WithLogger(logger)),
	}, nil
}

// Engine returns the application's engine. This is primarily for testing.
func (a *App) Engine() *engine.Engine {
	return a.engine
}
