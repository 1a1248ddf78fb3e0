package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/nodeflow/internal/ctxlog"
	"github.com/vk/nodeflow/internal/engine"
	"github.com/vk/nodeflow/internal/graph"
	"github.com/vk/nodeflow/internal/hclgraph"
	"github.com/vk/nodeflow/internal/validate"
)

// Run executes the main application logic: load the graph definition,
// validate it, execute it, and report the outcome.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	g, err := hclgraph.Load(ctx, a.config.GraphPath, a.engine.Registry())
	if err != nil {
		return fmt.Errorf("failed to load graph definition: %w", err)
	}
	a.engine.Adopt(g)
	a.logger.Debug("Graph loaded.", "node_count", g.Len())

	if g.Len() == 0 {
		a.logger.Warn("No nodes found in graph, execution not required.")
		return nil
	}

	for _, d := range a.engine.Validate() {
		if d.Severity == validate.Warning {
			a.logger.Warn(d.Summary, "detail", d.Detail, "nodes", d.Nodes)
		}
	}

	a.logger.Info("🚀 Starting concurrent execution...")
	report, err := a.engine.Run(ctx, engine.RunOptions{Parallelism: a.config.WorkerCount})
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	a.logger.Info("🏁 Execution finished.")

	a.printReport(report)
	if report.Failed > 0 {
		return fmt.Errorf("%d node(s) failed", report.Failed)
	}
	return nil
}

func (a *App) printReport(report *engine.RunReport) {
	for _, id := range sortedNodeIDs(report) {
		res := report.Nodes[id]
		switch res.State {
		case graph.StateError:
			fmt.Fprintf(a.outW, "%-12s %s: %v\n", res.State, id, res.Err)
		case graph.StateDone:
			suffix := ""
			if res.CacheHit {
				suffix = " (cached)"
			}
			fmt.Fprintf(a.outW, "%-12s %s in %s%s\n", res.State, id, res.Duration, suffix)
		default:
			fmt.Fprintf(a.outW, "%-12s %s\n", res.State, id)
		}
	}
	fmt.Fprintf(a.outW, "%d succeeded (%d cached), %d failed, %d skipped in %s\n",
		report.Succeeded, report.CacheHits, report.Failed, report.Skipped, report.Duration)
}

func sortedNodeIDs(report *engine.RunReport) []string {
	ids := make([]string, 0, len(report.Nodes))
	for id := range report.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
