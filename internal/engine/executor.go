package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/nodeflow/internal/bus"
	"github.com/vk/nodeflow/internal/cache"
	"github.com/vk/nodeflow/internal/ctxlog"
	"github.com/vk/nodeflow/internal/graph"
	"github.com/vk/nodeflow/internal/schedule"
	"github.com/vk/nodeflow/internal/validate"
)

// RunOptions configure one execution.
type RunOptions struct {
	// Parallelism bounds the worker pool. Zero or negative picks the
	// host's logical CPU count.
	Parallelism int
}

// Run executes the graph: validate, compute the dirty set, satisfy clean
// nodes from cache, and execute the rest on a bounded worker pool in
// dependency order. A node failure skips its descendants and nothing else;
// the run itself only fails for blocking diagnostics or an internal
// scheduling fault. Cancellation is cooperative through ctx.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	logger := ctxlog.FromContext(ctx)
	g := e.Graph()

	report, err := func() (*RunReport, error) {
		if !g.BeginRun() {
			return nil, graph.ErrConcurrentMutation
		}
		defer g.EndRun()

		// Validate under the run gate, so the graph checked here is the
		// graph that executes.
		diags := validate.Check(g)
		if validate.HasBlocking(diags) {
			logger.Warn("run refused, graph has blocking diagnostics", "count", len(diags))
			return nil, &ValidationError{Diagnostics: diags}
		}

		e.events.Publish(bus.Event{Kind: bus.RunStarted})

		order, err := schedule.FullOrder(g)
		if err != nil {
			// Mutators guarantee acyclicity, so this is an engine bug,
			// not a user error.
			return nil, err
		}

		r := &run{
			g:       g,
			cache:   e.cache,
			events:  e.events,
			logger:  logger,
			workers: opts.Parallelism,
		}
		return r.execute(ctx, order), nil
	}()
	if err != nil {
		return nil, err
	}

	e.events.Publish(bus.Event{Kind: bus.RunCompleted, Report: report})
	return report, nil
}

// pendingNode is the per-node execution bookkeeping for one run.
type pendingNode struct {
	node *graph.Node

	// countdown holds the number of unresolved pending predecessors. The
	// node is ready when it reaches zero.
	countdown atomic.Int32

	// skipOnce guarantees a node is skipped at most once even when
	// several upstream failures reach it.
	skipOnce sync.Once
}

// run is the state of a single execution.
type run struct {
	g       *graph.Graph
	cache   *cache.Store
	events  *bus.Bus
	logger  *slog.Logger
	workers int

	hashes  map[string]string
	pending map[string]*pendingNode

	// values maps node ID to its output values, from cache or computed
	// this run. sync.Map: every node writes its own key exactly once
	// while dependents read concurrently.
	values  sync.Map
	results sync.Map // node ID -> *NodeResult

	ready chan *graph.Node
	wg    sync.WaitGroup
}

func (r *run) execute(ctx context.Context, order []string) *RunReport {
	start := time.Now()

	// A node is changed if it never completed or lost its cache entry;
	// everything downstream of a changed node is dirty.
	var changed []string
	for _, id := range order {
		n, _ := r.g.Node(id)
		if _, cached := r.cache.Lookup(id); !cached || n.State() != graph.StateDone {
			changed = append(changed, id)
		}
	}
	dirty := schedule.DirtySet(r.g, changed)
	r.logger.Debug("dirty set computed", "changed", len(changed), "dirty", len(dirty), "total", len(order))

	r.computeHashes(order)

	// Partition into cache hits and pending work. A clean node whose
	// cached hash matches its current content hash is done immediately.
	r.pending = make(map[string]*pendingNode)
	for _, id := range order {
		n, _ := r.g.Node(id)
		if _, isDirty := dirty[id]; !isDirty {
			if entry, ok := r.cache.Lookup(id); ok && r.hashes[id] != "" && entry.Hash == r.hashes[id] {
				r.resolveFromCache(n, entry)
				continue
			}
		}
		r.pending[id] = &pendingNode{node: n}
	}

	for id, p := range r.pending {
		var preds int32
		for _, pred := range r.g.Predecessors(id) {
			if _, isPending := r.pending[pred]; isPending {
				preds++
			}
		}
		p.countdown.Store(preds)
		r.setState(p.node, graph.StateDirty)
	}

	r.ready = make(chan *graph.Node, len(r.pending))
	for _, id := range order {
		p, ok := r.pending[id]
		if !ok {
			continue
		}
		if p.countdown.Load() == 0 {
			r.enqueue(p.node)
		}
	}

	workers := r.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	r.logger.Debug("starting worker pool", "workers", workers, "pending", len(r.pending))

	r.wg.Add(len(r.pending))
	for i := 0; i < workers; i++ {
		go r.worker(ctx, i)
	}
	r.wg.Wait()
	close(r.ready)

	return r.buildReport(order, time.Since(start))
}

// computeHashes walks the topological order so every upstream hash exists
// before it is consumed. A value that cannot be canonicalized leaves the
// node without a hash; it will execute and stay uncacheable.
func (r *run) computeHashes(order []string) {
	r.hashes = make(map[string]string, len(order))
	for _, id := range order {
		n, _ := r.g.Node(id)
		var inputs []cache.InputHash
		for _, e := range r.g.InEdges(id) {
			inputs = append(inputs, cache.InputHash{
				Port:     e.Dst.Port,
				SrcPort:  e.Src.Port,
				Upstream: r.hashes[e.Src.Node],
			})
		}
		params, err := r.g.Params(id)
		if err != nil {
			continue
		}
		h, err := cache.NodeHash(n.Type().Name, n.Type().Version, params, inputs)
		if err != nil {
			r.logger.Warn("node content not hashable, caching disabled for this node", "node", id, "error", err)
			h = ""
		}
		r.hashes[id] = h
	}
}

func (r *run) resolveFromCache(n *graph.Node, entry cache.Entry) {
	r.setState(n, graph.StateDone)
	r.values.Store(n.ID(), entry.Outputs)
	r.results.Store(n.ID(), &NodeResult{
		State:    graph.StateDone,
		CacheHit: true,
		Outputs:  entry.Outputs,
	})
}

// worker is the processing loop for one pool member.
func (r *run) worker(ctx context.Context, workerID int) {
	for n := range r.ready {
		if ctx.Err() != nil {
			r.skip(n, ctx.Err())
			r.skipDescendants(n.ID(), fmt.Errorf("skipped: %w", ctx.Err()))
			continue
		}

		// A node can be queued and then skipped by an upstream failure
		// before a worker picks it up; the failed CAS detects that.
		if !n.CompareAndSwapState(graph.StateQueued, graph.StateRunning) {
			continue
		}
		r.publishState(n.ID(), graph.StateQueued, graph.StateRunning)
		r.logger.Debug("node started", "worker", workerID, "node", n.ID())

		started := time.Now()
		outputs, err := r.invoke(ctx, n)
		elapsed := time.Since(started)

		if err != nil {
			r.logger.Error("node failed", "node", n.ID(), "error", err)
			r.setState(n, graph.StateError)
			r.results.Store(n.ID(), &NodeResult{State: graph.StateError, Err: err, Duration: elapsed})
			r.skipDescendants(n.ID(), fmt.Errorf("skipped due to upstream failure of %q", n.ID()))
			r.wg.Done()
			continue
		}

		r.values.Store(n.ID(), outputs)
		if h := r.hashes[n.ID()]; h != "" {
			r.cache.Commit(n.ID(), cache.Entry{Hash: h, Outputs: outputs})
		}
		r.setState(n, graph.StateDone)
		r.results.Store(n.ID(), &NodeResult{State: graph.StateDone, Duration: elapsed, Outputs: outputs})
		r.logger.Debug("node finished", "worker", workerID, "node", n.ID(), "duration", elapsed)

		for _, succ := range r.g.Successors(n.ID()) {
			p, isPending := r.pending[succ]
			if !isPending {
				continue
			}
			if p.countdown.Add(-1) == 0 {
				r.enqueue(p.node)
			}
		}
		r.wg.Done()
	}
}

// enqueue moves a ready node into the worker queue. The Dirty→Queued CAS
// loses against a concurrent skip, in which case the node must not be
// queued again.
func (r *run) enqueue(n *graph.Node) {
	if !n.CompareAndSwapState(graph.StateDirty, graph.StateQueued) {
		return
	}
	r.publishState(n.ID(), graph.StateDirty, graph.StateQueued)
	r.ready <- n
}

// skip marks one pending node as skipped, exactly once.
func (r *run) skip(n *graph.Node, cause error) {
	p, ok := r.pending[n.ID()]
	if !ok {
		return
	}
	p.skipOnce.Do(func() {
		r.setState(n, graph.StateSkipped)
		r.results.Store(n.ID(), &NodeResult{State: graph.StateSkipped, Err: cause})
		r.wg.Done()
	})
}

// skipDescendants marks every not-yet-completed node reachable from id as
// skipped. Failure dominates: a descendant is skipped even when its other
// predecessors succeed. Nodes with no path from id are untouched.
func (r *run) skipDescendants(id string, cause error) {
	for _, succ := range r.g.Successors(id) {
		p, isPending := r.pending[succ]
		if !isPending {
			continue
		}
		var first bool
		p.skipOnce.Do(func() {
			first = true
			r.logger.Warn("skipping node due to upstream failure", "node", succ, "upstream", id)
			r.setState(p.node, graph.StateSkipped)
			r.results.Store(succ, &NodeResult{State: graph.StateSkipped, Err: cause})
			r.wg.Done()
		})
		if first {
			r.skipDescendants(succ, cause)
		}
	}
}

// invoke gathers a node's inputs, runs its compute function and normalizes
// the outputs against the declared schema. A panicking compute function is
// reported as a node failure, never as a process fault.
func (r *run) invoke(ctx context.Context, n *graph.Node) (map[string]cty.Value, error) {
	inputs := make(map[string]cty.Value, len(n.Type().Inputs))
	for _, spec := range n.Type().Inputs {
		edge, connected := r.g.InEdge(graph.PortRef{Node: n.ID(), Port: spec.Name})
		if !connected {
			if spec.Default != cty.NilVal {
				inputs[spec.Name] = spec.Default
			} else {
				inputs[spec.Name] = cty.NullVal(spec.Type)
			}
			continue
		}

		stored, ok := r.values.Load(edge.Src.Node)
		if !ok {
			return nil, fmt.Errorf("internal: upstream %q resolved without outputs", edge.Src.Node)
		}
		v, ok := stored.(map[string]cty.Value)[edge.Src.Port]
		if !ok {
			return nil, fmt.Errorf("internal: upstream %q has no output %q", edge.Src.Node, edge.Src.Port)
		}
		v, err := coerce(v, spec.Type)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", spec.Name, err)
		}
		inputs[spec.Name] = v
	}

	params, err := r.g.Params(n.ID())
	if err != nil {
		return nil, err
	}

	raw, err := safeCompute(ctx, n.Type().Compute, inputs, params)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]cty.Value, len(n.Type().Outputs))
	for _, spec := range n.Type().Outputs {
		v, ok := raw[spec.Name]
		if !ok {
			return nil, fmt.Errorf("compute did not produce declared output %q", spec.Name)
		}
		v, err := coerce(v, spec.Type)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", spec.Name, err)
		}
		outputs[spec.Name] = v
	}
	return outputs, nil
}

func safeCompute(ctx context.Context, fn func(context.Context, map[string]cty.Value, map[string]cty.Value) (map[string]cty.Value, error), inputs, params map[string]cty.Value) (out map[string]cty.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("compute panicked: %v", rec)
		}
	}()
	return fn(ctx, inputs, params)
}

func coerce(v cty.Value, want cty.Type) (cty.Value, error) {
	if want == cty.DynamicPseudoType || v.Type().Equals(want) {
		return v, nil
	}
	converted, err := convert.Convert(v, want)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot convert %s to %s: %w", v.Type().FriendlyName(), want.FriendlyName(), err)
	}
	return converted, nil
}

// setState stores a state and publishes the transition.
func (r *run) setState(n *graph.Node, s graph.State) {
	old := n.State()
	if old == s {
		return
	}
	n.SetState(s)
	r.publishState(n.ID(), old, s)
}

func (r *run) publishState(id string, old, new graph.State) {
	r.events.Publish(bus.Event{Kind: bus.NodeStateChanged, NodeID: id, Old: old, New: new})
}

func (r *run) buildReport(order []string, elapsed time.Duration) *RunReport {
	report := &RunReport{
		Nodes:    make(map[string]*NodeResult, len(order)),
		Duration: elapsed,
	}
	for _, id := range order {
		stored, ok := r.results.Load(id)
		if !ok {
			// Unreachable: every node either resolves from cache, runs,
			// or is skipped.
			stored = &NodeResult{State: graph.StateIdle}
		}
		res := stored.(*NodeResult)
		report.Nodes[id] = res
		switch res.State {
		case graph.StateDone:
			report.Succeeded++
			if res.CacheHit {
				report.CacheHits++
			}
		case graph.StateError:
			report.Failed++
		case graph.StateSkipped:
			report.Skipped++
		}
	}
	return report
}
