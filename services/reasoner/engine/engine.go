// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine drives a run through the Tree-of-Thoughts loop.
//
// # Description
//
// The engine is an explicit state machine:
//
//	INITIALIZE -> PROPOSE -> EVALUATE -> SELECT_PRUNE -> CHECK_STOP
//	                 ^                                       |
//	                 +----------- continue ------------------+
//	                                                         |
//	                                    stop --> FINALIZE --> done
//
// Each loop state (PROPOSE through CHECK_STOP) tests the cancel signal;
// every model call is a
// further cancellation point inside the proposer, evaluator, and
// finalizer. Recoverable failures (exhausted retries in propose, parse
// failures in evaluate) are absorbed where they occur; only finalize
// errors and unexpected internal errors fail the run.
//
// # Thread Safety
//
// One engine instance serves many runs concurrently; per-run mutable state
// lives in RunState.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/SitkaAI/SitkaReason/services/llm"
	"github.com/SitkaAI/SitkaReason/services/reasoner/cache"
	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/graph"
	"github.com/SitkaAI/SitkaReason/services/reasoner/observability"
)

var tracer = otel.Tracer("sitka.reasoner.engine")

// State names the engine's state-machine nodes.
type State string

const (
	StateInitialize  State = "INITIALIZE"
	StatePropose     State = "PROPOSE"
	StateEvaluate    State = "EVALUATE"
	StateSelectPrune State = "SELECT_PRUNE"
	StateCheckStop   State = "CHECK_STOP"
	StateFinalize    State = "FINALIZE"
)

// String returns the state name.
func (s State) String() string { return string(s) }

// defaultParallelism bounds concurrent node operations within one step.
const defaultParallelism = 8

// EventPublisher receives best-effort progress events. Implementations
// must never block.
type EventPublisher interface {
	Publish(event datatypes.RunEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(datatypes.RunEvent) {}

// Engine executes runs against a shared gateway, cache, and prompt set.
type Engine struct {
	llm     llm.Client
	cache   *cache.SemanticCache
	prompts PromptSet
	sink    observability.Sink
	events  EventPublisher
}

// NewEngine wires an engine. sink and events may be nil.
func NewEngine(client llm.Client, sc *cache.SemanticCache, ps PromptSet, sink observability.Sink, events EventPublisher) *Engine {
	if sink == nil {
		sink = observability.NopSink{}
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &Engine{llm: client, cache: sc, prompts: ps, sink: sink, events: events}
}

// Execute runs the state machine to termination.
//
// # Description
//
// Blocks until the run reaches a terminal status; the outcome is reported
// through the RunState, never an error return. ctx is the run's cancel
// signal: cancelling it stops the run at the next state boundary or model
// call, whichever comes first.
func (e *Engine) Execute(ctx context.Context, rs *RunState) {
	spanCtx, span := tracer.Start(ctx, "Engine.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", rs.RunID))
	ctx = spanCtx

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine panicked, failing run", "run_id", rs.RunID, "panic", r)
			rs.finish(datatypes.StatusFailed, datatypes.StopInternalError, "")
			e.reportTerminal(rs)
		}
	}()

	strategy, err := NewStrategy(rs.Config)
	if err != nil {
		// Config is validated at submission; reaching this is an engine bug.
		slog.Error("Strategy construction failed", "run_id", rs.RunID, "error", err)
		rs.finish(datatypes.StatusFailed, datatypes.StopInternalError, "")
		e.reportTerminal(rs)
		return
	}

	proposer := NewProposer(e.llm, e.cache, e.prompts, e.sink)
	evaluator := NewEvaluator(e.llm, e.cache, e.prompts, e.sink)
	finalizer := NewFinalizer(e.llm, e.prompts, e.sink)

	// INITIALIZE
	e.enterState(rs, StateInitialize)
	rootText := rs.Task.Instruction
	if len(rs.Task.History) > 0 {
		rootText += "\n" + strings.Join(rs.Task.History, "\n")
	}
	root, err := rs.Store.CreateRoot(rootText)
	if err != nil {
		slog.Error("Root creation failed", "run_id", rs.RunID, "error", err)
		rs.finish(datatypes.StatusFailed, datatypes.StopInternalError, "")
		e.reportTerminal(rs)
		return
	}
	rs.begin(root.ID)
	e.sink.Increment(observability.MetricRunsActive, nil, 1)
	defer e.sink.Increment(observability.MetricRunsActive, nil, -1)
	slog.Info("Run started", "run_id", rs.RunID, "strategy", strategy.Name())

	var reason datatypes.StopReason
loop:
	for {
		// PROPOSE
		e.enterState(rs, StatePropose)
		if ctx.Err() != nil {
			reason = datatypes.StopCancelled
			break loop
		}
		if err := e.propose(ctx, rs, proposer, strategy); err != nil {
			if llm.IsCancelled(err) || ctx.Err() != nil {
				reason = datatypes.StopCancelled
				break loop
			}
			slog.Error("Propose step failed", "run_id", rs.RunID, "error", err)
			rs.finish(datatypes.StatusFailed, datatypes.StopInternalError, "")
			e.reportTerminal(rs)
			return
		}

		// EVALUATE
		e.enterState(rs, StateEvaluate)
		if ctx.Err() != nil {
			reason = datatypes.StopCancelled
			break loop
		}
		if err := e.evaluate(ctx, rs, evaluator); err != nil {
			if llm.IsCancelled(err) || ctx.Err() != nil {
				reason = datatypes.StopCancelled
				break loop
			}
			slog.Error("Evaluate step failed", "run_id", rs.RunID, "error", err)
			rs.finish(datatypes.StatusFailed, datatypes.StopInternalError, "")
			e.reportTerminal(rs)
			return
		}

		// SELECT_PRUNE
		e.enterState(rs, StateSelectPrune)
		if ctx.Err() != nil {
			reason = datatypes.StopCancelled
			break loop
		}
		frontier, bestID := strategy.UpdateFrontier(rs.Store, rs.frontierSnapshot())
		rs.setFrontier(frontier)
		rs.offerBest(bestID)

		// CHECK_STOP
		e.enterState(rs, StateCheckStop)
		var stop bool
		reason, stop = e.checkStop(ctx, rs)
		if stop {
			break loop
		}
	}

	// FINALIZE
	e.enterState(rs, StateFinalize)
	e.finalize(ctx, rs, finalizer, reason)
	e.reportTerminal(rs)
}

// propose expands every eligible frontier node with bounded parallelism
// and replaces the frontier with the new children.
func (e *Engine) propose(ctx context.Context, rs *RunState, proposer *Proposer, strategy Strategy) error {
	frontier := rs.frontierSnapshot()

	// Terminal thoughts and nodes at the depth limit are not expandable.
	expandable := make([]graph.Node, 0, len(frontier))
	for _, id := range frontier {
		n, ok := rs.Store.Get(id)
		if !ok {
			return fmt.Errorf("%w: frontier node %s", graph.ErrNodeNotFound, id)
		}
		if n.IsTerminal || n.Depth >= rs.Config.MaxDepth {
			continue
		}
		expandable = append(expandable, n)
	}

	childrenByParent := make([][]graph.Node, len(expandable))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism(rs.Config, len(expandable)))

	for i, node := range expandable {
		g.Go(func() error {
			children, err := proposer.ExpandNode(groupCtx, rs.Store, rs.Task, rs.Config, node)
			if err != nil {
				if llm.IsCancelled(err) {
					return err
				}
				// Exhausted gateway retries abort this node's expansion
				// only; the node contributes no children.
				slog.Warn("Node expansion dropped",
					"run_id", rs.RunID, "node_id", node.ID, "error", err)
				return nil
			}
			childrenByParent[i] = children
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	newFrontier := make([]string, 0)
	created := 0
	for i := range childrenByParent {
		strategy.MarkExpanded(expandable[i].ID)
		for _, child := range childrenByParent[i] {
			newFrontier = append(newFrontier, child.ID)
			created++
		}
	}

	rs.addExpanded(created)
	rs.setFrontier(newFrontier)
	if created > 0 {
		e.sink.Increment(observability.MetricNodesExpanded, nil, float64(created))
	}
	return nil
}

// evaluate scores every frontier node with bounded parallelism. Scores are
// final once this returns.
func (e *Engine) evaluate(ctx context.Context, rs *RunState, evaluator *Evaluator) error {
	frontier := rs.frontierSnapshot()
	if len(frontier) == 0 {
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism(rs.Config, len(frontier)))
	for _, id := range frontier {
		g.Go(func() error {
			return evaluator.Evaluate(groupCtx, rs.Store, rs.Task, rs.Config, id)
		})
	}
	return g.Wait()
}

// checkStop evaluates the stop predicate in priority order.
func (e *Engine) checkStop(ctx context.Context, rs *RunState) (datatypes.StopReason, bool) {
	cfg := rs.Config

	if ctx.Err() != nil {
		return datatypes.StopCancelled, true
	}
	if rs.expandedCount() >= cfg.StopConditions.MaxNodes {
		return datatypes.StopMaxNodes, true
	}
	if time.Since(rs.StartedAt()).Seconds() >= cfg.StopConditions.MaxTimeSeconds {
		return datatypes.StopMaxTime, true
	}
	if best, ok := rs.bestNode(); ok {
		if best.Score >= cfg.StopConditions.ScoreThreshold && best.Depth >= 1 {
			return datatypes.StopScoreThreshold, true
		}
	}
	frontier := rs.frontierSnapshot()
	if len(frontier) == 0 {
		return datatypes.StopEmptyFrontier, true
	}
	exhausted := true
	for _, id := range frontier {
		if n, ok := rs.Store.Get(id); ok && n.Depth < cfg.MaxDepth {
			exhausted = false
			break
		}
	}
	if exhausted {
		return datatypes.StopDepthExhausted, true
	}
	return "", false
}

// finalize produces the final answer and records the terminal status.
func (e *Engine) finalize(ctx context.Context, rs *RunState, finalizer *Finalizer, reason datatypes.StopReason) {
	if reason == datatypes.StopCancelled {
		// No further model calls may start after cancellation.
		rs.finish(datatypes.StatusCancelled, datatypes.StopCancelled, "")
		slog.Info("Run cancelled", "run_id", rs.RunID, "nodes_expanded", rs.expandedCount())
		return
	}

	bestID := ""
	if best, ok := rs.bestNode(); ok {
		bestID = best.ID
	}

	answer, err := finalizer.Finalize(ctx, rs.Store, rs.Task, rs.Config, bestID)
	if err != nil {
		if llm.IsCancelled(err) {
			rs.finish(datatypes.StatusCancelled, datatypes.StopCancelled, "")
			return
		}
		slog.Error("Finalize failed", "run_id", rs.RunID, "error", err)
		rs.finish(datatypes.StatusFailed, datatypes.StopFinalizeError, "")
		return
	}

	rs.finish(datatypes.StatusCompleted, reason, answer)
	slog.Info("Run completed",
		"run_id", rs.RunID, "stop_reason", reason, "nodes_expanded", rs.expandedCount())
}

func (e *Engine) parallelism(cfg datatypes.RunConfig, n int) int {
	p := cfg.Parallelism
	if p <= 0 {
		p = defaultParallelism
	}
	if n > 0 && n < p {
		p = n
	}
	if p < 1 {
		p = 1
	}
	return p
}

// enterState emits the transition counter and a progress event. Both are
// best-effort and never block the loop.
func (e *Engine) enterState(rs *RunState, state State) {
	e.sink.Increment(observability.MetricTransitionsTotal,
		map[string]string{"state": state.String()}, 1)

	bestScore := 0.0
	if best, ok := rs.bestNode(); ok {
		bestScore = best.Score
	}
	e.events.Publish(datatypes.RunEvent{
		RunID:         rs.RunID,
		State:         state.String(),
		Status:        rs.Status(),
		NodesExpanded: rs.expandedCount(),
		BestScore:     bestScore,
		At:            time.Now(),
	})
}

// reportTerminal emits the terminal counters and the final event.
func (e *Engine) reportTerminal(rs *RunState) {
	snap := rs.StatusSnapshot()
	e.sink.Increment(observability.MetricRunsTotal,
		map[string]string{"status": string(snap.Status)}, 1)
	if snap.Metrics.StopReason != "" {
		e.sink.Increment(observability.MetricStopReasonsTotal,
			map[string]string{"reason": string(snap.Metrics.StopReason)}, 1)
	}
	e.events.Publish(datatypes.RunEvent{
		RunID:         rs.RunID,
		State:         "DONE",
		Status:        snap.Status,
		NodesExpanded: snap.Metrics.NodesExpanded,
		BestScore:     snap.Metrics.FinalScore,
		StopReason:    snap.Metrics.StopReason,
		At:            time.Now(),
	})
}
