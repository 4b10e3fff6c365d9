// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SitkaAI/SitkaReason/services/llm"
	"github.com/SitkaAI/SitkaReason/services/reasoner/cache"
	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/graph"
	"github.com/SitkaAI/SitkaReason/services/reasoner/observability"
)

// Heuristic bounds: thoughts outside them are scored without a model call.
const (
	minThoughtLen = 8
	maxThoughtLen = 1000
)

// Evaluator scores candidate thoughts in [0, 10].
//
// # Description
//
// Cheap deterministic heuristics run first: degenerate lengths and the
// failure marker short-circuit the model entirely. Otherwise the value
// prompt is issued (through the semantic cache) and parsed robustly; a
// parse failure falls back to a low-confidence default rather than failing
// the run.
//
// # Thread Safety
//
// Safe for concurrent use across nodes.
type Evaluator struct {
	llm     llm.Client
	cache   *cache.SemanticCache
	prompts PromptSet
	sink    observability.Sink
}

// NewEvaluator wires the evaluator's collaborators.
func NewEvaluator(client llm.Client, sc *cache.SemanticCache, ps PromptSet, sink observability.Sink) *Evaluator {
	if sink == nil {
		sink = observability.NopSink{}
	}
	return &Evaluator{llm: client, cache: sc, prompts: ps, sink: sink}
}

// Evaluate scores one node and writes the result back to the store.
//
// # Outputs
//
//   - error: Cancellation, or a store failure. Gateway and parse failures
//     are absorbed by the fallback score and never surface.
func (e *Evaluator) Evaluate(ctx context.Context, store *graph.Store, task datatypes.Task, cfg datatypes.RunConfig, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return &llm.Error{Kind: llm.KindCancelled, Op: "evaluate", Backend: "engine", Err: err}
	}

	node, ok := store.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, nodeID)
	}

	raw, fired := e.applyHeuristics(node)
	if !fired {
		var err error
		raw, err = e.modelScore(ctx, store, task, cfg, node)
		if err != nil {
			return err
		}
	}

	composite := compositeScore(raw, cfg.EvaluationWeights)
	return store.SetEvaluation(nodeID, composite, raw)
}

// applyHeuristics returns a score and true when a rule fired.
func (e *Evaluator) applyHeuristics(node graph.Node) (datatypes.ValueScore, bool) {
	thought := strings.TrimSpace(node.Thought)

	switch {
	case len(thought) < minThoughtLen:
		return datatypes.ValueScore{
			Progress: 1, Promise: 1, Confidence: 9,
			Justification: "heuristic: thought too short",
		}, true
	case len(thought) > maxThoughtLen:
		return datatypes.ValueScore{
			Progress: 3, Promise: 3, Confidence: 7,
			Justification: "heuristic: thought too long",
		}, true
	case e.prompts.FailureMarker != "" && strings.Contains(thought, e.prompts.FailureMarker):
		return datatypes.ValueScore{
			Progress: 0, Promise: 0, Confidence: 10,
			Justification: "heuristic: failure marker",
		}, true
	}
	return datatypes.ValueScore{}, false
}

// modelScore obtains the three-dimensional score from cache or model.
func (e *Evaluator) modelScore(ctx context.Context, store *graph.Store, task datatypes.Task, cfg datatypes.RunConfig, node graph.Node) (datatypes.ValueScore, error) {
	path, err := store.PathText(node.ID)
	if err != nil {
		return datatypes.ValueScore{}, err
	}

	cacheKey := fmt.Sprintf("evaluate | %s | %s", task.Instruction, path)
	if payload, _, ok := e.cache.Lookup(ctx, cache.NamespaceEvaluate, cacheKey); ok {
		if vs, ok := payload.(datatypes.ValueScore); ok {
			return vs, nil
		}
		slog.Warn("Evaluate cache payload has unexpected type, ignoring hit")
	}

	prompt, err := e.prompts.Value.Format(map[string]any{
		"task":      task.Instruction,
		"candidate": node.Thought,
		"history":   path,
	})
	if err != nil {
		return datatypes.ValueScore{}, fmt.Errorf("value prompt format: %w", err)
	}

	start := time.Now()
	rawOut, err := e.llm.Chat(ctx, prompt, llm.ChatOptions{Temperature: cfg.ValueTemp})
	e.observeCall("chat_value", start, err)

	var vs datatypes.ValueScore
	switch {
	case err != nil && llm.IsCancelled(err):
		return datatypes.ValueScore{}, err
	case err != nil:
		// Exhausted gateway: score conservatively and keep the run alive.
		slog.Warn("Value call failed, using low-confidence fallback",
			"node_id", node.ID, "error", err)
		vs = fallbackScore()
	default:
		vs, err = ParseValueScore(rawOut)
		if errors.Is(err, ErrUnparseable) {
			slog.Warn("Value output unparseable, using low-confidence fallback",
				"node_id", node.ID)
			vs = fallbackScore()
		} else if err != nil {
			return datatypes.ValueScore{}, err
		}
	}

	e.cache.Insert(ctx, cache.NamespaceEvaluate, cacheKey, vs)
	return vs, nil
}

// fallbackScore is the low-confidence default for unusable evaluations.
func fallbackScore() datatypes.ValueScore {
	return datatypes.ValueScore{
		Progress: 5, Promise: 5, Confidence: 3,
		Justification: "fallback: value output unusable",
		LowConfidence: true,
	}
}

// compositeScore is the weight-normalized combination, clamped to [0, 10].
func compositeScore(vs datatypes.ValueScore, w datatypes.EvaluationWeights) float64 {
	sum := w.Progress + w.Promise + w.Confidence
	if sum <= 0 {
		return 0
	}
	score := (vs.Progress*w.Progress + vs.Promise*w.Promise + vs.Confidence*w.Confidence) / sum
	return clamp(score, 0, 10)
}

func (e *Evaluator) observeCall(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.sink.Increment(observability.MetricLLMCallsTotal,
		map[string]string{"op": op, "status": status}, 1)
	e.sink.Observe(observability.MetricLLMCallSeconds,
		map[string]string{"op": op}, time.Since(start).Seconds())
}
