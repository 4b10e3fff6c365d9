// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
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

// Proposer generates candidate child thoughts for one frontier node.
//
// # Thread Safety
//
// Safe for concurrent use across nodes; the graph store and cache carry
// their own synchronization.
type Proposer struct {
	llm     llm.Client
	cache   *cache.SemanticCache
	prompts PromptSet
	sink    observability.Sink
}

// NewProposer wires the proposer's collaborators.
func NewProposer(client llm.Client, sc *cache.SemanticCache, ps PromptSet, sink observability.Sink) *Proposer {
	if sink == nil {
		sink = observability.NopSink{}
	}
	return &Proposer{llm: client, cache: sc, prompts: ps, sink: sink}
}

// ExpandNode produces up to cfg.BranchingFactor children under node.
//
// # Description
//
// Consults the semantic cache first; on a miss it formats the propose
// prompt, calls the chat model, parses robustly, and caches the parsed
// list. Each accepted thought becomes a child in the store; thoughts
// containing the solution marker are flagged terminal.
//
// # Outputs
//
//   - []graph.Node: The created children, in proposal order. May be empty.
//   - error: Cancellation, or an exhausted gateway failure. The caller
//     drops the node's expansion on gateway errors; the run continues.
func (p *Proposer) ExpandNode(ctx context.Context, store *graph.Store, task datatypes.Task, cfg datatypes.RunConfig, node graph.Node) ([]graph.Node, error) {
	k := cfg.BranchingFactor
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, &llm.Error{Kind: llm.KindCancelled, Op: "propose", Backend: "engine", Err: err}
	}

	path, err := store.PathText(node.ID)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("propose | %s | %s", task.Instruction, path)
	candidates := p.cachedCandidates(ctx, cacheKey)

	if candidates == nil {
		prompt, err := p.prompts.Propose.Format(map[string]any{
			"k":               k,
			"task":            task.Instruction,
			"history":         path,
			"constraints":     task.Constraints,
			"solution_marker": p.prompts.SolutionMarker,
			"failure_marker":  p.prompts.FailureMarker,
		})
		if err != nil {
			return nil, fmt.Errorf("propose prompt format: %w", err)
		}

		start := time.Now()
		raw, err := p.llm.Chat(ctx, prompt, llm.ChatOptions{Temperature: cfg.ProposeTemp})
		p.observeCall("chat_propose", start, err)
		if err != nil {
			return nil, err
		}

		candidates = ParseCandidateList(raw, k)
		if len(candidates) == 0 {
			slog.Debug("Proposer parsed no usable thoughts", "node_id", node.ID)
		}
		p.cache.Insert(ctx, cache.NamespacePropose, cacheKey, candidates)
	}

	children := make([]graph.Node, 0, len(candidates))
	for _, thought := range candidates {
		child, err := store.AddChild(node.ID, thought)
		if err != nil {
			return children, err
		}
		if strings.Contains(thought, p.prompts.SolutionMarker) {
			if err := store.MarkTerminal(child.ID); err == nil {
				child.IsTerminal = true
			}
		}
		children = append(children, child)
	}
	return children, nil
}

// cachedCandidates returns the cached list for the key, nil on miss or on a
// payload of an unexpected shape.
func (p *Proposer) cachedCandidates(ctx context.Context, key string) []string {
	payload, _, ok := p.cache.Lookup(ctx, cache.NamespacePropose, key)
	if !ok {
		return nil
	}
	candidates, ok := payload.([]string)
	if !ok {
		slog.Warn("Propose cache payload has unexpected type, ignoring hit")
		return nil
	}
	return candidates
}

func (p *Proposer) observeCall(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.sink.Increment(observability.MetricLLMCallsTotal,
		map[string]string{"op": op, "status": status}, 1)
	p.sink.Observe(observability.MetricLLMCallSeconds,
		map[string]string{"op": op}, time.Since(start).Seconds())
}
