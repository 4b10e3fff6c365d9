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
	"strings"
	"time"

	"github.com/SitkaAI/SitkaReason/services/llm"
	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/graph"
	"github.com/SitkaAI/SitkaReason/services/reasoner/observability"
)

// ErrEmptyAnswer is returned when the model produced no usable final text.
var ErrEmptyAnswer = errors.New("finalizer produced an empty answer")

// Finalizer synthesizes the final answer from the winning path. It never
// consults the cache; the final call is cheap relative to the run and
// benefits from full context.
type Finalizer struct {
	llm     llm.Client
	prompts PromptSet
	sink    observability.Sink
}

// NewFinalizer wires the finalizer's collaborators.
func NewFinalizer(client llm.Client, ps PromptSet, sink observability.Sink) *Finalizer {
	if sink == nil {
		sink = observability.NopSink{}
	}
	return &Finalizer{llm: client, prompts: ps, sink: sink}
}

// Finalize renders the root→best chain and asks the model for a concise
// answer at the configured (low) temperature.
func (f *Finalizer) Finalize(ctx context.Context, store *graph.Store, task datatypes.Task, cfg datatypes.RunConfig, bestID string) (string, error) {
	chain, err := store.PathText(bestID)
	if err != nil {
		return "", fmt.Errorf("finalize path: %w", err)
	}

	prompt, err := f.prompts.Finalize.Format(map[string]any{
		"task":  task.Instruction,
		"chain": chain,
	})
	if err != nil {
		return "", fmt.Errorf("finalize prompt format: %w", err)
	}

	start := time.Now()
	text, err := f.llm.Chat(ctx, prompt, llm.ChatOptions{Temperature: cfg.FinalizeTemp})
	status := "success"
	if err != nil {
		status = "error"
	}
	f.sink.Increment(observability.MetricLLMCallsTotal,
		map[string]string{"op": "chat_finalize", "status": status}, 1)
	f.sink.Observe(observability.MetricLLMCallSeconds,
		map[string]string{"op": "chat_finalize"}, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}
