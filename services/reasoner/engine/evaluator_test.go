// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// Tests for the hybrid evaluator.

package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SitkaAI/SitkaReason/services/reasoner/cache"
	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/graph"
)

func evalFixture(t *testing.T, thought string, chat func(prompt string) (string, error)) (*Evaluator, *graph.Store, string, datatypes.RunConfig) {
	t.Helper()
	stub := newStubLLM()
	if chat != nil {
		stub.chatFn = chat
	}
	sc := cache.New(stub, cache.Options{Dim: stubEmbedDim})

	store := graph.NewStore()
	root, err := store.CreateRoot("the task")
	require.NoError(t, err)
	child, err := store.AddChild(root.ID, thought)
	require.NoError(t, err)

	cfg := datatypes.DefaultRunConfig()
	cfg.Normalize()
	return NewEvaluator(stub, sc, DefaultPrompts(), nil), store, child.ID, cfg
}

func TestEvaluatorShortThoughtHeuristic(t *testing.T) {
	ev, store, id, cfg := evalFixture(t, "24?", nil)
	require.NoError(t, ev.Evaluate(context.Background(), store, datatypes.Task{Instruction: "t"}, cfg, id))

	n, _ := store.Get(id)
	require.NotNil(t, n.RawScores)
	assert.Equal(t, 1.0, n.RawScores.Progress)
	assert.Equal(t, 1.0, n.RawScores.Promise)
	assert.Equal(t, 9.0, n.RawScores.Confidence)
}

func TestEvaluatorLongThoughtHeuristic(t *testing.T) {
	ev, store, id, cfg := evalFixture(t, strings.Repeat("very long ", 150), nil)
	require.NoError(t, ev.Evaluate(context.Background(), store, datatypes.Task{Instruction: "t"}, cfg, id))

	n, _ := store.Get(id)
	require.NotNil(t, n.RawScores)
	assert.Equal(t, 3.0, n.RawScores.Progress)
	assert.Equal(t, 7.0, n.RawScores.Confidence)
}

func TestEvaluatorFailureMarkerHeuristic(t *testing.T) {
	ev, store, id, cfg := evalFixture(t, "this path is a DEAD_END really", nil)
	require.NoError(t, ev.Evaluate(context.Background(), store, datatypes.Task{Instruction: "t"}, cfg, id))

	n, _ := store.Get(id)
	require.NotNil(t, n.RawScores)
	assert.Equal(t, 0.0, n.RawScores.Progress)
	assert.Equal(t, 0.0, n.RawScores.Promise)
	assert.Equal(t, 10.0, n.RawScores.Confidence)
	assert.Equal(t, 3.0, n.Score, "composite of {0,0,10} with default weights")
}

func TestEvaluatorModelPath(t *testing.T) {
	ev, store, id, cfg := evalFixture(t, "multiply eight by three to reach 24", func(string) (string, error) {
		return `{"progress": 8, "promise": 6, "confidence": 4, "justification": "plausible"}`, nil
	})
	require.NoError(t, ev.Evaluate(context.Background(), store, datatypes.Task{Instruction: "t"}, cfg, id))

	n, _ := store.Get(id)
	require.NotNil(t, n.RawScores)
	assert.Equal(t, 8.0, n.RawScores.Progress)
	// 8*0.4 + 6*0.3 + 4*0.3 = 6.2
	assert.InDelta(t, 6.2, n.Score, 1e-9)
	assert.False(t, n.RawScores.LowConfidence)
}

func TestEvaluatorParseFallback(t *testing.T) {
	ev, store, id, cfg := evalFixture(t, "a perfectly reasonable thought", func(string) (string, error) {
		return "no JSON here, sorry", nil
	})
	require.NoError(t, ev.Evaluate(context.Background(), store, datatypes.Task{Instruction: "t"}, cfg, id))

	n, _ := store.Get(id)
	require.NotNil(t, n.RawScores)
	assert.Equal(t, 5.0, n.RawScores.Progress)
	assert.Equal(t, 5.0, n.RawScores.Promise)
	assert.Equal(t, 3.0, n.RawScores.Confidence)
	assert.True(t, n.RawScores.LowConfidence)
}

func TestEvaluatorCancelledContext(t *testing.T) {
	ev, store, id, cfg := evalFixture(t, "a perfectly reasonable thought", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ev.Evaluate(ctx, store, datatypes.Task{Instruction: "t"}, cfg, id)
	require.Error(t, err)

	n, _ := store.Get(id)
	assert.Nil(t, n.RawScores, "no score written after cancellation")
}

func TestCompositeScoreClamps(t *testing.T) {
	w := datatypes.EvaluationWeights{Progress: 1, Promise: 1, Confidence: 1}
	assert.InDelta(t, 10.0, compositeScore(datatypes.ValueScore{Progress: 10, Promise: 10, Confidence: 10}, w), 1e-9)
	assert.Equal(t, 0.0, compositeScore(datatypes.ValueScore{Progress: 5}, datatypes.EvaluationWeights{}))
}
