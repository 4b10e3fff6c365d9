// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// End-to-end engine tests with a scripted gateway.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SitkaAI/SitkaReason/services/llm"
	"github.com/SitkaAI/SitkaReason/services/reasoner/cache"
	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/observability"
)

// game24Config mirrors the canonical Game-of-24 run.
func game24Config() datatypes.RunConfig {
	cfg := datatypes.DefaultRunConfig()
	cfg.Strategy = datatypes.StrategyBeamSearch
	cfg.MaxDepth = 3
	cfg.BranchingFactor = 2
	cfg.BeamWidth = 2
	cfg.StopConditions = datatypes.StopConditions{
		MaxNodes:       50,
		MaxTimeSeconds: 60,
		ScoreThreshold: 9.5,
	}
	cfg.EmbeddingDim = stubEmbedDim
	cfg.Normalize()
	return cfg
}

func game24Task() datatypes.Task {
	return datatypes.Task{Instruction: "Use the numbers 4, 6, 7, 8 to make 24 with +, -, *, /"}
}

// engineFixture shares one cache and engine across executions, like the
// production wiring does.
type engineFixture struct {
	stub   *stubLLM
	engine *Engine
	sink   *observability.MemSink
	nextID int
}

func newEngineFixture(t *testing.T, client llm.Client, stub *stubLLM, cfg datatypes.RunConfig) *engineFixture {
	t.Helper()
	sink := observability.NewMemSink()
	sc := cache.New(stub, cache.Options{
		Dim:                 stubEmbedDim,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		MaxEntries:          cfg.Cache.MaxEntries,
		Sink:                sink,
	})
	return &engineFixture{
		stub:   stub,
		engine: NewEngine(client, sc, DefaultPrompts(), sink, nil),
		sink:   sink,
	}
}

func (f *engineFixture) run(task datatypes.Task, cfg datatypes.RunConfig) *RunState {
	f.nextID++
	rs := NewRunState(fmt.Sprintf("run-%d", f.nextID), task, cfg)
	f.engine.Execute(context.Background(), rs)
	return rs
}

// assertUniversalInvariants checks the properties every run must satisfy.
func assertUniversalInvariants(t *testing.T, rs *RunState) {
	t.Helper()
	snap := rs.Snapshot()

	require.True(t, snap.Status.IsTerminal())
	if snap.Status == datatypes.StatusCompleted {
		assert.NotEmpty(t, snap.FinalAnswer)
	} else {
		assert.Empty(t, snap.FinalAnswer)
	}

	nonRoot := 0
	for _, n := range snap.Nodes {
		if n.ParentID == "" {
			assert.Equal(t, 0, n.Depth)
			continue
		}
		nonRoot++
		parent, ok := snap.Nodes[n.ParentID]
		require.True(t, ok, "parent of %s missing from snapshot", n.ID)
		assert.Equal(t, parent.Depth+1, n.Depth)
	}
	assert.Equal(t, nonRoot, snap.NodesExpanded)

	if snap.BestNodeID != "" {
		best := snap.Nodes[snap.BestNodeID]
		for _, n := range snap.Nodes {
			assert.LessOrEqual(t, n.Score, best.Score)
		}
	}
}

// =============================================================================
// Scenario S1 — Game of 24, happy path
// =============================================================================

func TestRunGame24BeamSearch(t *testing.T) {
	stub := newStubLLM()
	f := newEngineFixture(t, stub, stub, game24Config())

	rs := f.run(game24Task(), game24Config())
	snap := rs.Snapshot()

	assert.Equal(t, datatypes.StatusCompleted, snap.Status)
	assert.Contains(t, []datatypes.StopReason{
		datatypes.StopScoreThreshold, datatypes.StopDepthExhausted,
	}, snap.Metrics.StopReason)
	assert.Contains(t, snap.FinalAnswer, "24")

	require.NotEmpty(t, snap.BestNodeID)
	assert.Equal(t, 3, snap.Nodes[snap.BestNodeID].Depth)
	assertUniversalInvariants(t, rs)
}

// =============================================================================
// Scenario S2 — Cancellation mid-run
// =============================================================================

func TestCancellationMidRun(t *testing.T) {
	stub := newStubLLM()
	stub.chatDelay = 20 * time.Millisecond

	cfg := game24Config()
	cfg.MaxDepth = 50
	cfg.StopConditions.MaxNodes = 10000
	f := newEngineFixture(t, stub, stub, cfg)

	rs := NewRunState("run-cancel", game24Task(), cfg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.engine.Execute(ctx, rs)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}

	snap := rs.Snapshot()
	assert.Equal(t, datatypes.StatusCancelled, snap.Status)
	assert.Equal(t, datatypes.StopCancelled, snap.Metrics.StopReason)
	assert.Less(t, snap.NodesExpanded, 10000)
	assert.Empty(t, snap.FinalAnswer)
	assertUniversalInvariants(t, rs)
}

// =============================================================================
// Scenario S3 — Cache hit on identical task
// =============================================================================

func TestCacheHitOnIdenticalTask(t *testing.T) {
	stub := newStubLLM()
	f := newEngineFixture(t, stub, stub, game24Config())

	first := f.run(game24Task(), game24Config())
	firstCalls := stub.chatCalls.Load()
	require.Equal(t, datatypes.StatusCompleted, first.Status())
	require.Positive(t, firstCalls)

	second := f.run(game24Task(), game24Config())
	secondCalls := stub.chatCalls.Load() - firstCalls
	require.Equal(t, datatypes.StatusCompleted, second.Status())

	assert.LessOrEqual(t, secondCalls, firstCalls/2,
		"second run must perform at least 50%% fewer chat calls (first=%d, second=%d)", firstCalls, secondCalls)
	assert.Equal(t, first.Snapshot().FinalAnswer, second.Snapshot().FinalAnswer)
}

// =============================================================================
// Scenario S4 — Strategy swap
// =============================================================================

func TestStrategySwap(t *testing.T) {
	beamStub := newStubLLM()
	beamRun := newEngineFixture(t, beamStub, beamStub, game24Config()).run(game24Task(), game24Config())

	bfCfg := game24Config()
	bfCfg.Strategy = datatypes.StrategyBestFirstSearch
	bfStub := newStubLLM()
	bfRun := newEngineFixture(t, bfStub, bfStub, bfCfg).run(game24Task(), bfCfg)

	beamSnap, bfSnap := beamRun.Snapshot(), bfRun.Snapshot()
	require.Equal(t, datatypes.StatusCompleted, beamSnap.Status)
	require.Equal(t, datatypes.StatusCompleted, bfSnap.Status)

	assert.LessOrEqual(t, bfSnap.NodesExpanded, beamSnap.NodesExpanded,
		"best-first visits at most as many nodes on this task")
	assert.InDelta(t, beamSnap.Metrics.FinalScore, bfSnap.Metrics.FinalScore, 0.5)

	assertUniversalInvariants(t, beamRun)
	assertUniversalInvariants(t, bfRun)
}

// =============================================================================
// Scenario S5 — Evaluator parse fallback
// =============================================================================

func TestRunSurvivesGarbageValueOutput(t *testing.T) {
	stub := newStubLLM()
	stub.chatFn = func(prompt string) (string, error) {
		if strings.Contains(prompt, "critical, analytical evaluator") {
			return "%%% complete garbage %%%", nil
		}
		return scriptedChat(prompt)
	}
	f := newEngineFixture(t, stub, stub, game24Config())

	rs := f.run(game24Task(), game24Config())
	snap := rs.Snapshot()

	assert.Equal(t, datatypes.StatusCompleted, snap.Status)
	assert.Equal(t, datatypes.StopDepthExhausted, snap.Metrics.StopReason)

	for _, n := range snap.Nodes {
		if n.ParentID == "" || n.RawScores == nil {
			continue
		}
		assert.Equal(t, 5.0, n.RawScores.Progress)
		assert.Equal(t, 5.0, n.RawScores.Promise)
		assert.Equal(t, 3.0, n.RawScores.Confidence)
		assert.True(t, n.RawScores.LowConfidence)
	}
	assertUniversalInvariants(t, rs)
}

// =============================================================================
// Scenario S6 — Transient-then-success in proposer
// =============================================================================

func TestTransientThenSuccessInProposer(t *testing.T) {
	stub := newStubLLM()
	var failures int
	inner := stub.chatFn
	stub.chatFn = func(prompt string) (string, error) {
		if strings.Contains(prompt, "committee of reasoning experts") && failures < 2 {
			failures++
			return "", &llm.Error{Kind: llm.KindTransient, Op: "chat", Backend: "stub", Err: errors.New("flaky upstream")}
		}
		return inner(prompt)
	}

	retrying := llm.NewRetryingClient(stub, llm.WithCallTimeout(time.Second))
	f := newEngineFixture(t, retrying, stub, game24Config())

	rs := f.run(game24Task(), game24Config())
	snap := rs.Snapshot()

	assert.Equal(t, datatypes.StatusCompleted, snap.Status)
	assert.Equal(t, 2, failures, "gateway retried through both transient failures")
	assertUniversalInvariants(t, rs)
}

// =============================================================================
// Boundary behaviors
// =============================================================================

func TestMaxDepthZeroFinalizesOnRoot(t *testing.T) {
	stub := newStubLLM()
	cfg := game24Config()
	cfg.MaxDepth = 0
	f := newEngineFixture(t, stub, stub, cfg)

	rs := f.run(game24Task(), cfg)
	snap := rs.Snapshot()

	assert.Equal(t, datatypes.StatusCompleted, snap.Status)
	assert.Equal(t, datatypes.StopEmptyFrontier, snap.Metrics.StopReason)
	assert.Equal(t, 0, snap.NodesExpanded)
	assert.Len(t, snap.Nodes, 1, "only the root exists")
	assert.NotEmpty(t, snap.FinalAnswer)
}

func TestBranchingFactorZero(t *testing.T) {
	stub := newStubLLM()
	cfg := game24Config()
	cfg.BranchingFactor = 0
	f := newEngineFixture(t, stub, stub, cfg)

	rs := f.run(game24Task(), cfg)
	snap := rs.Snapshot()

	assert.Equal(t, datatypes.StatusCompleted, snap.Status)
	assert.Equal(t, datatypes.StopEmptyFrontier, snap.Metrics.StopReason)
	assert.Equal(t, 0, snap.NodesExpanded)
}

func TestMaxTimeZeroStopsImmediately(t *testing.T) {
	stub := newStubLLM()
	cfg := game24Config()
	cfg.StopConditions.MaxTimeSeconds = 0
	f := newEngineFixture(t, stub, stub, cfg)

	rs := f.run(game24Task(), cfg)
	snap := rs.Snapshot()

	assert.Equal(t, datatypes.StopMaxTime, snap.Metrics.StopReason)
	assert.Equal(t, datatypes.StatusCompleted, snap.Status)
}

func TestMaxNodesOne(t *testing.T) {
	stub := newStubLLM()
	cfg := game24Config()
	cfg.StopConditions.MaxNodes = 1
	f := newEngineFixture(t, stub, stub, cfg)

	rs := f.run(game24Task(), cfg)
	snap := rs.Snapshot()

	assert.Equal(t, datatypes.StopMaxNodes, snap.Metrics.StopReason)
	assert.Equal(t, 2, snap.NodesExpanded, "one propose round of K=2 ran before the check")
}

// =============================================================================
// Snapshot round-trip
// =============================================================================

func TestTraceSnapshotRoundTrip(t *testing.T) {
	stub := newStubLLM()
	f := newEngineFixture(t, stub, stub, game24Config())
	rs := f.run(game24Task(), game24Config())

	snap := rs.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded datatypes.TraceSnapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, snap.RunID, decoded.RunID)
	assert.Equal(t, snap.Status, decoded.Status)
	assert.Equal(t, snap.BestNodeID, decoded.BestNodeID)
	require.Len(t, decoded.Nodes, len(snap.Nodes))
	for id, n := range snap.Nodes {
		assert.Equal(t, n.Score, decoded.Nodes[id].Score)
		assert.Equal(t, n.Depth, decoded.Nodes[id].Depth)
	}
}
