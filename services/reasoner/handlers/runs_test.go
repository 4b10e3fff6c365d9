// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// Tests for the run handlers.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SitkaAI/SitkaReason/services/llm"
	"github.com/SitkaAI/SitkaReason/services/reasoner/cache"
	"github.com/SitkaAI/SitkaReason/services/reasoner/config"
	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/engine"
	"github.com/SitkaAI/SitkaReason/services/reasoner/registry"
)

const testEmbedDim = 32

// fakeLLM answers every prompt kind with a fixed, well-formed payload.
type fakeLLM struct {
	mu   sync.Mutex
	seen map[string]int
}

func (f *fakeLLM) Chat(_ context.Context, prompt string, _ llm.ChatOptions) (string, error) {
	switch {
	case strings.Contains(prompt, "committee of reasoning experts"):
		return `["refine the approach", "try the inverse"]`, nil
	case strings.Contains(prompt, "critical, analytical evaluator"):
		return `{"progress": 9.9, "promise": 9.9, "confidence": 9.9, "justification": "solved"}`, nil
	default:
		return "final answer", nil
	}
}

func (f *fakeLLM) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]int)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		idx, ok := f.seen[t]
		if !ok {
			idx = len(f.seen)
			f.seen[t] = idx
		}
		v := make([]float32, testEmbedDim)
		v[idx%testEmbedDim] = 1
		out[i] = v
	}
	return out, nil
}

func testRouter(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := &fakeLLM{}
	sc := cache.New(fake, cache.Options{Dim: testEmbedDim})
	eng := engine.NewEngine(fake, sc, engine.DefaultPrompts(), nil, nil)
	reg := registry.New(eng, registry.Options{})
	t.Cleanup(reg.Close)

	defaults := datatypes.DefaultRunConfig()
	defaults.EmbeddingDim = testEmbedDim
	defaults.MaxDepth = 2
	provider := config.NewProvider(defaults)

	router := gin.New()
	router.POST("/v1/runs", StartRun(reg, provider))
	router.GET("/v1/runs", ListRuns(reg))
	router.GET("/v1/runs/:id", GetStatus(reg))
	router.GET("/v1/runs/:id/trace", GetTrace(reg))
	router.DELETE("/v1/runs/:id", CancelRun(reg))
	router.GET("/v1/config/defaults", GetRunDefaults(provider))
	router.GET("/health", HealthCheck)
	return router, reg
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func startRun(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w, resp := doJSON(t, router, http.MethodPost, "/v1/runs", StartRunRequest{
		Task: datatypes.Task{Instruction: "make 24 from 4 6 7 8"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	runID, _ := resp["run_id"].(string)
	require.NotEmpty(t, runID)
	return runID
}

func waitForTerminal(t *testing.T, reg *registry.Registry, runID string) {
	t.Helper()
	done, err := reg.Done(runID)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not terminate")
	}
}

// =============================================================================
// StartRun Tests
// =============================================================================

func TestStartRunInvalidJSON(t *testing.T) {
	router, _ := testRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRunMissingInstruction(t *testing.T) {
	router, _ := testRouter(t)

	w, resp := doJSON(t, router, http.MethodPost, "/v1/runs", StartRunRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp["error"], "invalid run config")
}

func TestStartRunInvalidConfig(t *testing.T) {
	router, _ := testRouter(t)

	bad := datatypes.DefaultRunConfig()
	bad.Strategy = "oracle"
	w, _ := doJSON(t, router, http.MethodPost, "/v1/runs", StartRunRequest{
		Task:   datatypes.Task{Instruction: "x"},
		Config: &bad,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRunHappyPath(t *testing.T) {
	router, reg := testRouter(t)
	runID := startRun(t, router)
	waitForTerminal(t, reg, runID)

	w, resp := doJSON(t, router, http.MethodGet, "/v1/runs/"+runID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(datatypes.StatusCompleted), resp["status"])
}

// =============================================================================
// Status / Trace / Cancel / List Tests
// =============================================================================

func TestStatusUnknownRun(t *testing.T) {
	router, _ := testRouter(t)
	w, resp := doJSON(t, router, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "run not found", resp["error"])
}

func TestTraceReturnsNodes(t *testing.T) {
	router, reg := testRouter(t)
	runID := startRun(t, router)
	waitForTerminal(t, reg, runID)

	w, resp := doJSON(t, router, http.MethodGet, "/v1/runs/"+runID+"/trace", nil)
	require.Equal(t, http.StatusOK, w.Code)
	nodes, ok := resp["nodes"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, nodes)
	assert.Equal(t, "final answer", resp["final_answer"])
}

func TestCancelUnknownAndTerminal(t *testing.T) {
	router, reg := testRouter(t)

	w, _ := doJSON(t, router, http.MethodDelete, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	runID := startRun(t, router)
	waitForTerminal(t, reg, runID)

	w, resp := doJSON(t, router, http.MethodDelete, "/v1/runs/"+runID, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, string(datatypes.CancelAlreadyTerminal), resp["outcome"])
}

func TestListRuns(t *testing.T) {
	router, reg := testRouter(t)
	runID := startRun(t, router)
	waitForTerminal(t, reg, runID)

	w, resp := doJSON(t, router, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs, ok := resp["runs"].([]any)
	require.True(t, ok)
	assert.Len(t, runs, 1)
}

func TestRunDefaultsEndpoint(t *testing.T) {
	router, _ := testRouter(t)
	w, resp := doJSON(t, router, http.MethodGet, "/v1/config/defaults", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datatypes.StrategyBeamSearch, resp["strategy"])
}

func TestHealthCheck(t *testing.T) {
	router, _ := testRouter(t)
	w, resp := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])
}
