// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"sync"
	"time"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/graph"
)

// RunState is the engine-visible state of one run.
//
// # Description
//
// Owned by the registry, mutated by exactly one engine goroutine, and read
// concurrently by status and trace requests. The node store synchronizes
// itself; everything else is guarded by the state's own lock, so snapshots
// taken mid-run are causally consistent: every id a snapshot references
// resolves within it.
//
// # Thread Safety
//
// Safe for concurrent use.
type RunState struct {
	RunID  string
	Task   datatypes.Task
	Config datatypes.RunConfig
	Store  *graph.Store

	mu            sync.RWMutex
	status        datatypes.RunStatus
	frontier      []string
	bestNodeID    string
	nodesExpanded int
	startedAt     time.Time
	finalAnswer   string
	stopReason    datatypes.StopReason
	metrics       datatypes.RunMetrics
}

// NewRunState builds a pending run.
func NewRunState(runID string, task datatypes.Task, cfg datatypes.RunConfig) *RunState {
	return &RunState{
		RunID:     runID,
		Task:      task,
		Config:    cfg,
		Store:     graph.NewStore(),
		status:    datatypes.StatusPending,
		startedAt: time.Now(),
	}
}

// Status returns the current lifecycle state.
func (rs *RunState) Status() datatypes.RunStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.status
}

// StartedAt returns the submission time until the engine initializes the
// run, and the time execution began from then on.
func (rs *RunState) StartedAt() time.Time {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.startedAt
}

// Metrics returns the current metrics view. During a run it reflects
// progress so far; after termination it is final.
func (rs *RunState) Metrics() datatypes.RunMetrics {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.currentMetricsLocked()
}

func (rs *RunState) currentMetricsLocked() datatypes.RunMetrics {
	if rs.status.IsTerminal() {
		return rs.metrics
	}
	return datatypes.RunMetrics{
		NodesExpanded: rs.nodesExpanded,
		FinalScore:    rs.bestScoreLocked(),
		TimeTaken:     time.Since(rs.startedAt).Seconds(),
		StopReason:    rs.stopReason,
	}
}

func (rs *RunState) bestScoreLocked() float64 {
	if rs.bestNodeID == "" {
		return 0
	}
	if n, ok := rs.Store.Get(rs.bestNodeID); ok {
		return n.Score
	}
	return 0
}

// StatusSnapshot is the polling view.
func (rs *RunState) StatusSnapshot() datatypes.StatusSnapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return datatypes.StatusSnapshot{
		RunID:   rs.RunID,
		Status:  rs.status,
		Metrics: rs.currentMetricsLocked(),
	}
}

// Summary is the listing row.
func (rs *RunState) Summary() datatypes.RunSummary {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return datatypes.RunSummary{
		RunID:     rs.RunID,
		Status:    rs.status,
		StartedAt: rs.startedAt,
	}
}

// Snapshot captures the full trace. For running runs this is the partial
// trace accumulated so far.
func (rs *RunState) Snapshot() datatypes.TraceSnapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	frontier := make([]string, len(rs.frontier))
	copy(frontier, rs.frontier)

	return datatypes.TraceSnapshot{
		RunID:         rs.RunID,
		Status:        rs.status,
		Task:          rs.Task,
		Config:        rs.Config,
		Nodes:         rs.Store.Views(),
		Frontier:      frontier,
		BestNodeID:    rs.bestNodeID,
		NodesExpanded: rs.nodesExpanded,
		StartedAt:     rs.startedAt,
		FinalAnswer:   rs.finalAnswer,
		Metrics:       rs.currentMetricsLocked(),
	}
}

// --- engine-side mutators ---

func (rs *RunState) begin(rootID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = datatypes.StatusRunning
	rs.frontier = []string{rootID}
	rs.bestNodeID = rootID
	rs.startedAt = time.Now()
}

func (rs *RunState) setFrontier(ids []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.frontier = ids
}

func (rs *RunState) frontierSnapshot() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]string, len(rs.frontier))
	copy(out, rs.frontier)
	return out
}

func (rs *RunState) addExpanded(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.nodesExpanded += n
}

func (rs *RunState) expandedCount() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.nodesExpanded
}

func (rs *RunState) bestNode() (graph.Node, bool) {
	rs.mu.RLock()
	id := rs.bestNodeID
	rs.mu.RUnlock()
	if id == "" {
		return graph.Node{}, false
	}
	return rs.Store.Get(id)
}

// offerBest adopts candidateID only when its score strictly exceeds the
// current best's.
func (rs *RunState) offerBest(candidateID string) {
	if candidateID == "" {
		return
	}
	candidate, ok := rs.Store.Get(candidateID)
	if !ok {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.bestNodeID == candidateID {
		return
	}
	current, ok := rs.Store.Get(rs.bestNodeID)
	if !ok || candidate.Score > current.Score {
		rs.bestNodeID = candidateID
	}
}

// finish records the terminal outcome and freezes the metrics.
func (rs *RunState) finish(status datatypes.RunStatus, reason datatypes.StopReason, finalAnswer string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
	rs.stopReason = reason
	rs.finalAnswer = finalAnswer
	rs.metrics = datatypes.RunMetrics{
		NodesExpanded: rs.nodesExpanded,
		FinalScore:    rs.bestScoreLocked(),
		TimeTaken:     time.Since(rs.startedAt).Seconds(),
		StopReason:    reason,
	}
}
