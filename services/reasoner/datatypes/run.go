// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished in any way.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StopReason records which stop predicate terminated the loop.
type StopReason string

const (
	StopCancelled      StopReason = "cancelled"
	StopMaxNodes       StopReason = "max_nodes"
	StopMaxTime        StopReason = "max_time"
	StopScoreThreshold StopReason = "score_threshold"
	StopEmptyFrontier  StopReason = "empty_frontier"
	StopDepthExhausted StopReason = "depth_exhausted"
	StopFinalizeError  StopReason = "finalize_error"
	StopInternalError  StopReason = "internal_error"
)

// ValueScore is a multi-dimensional evaluation of one thought. Dimensions
// are in [0, 10].
type ValueScore struct {
	Progress   float64 `json:"progress"`
	Promise    float64 `json:"promise"`
	Confidence float64 `json:"confidence"`

	// Justification is the evaluator's free-form reasoning.
	Justification string `json:"justification,omitempty"`

	// LowConfidence marks scores produced by a parse-failure fallback
	// rather than a successful model evaluation.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// RunMetrics summarizes a run for status polling.
type RunMetrics struct {
	NodesExpanded int        `json:"nodes_expanded"`
	FinalScore    float64    `json:"final_score"`
	TimeTaken     float64    `json:"time_taken_seconds"`
	StopReason    StopReason `json:"stop_reason,omitempty"`
}

// NodeView is the external projection of one thought-tree node.
type NodeView struct {
	ID         string      `json:"id"`
	ParentID   string      `json:"parent_id,omitempty"`
	Thought    string      `json:"thought"`
	Depth      int         `json:"depth"`
	Score      float64     `json:"score"`
	RawScores  *ValueScore `json:"raw_scores,omitempty"`
	IsTerminal bool        `json:"is_terminal,omitempty"`
}

// TraceSnapshot is a causally consistent view of a run's state. For running
// runs it is a partial snapshot; after termination it is the full trace.
type TraceSnapshot struct {
	RunID         string              `json:"run_id"`
	Status        RunStatus           `json:"status"`
	Task          Task                `json:"task"`
	Config        RunConfig           `json:"config"`
	Nodes         map[string]NodeView `json:"nodes"`
	Frontier      []string            `json:"frontier"`
	BestNodeID    string              `json:"best_node_id,omitempty"`
	NodesExpanded int                 `json:"nodes_expanded"`
	StartedAt     time.Time           `json:"started_at"`
	FinalAnswer   string              `json:"final_answer,omitempty"`
	Metrics       RunMetrics          `json:"metrics"`
}

// StatusSnapshot is the light-weight polling view.
type StatusSnapshot struct {
	RunID   string     `json:"run_id"`
	Status  RunStatus  `json:"status"`
	Metrics RunMetrics `json:"metrics"`
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// CancelOutcome reports the effect of a cancel request.
type CancelOutcome string

const (
	// CancelRequested means the signal was set and the run will stop at
	// its next suspension point.
	CancelRequested CancelOutcome = "cancellation_requested"

	// CancelAlreadyTerminal means the run had already finished.
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
)

// RunEvent is one progress notification published while a run executes.
type RunEvent struct {
	RunID         string     `json:"run_id"`
	State         string     `json:"state"`
	Status        RunStatus  `json:"status"`
	NodesExpanded int        `json:"nodes_expanded"`
	BestScore     float64    `json:"best_score"`
	StopReason    StopReason `json:"stop_reason,omitempty"`
	At            time.Time  `json:"at"`
}
