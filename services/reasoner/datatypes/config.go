// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Strategy tags. New strategies register a variant here and a constructor in
// the engine's strategy factory.
const (
	StrategyBeamSearch      = "beam_search"
	StrategyBestFirstSearch = "best_first_search"
)

// ErrInvalidConfig is wrapped around every configuration rejection so
// callers can map it to an invalid_config response.
var ErrInvalidConfig = errors.New("invalid run config")

var validate = validator.New()

// StopConditions bounds a run.
type StopConditions struct {
	// MaxNodes stops the run once this many nodes have been expanded.
	MaxNodes int `json:"max_nodes" yaml:"max_nodes" validate:"gte=0"`

	// MaxTimeSeconds is a soft deadline checked between iterations.
	MaxTimeSeconds float64 `json:"max_time_seconds" yaml:"max_time_seconds" validate:"gte=0"`

	// ScoreThreshold stops the run when the best node at depth >= 1
	// reaches this score.
	ScoreThreshold float64 `json:"score_threshold" yaml:"score_threshold" validate:"gte=0,lte=10"`
}

// EvaluationWeights weight the three scoring dimensions. They are
// normalized before use; only the ratios matter.
type EvaluationWeights struct {
	Progress   float64 `json:"progress" yaml:"progress" validate:"gte=0"`
	Promise    float64 `json:"promise" yaml:"promise" validate:"gte=0"`
	Confidence float64 `json:"confidence" yaml:"confidence" validate:"gte=0"`
}

// CacheConfig tunes the semantic cache consulted by propose and evaluate.
type CacheConfig struct {
	// SimilarityThreshold gates cache hits; cosine similarity below this
	// returns a miss. Must be in (0, 1].
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" validate:"gt=0,lte=1"`

	// MaxEntries caps each namespace; the oldest entry is evicted first.
	MaxEntries int `json:"max_entries" yaml:"max_entries" validate:"gt=0"`
}

// RunConfig is the full tuning surface of one run.
type RunConfig struct {
	// Strategy selects the frontier policy.
	Strategy string `json:"strategy" yaml:"strategy" validate:"oneof=beam_search best_first_search"`

	// MaxDepth bounds the thought tree. Depth 0 is the root.
	MaxDepth int `json:"max_depth" yaml:"max_depth" validate:"gte=0"`

	// BranchingFactor (K) is the proposer's target children per node.
	BranchingFactor int `json:"branching_factor" yaml:"branching_factor" validate:"gte=0"`

	// BeamWidth is the frontier size kept by beam search.
	BeamWidth int `json:"beam_width" yaml:"beam_width" validate:"gt=0"`

	// Parallelism bounds concurrent node operations inside one engine
	// step. Zero means min(frontier, 8).
	Parallelism int `json:"parallelism" yaml:"parallelism" validate:"gte=0"`

	ProposeTemp  float32 `json:"propose_temp" yaml:"propose_temp" validate:"gte=0,lte=2"`
	ValueTemp    float32 `json:"value_temp" yaml:"value_temp" validate:"gte=0,lte=2"`
	FinalizeTemp float32 `json:"finalize_temp" yaml:"finalize_temp" validate:"gte=0,lte=2"`

	EvaluationWeights EvaluationWeights `json:"evaluation_weights" yaml:"evaluation_weights"`
	StopConditions    StopConditions    `json:"stop_conditions" yaml:"stop_conditions"`

	// EmbeddingDim must match the embedding model's output width.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim" validate:"gt=0"`

	Cache CacheConfig `json:"cache" yaml:"cache"`
}

// DefaultRunConfig returns the service defaults; clients may override any
// field at submission.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Strategy:        StrategyBeamSearch,
		MaxDepth:        3,
		BranchingFactor: 3,
		BeamWidth:       5,
		Parallelism:     0,
		ProposeTemp:     0.7,
		ValueTemp:       0.2,
		FinalizeTemp:    0.0,
		EvaluationWeights: EvaluationWeights{
			Progress:   0.4,
			Promise:    0.3,
			Confidence: 0.3,
		},
		StopConditions: StopConditions{
			MaxNodes:       200,
			MaxTimeSeconds: 30,
			ScoreThreshold: 9.5,
		},
		EmbeddingDim: 1536,
		Cache: CacheConfig{
			SimilarityThreshold: 0.95,
			MaxEntries:          512,
		},
	}
}

// Normalize fills zero-value sections from the defaults and scales the
// evaluation weights so they sum to 1. Call before Validate.
func (c *RunConfig) Normalize() {
	defaults := DefaultRunConfig()

	if c.Strategy == "" {
		c.Strategy = defaults.Strategy
	}
	if c.BeamWidth == 0 {
		c.BeamWidth = defaults.BeamWidth
	}
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = defaults.EmbeddingDim
	}
	if c.StopConditions == (StopConditions{}) {
		c.StopConditions = defaults.StopConditions
	}
	if c.StopConditions.ScoreThreshold == 0 {
		c.StopConditions.ScoreThreshold = defaults.StopConditions.ScoreThreshold
	}
	if c.Cache == (CacheConfig{}) {
		c.Cache = defaults.Cache
	}

	w := &c.EvaluationWeights
	sum := w.Progress + w.Promise + w.Confidence
	if sum <= 0 {
		*w = defaults.EvaluationWeights
		return
	}
	w.Progress /= sum
	w.Promise /= sum
	w.Confidence /= sum
}

// Validate checks the config; failures wrap ErrInvalidConfig.
func (c *RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateTask checks a submitted task; failures wrap ErrInvalidConfig.
func ValidateTask(t *Task) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
