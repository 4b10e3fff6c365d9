// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry tracks every run in the process.
//
// # Description
//
// The registry is the single owner of run state. Start validates the
// submission, spawns the engine as a background goroutine, and hands out a
// run id; Status, Trace, Cancel, and List operate on that id. Terminal runs
// are retained in memory for inspection until the TTL sweeper evicts them.
//
// # Thread Safety
//
// All operations are safe under concurrent access.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/engine"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Options tunes the registry.
type Options struct {
	// TerminalTTL is how long terminal runs stay queryable. Zero keeps
	// them until shutdown.
	TerminalTTL time.Duration

	// SweepInterval is how often the TTL sweeper scans. Zero disables the
	// sweeper even when TerminalTTL is set.
	SweepInterval time.Duration
}

// runHandle binds a run's state to its cancellation and completion.
type runHandle struct {
	state  *engine.RunState
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	finishedAt time.Time
}

func (h *runHandle) markFinished(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishedAt = at
}

func (h *runHandle) finished() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finishedAt, !h.finishedAt.IsZero()
}

// Registry is the process-wide run map.
type Registry struct {
	engine *engine.Engine
	opts   Options

	mu   sync.RWMutex
	runs map[string]*runHandle

	sweeperStop chan struct{}
	sweeperWG   sync.WaitGroup
}

// New builds a registry around an engine and starts the TTL sweeper when
// configured.
func New(eng *engine.Engine, opts Options) *Registry {
	r := &Registry{
		engine:      eng,
		opts:        opts,
		runs:        make(map[string]*runHandle),
		sweeperStop: make(chan struct{}),
	}
	if opts.TerminalTTL > 0 && opts.SweepInterval > 0 {
		r.sweeperWG.Add(1)
		go r.sweep()
	}
	return r
}

// Start validates the submission and launches the run.
//
// # Outputs
//
//   - string: The run id.
//   - error: Wraps datatypes.ErrInvalidConfig on rejection; the engine is
//     never reached with an invalid config.
func (r *Registry) Start(task datatypes.Task, cfg datatypes.RunConfig) (string, error) {
	if err := datatypes.ValidateTask(&task); err != nil {
		return "", err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if _, err := engine.NewStrategy(cfg); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	rs := engine.NewRunState(runID, task, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{state: rs, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.runs[runID] = h
	r.mu.Unlock()

	go func() {
		// Release the cancel resources as soon as the run terminates; the
		// handle stays queryable until the sweeper evicts it.
		defer close(h.done)
		defer cancel()
		r.engine.Execute(ctx, rs)
		h.markFinished(time.Now())
	}()

	slog.Info("Run registered", "run_id", runID, "strategy", cfg.Strategy)
	return runID, nil
}

// Status returns the polling snapshot.
func (r *Registry) Status(runID string) (datatypes.StatusSnapshot, error) {
	h, err := r.handle(runID)
	if err != nil {
		return datatypes.StatusSnapshot{}, err
	}
	return h.state.StatusSnapshot(), nil
}

// Trace returns the full state snapshot. For running runs this is the
// partial trace accumulated so far.
func (r *Registry) Trace(runID string) (datatypes.TraceSnapshot, error) {
	h, err := r.handle(runID)
	if err != nil {
		return datatypes.TraceSnapshot{}, err
	}
	return h.state.Snapshot(), nil
}

// Cancel requests cooperative termination.
//
// # Description
//
// Non-blocking and idempotent: the first call on a live run sets the
// signal and returns immediately; any call on a terminal run reports
// already_terminal.
func (r *Registry) Cancel(runID string) (datatypes.CancelOutcome, error) {
	h, err := r.handle(runID)
	if err != nil {
		return "", err
	}
	if h.state.Status().IsTerminal() {
		return datatypes.CancelAlreadyTerminal, nil
	}
	h.cancel()
	slog.Info("Run cancellation requested", "run_id", runID)
	return datatypes.CancelRequested, nil
}

// List returns summaries of all known runs, newest first.
func (r *Registry) List() []datatypes.RunSummary {
	r.mu.RLock()
	out := make([]datatypes.RunSummary, 0, len(r.runs))
	for _, h := range r.runs {
		out = append(out, h.state.Summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Done exposes the run's completion channel, for callers that need to wait.
func (r *Registry) Done(runID string) (<-chan struct{}, error) {
	h, err := r.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.done, nil
}

// Close stops the sweeper and cancels every live run.
func (r *Registry) Close() {
	close(r.sweeperStop)
	r.sweeperWG.Wait()

	r.mu.RLock()
	handles := make([]*runHandle, 0, len(r.runs))
	for _, h := range r.runs {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}

func (r *Registry) handle(runID string) (*runHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// sweep evicts terminal runs older than the TTL.
func (r *Registry) sweep() {
	defer r.sweeperWG.Done()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweeperStop:
			return
		case now := <-ticker.C:
			r.evictBefore(now.Add(-r.opts.TerminalTTL))
		}
	}
}

func (r *Registry) evictBefore(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, h := range r.runs {
		finishedAt, done := h.finished()
		if done && finishedAt.Before(cutoff) {
			delete(r.runs, id)
			slog.Debug("Evicted terminal run", "run_id", id)
		}
	}
}
