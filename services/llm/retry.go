// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxAttempts bounds retries: one initial call plus two retries.
	maxAttempts = 3

	// baseBackoff is the first retry delay; doubled per attempt.
	baseBackoff = 500 * time.Millisecond

	// defaultCallTimeout is the hard per-call deadline.
	defaultCallTimeout = 30 * time.Second
)

// RetryingClient wraps a backend Client with bounded retries, a shared rate
// limiter, and a hard per-call timeout.
//
// # Description
//
// Only transient and quota failures are retried; invalid requests and
// cancellations surface immediately. Backoff is exponential and aborts as
// soon as the caller's context is done, so cancellation latency stays
// bounded by one backoff interval.
//
// # Thread Safety
//
// Safe for concurrent use.
type RetryingClient struct {
	inner       Client
	limiter     *rate.Limiter
	callTimeout time.Duration

	// OnRetry, if set, is invoked before every retry attempt (attempt is
	// 2-based: the first retry reports 2). Must not block.
	OnRetry func(op string, attempt int)
}

// RetryOption customizes a RetryingClient.
type RetryOption func(*RetryingClient)

// WithRateLimit caps outbound calls at rps requests per second with the
// given burst.
func WithRateLimit(rps float64, burst int) RetryOption {
	return func(r *RetryingClient) {
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCallTimeout overrides the hard per-call deadline.
func WithCallTimeout(d time.Duration) RetryOption {
	return func(r *RetryingClient) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithRetryCallback registers a hook fired on every retry attempt.
func WithRetryCallback(fn func(op string, attempt int)) RetryOption {
	return func(r *RetryingClient) { r.OnRetry = fn }
}

// NewRetryingClient wraps inner with the gateway's resilience policy.
func NewRetryingClient(inner Client, opts ...RetryOption) *RetryingClient {
	r := &RetryingClient{
		inner:       inner,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat implements the Client interface with retries.
func (r *RetryingClient) Chat(ctx context.Context, prompt string, opts ChatOptions) (string, error) {
	var text string
	err := r.do(ctx, "chat", func(callCtx context.Context) error {
		var callErr error
		text, callErr = r.inner.Chat(callCtx, prompt, opts)
		return callErr
	})
	return text, err
}

// Embed implements the Client interface with retries.
func (r *RetryingClient) Embed(ctx context.Context, texts []string, modelTag string) ([][]float32, error) {
	var vectors [][]float32
	err := r.do(ctx, "embed", func(callCtx context.Context) error {
		var callErr error
		vectors, callErr = r.inner.Embed(callCtx, texts, modelTag)
		return callErr
	})
	return vectors, err
}

func (r *RetryingClient) do(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindCancelled, Op: op, Backend: "retry", Err: err}
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return &Error{Kind: KindCancelled, Op: op, Backend: "retry", Err: err}
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		// A per-call deadline hit is transient as long as the caller's own
		// context is still live.
		if IsCancelled(err) && ctx.Err() == nil {
			lastErr = &Error{Kind: KindTransient, Op: op, Backend: "retry", Err: err}
		} else if gerr, ok := err.(*Error); !ok || !gerr.Retryable() {
			return err
		}

		if attempt == maxAttempts {
			break
		}
		if r.OnRetry != nil {
			r.OnRetry(op, attempt+1)
		}

		backoff := baseBackoff << (attempt - 1)
		slog.Warn("LLM call failed, retrying",
			"op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
		select {
		case <-ctx.Done():
			return &Error{Kind: KindCancelled, Op: op, Backend: "retry", Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	return lastErr
}
