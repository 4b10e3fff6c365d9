// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// Tests for the retry wrapper and error classification.

package llm

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

// scriptedClient fails a fixed number of times before succeeding.
type scriptedClient struct {
	failures int32
	failWith *Error
	calls    atomic.Int32
}

func (s *scriptedClient) Chat(ctx context.Context, prompt string, opts ChatOptions) (string, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return "", s.failWith
	}
	return "ok", nil
}

func (s *scriptedClient) Embed(ctx context.Context, texts []string, modelTag string) ([][]float32, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return nil, s.failWith
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &scriptedClient{
		failures: 2,
		failWith: &Error{Kind: KindTransient, Op: "chat", Backend: "test", Err: errors.New("boom")},
	}

	var retries []int
	client := NewRetryingClient(inner,
		WithCallTimeout(time.Second),
		WithRetryCallback(func(op string, attempt int) { retries = append(retries, attempt) }),
	)

	text, err := client.Chat(context.Background(), "hi", ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, []int{2, 3}, retries)
}

func TestRetryExhausted(t *testing.T) {
	inner := &scriptedClient{
		failures: 10,
		failWith: &Error{Kind: KindTransient, Op: "chat", Backend: "test", Err: errors.New("boom")},
	}
	client := NewRetryingClient(inner, WithCallTimeout(time.Second))

	_, err := client.Chat(context.Background(), "hi", ChatOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(3), inner.calls.Load(), "bounded at three attempts")

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindTransient, gerr.Kind)
}

func TestRetryDoesNotRetryInvalid(t *testing.T) {
	inner := &scriptedClient{
		failures: 10,
		failWith: &Error{Kind: KindInvalid, Op: "chat", Backend: "test", Err: errors.New("bad prompt")},
	}
	client := NewRetryingClient(inner)

	_, err := client.Chat(context.Background(), "hi", ChatOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryQuotaIsRetried(t *testing.T) {
	inner := &scriptedClient{
		failures: 1,
		failWith: &Error{Kind: KindQuota, Op: "embed", Backend: "test", Err: errors.New("429")},
	}
	client := NewRetryingClient(inner)

	vectors, err := client.Embed(context.Background(), []string{"a", "b"}, "")
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	inner := &scriptedClient{
		failures: 10,
		failWith: &Error{Kind: KindTransient, Op: "chat", Backend: "test", Err: errors.New("boom")},
	}
	client := NewRetryingClient(inner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Chat(ctx, "hi", ChatOptions{})
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, int32(0), inner.calls.Load(), "no call may start after cancellation")
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   ErrorKind
	}{
		{"429 is quota", http.StatusTooManyRequests, errors.New("too many"), KindQuota},
		{"400 is invalid", http.StatusBadRequest, errors.New("bad"), KindInvalid},
		{"404 is invalid", http.StatusNotFound, errors.New("missing"), KindInvalid},
		{"500 is transient", http.StatusInternalServerError, errors.New("ise"), KindTransient},
		{"503 is transient", http.StatusServiceUnavailable, errors.New("down"), KindTransient},
		{"no status defaults transient", 0, errors.New("conn reset"), KindTransient},
		{"context cancellation", 0, context.Canceled, KindCancelled},
		{"deadline exceeded", 0, context.DeadlineExceeded, KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gerr := classify("chat", "test", tt.status, tt.err)
			assert.Equal(t, tt.want, gerr.Kind)
			assert.ErrorIs(t, gerr, tt.err)
		})
	}
}

func TestErrorString(t *testing.T) {
	gerr := &Error{Kind: KindQuota, Op: "chat", Backend: "openai", Err: errors.New("429")}
	assert.Contains(t, gerr.Error(), "quota")
	assert.Contains(t, gerr.Error(), "chat")
	assert.True(t, gerr.Retryable())
}
