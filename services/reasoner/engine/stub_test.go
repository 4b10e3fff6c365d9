// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// Shared test doubles for the engine package.

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SitkaAI/SitkaReason/services/llm"
)

const stubEmbedDim = 64

// stubLLM is a deterministic gateway double.
//
// Chat is scripted: the default script plays a Tree-of-Thoughts session
// where depth-3 thoughts score above the stop threshold. Embed assigns each
// distinct text its own basis vector, so identical texts are cosine-1 and
// distinct texts are orthogonal.
type stubLLM struct {
	chatFn    func(prompt string) (string, error)
	chatDelay time.Duration
	chatCalls atomic.Int32

	mu   sync.Mutex
	seen map[string]int
}

func newStubLLM() *stubLLM {
	s := &stubLLM{seen: make(map[string]int)}
	s.chatFn = scriptedChat
	return s
}

func (s *stubLLM) Chat(ctx context.Context, prompt string, _ llm.ChatOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &llm.Error{Kind: llm.KindCancelled, Op: "chat", Backend: "stub", Err: err}
	}
	if s.chatDelay > 0 {
		select {
		case <-ctx.Done():
			return "", &llm.Error{Kind: llm.KindCancelled, Op: "chat", Backend: "stub", Err: ctx.Err()}
		case <-time.After(s.chatDelay):
		}
	}
	s.chatCalls.Add(1)
	return s.chatFn(prompt)
}

func (s *stubLLM) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		idx, ok := s.seen[t]
		if !ok {
			idx = len(s.seen)
			s.seen[t] = idx
		}
		v := make([]float32, stubEmbedDim)
		v[idx%stubEmbedDim] = 1
		out[i] = v
	}
	return out, nil
}

// scriptedChat recognizes the three prompt kinds by their fixed preambles.
func scriptedChat(prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "committee of reasoning experts"):
		depth := historyLines(prompt)
		return fmt.Sprintf(`["d%d push toward 24 option one", "d%d push toward 24 option two"]`, depth, depth), nil
	case strings.Contains(prompt, "critical, analytical evaluator"):
		if strings.HasPrefix(candidateOf(prompt), "d3 ") {
			return `{"progress": 9.9, "promise": 9.9, "confidence": 9.9, "justification": "solves it"}`, nil
		}
		return `{"progress": 6, "promise": 6, "confidence": 6, "justification": "keep going"}`, nil
	case strings.Contains(prompt, "best chain of thoughts"):
		return "(8 - 6) * (7 + 4 + 1) = 24", nil
	default:
		return "", fmt.Errorf("stub got unrecognized prompt: %.80s", prompt)
	}
}

// historyLines counts the lines of the thought chain in a propose prompt.
// The root chain is one line, so children proposed from depth d are
// labeled d+1 = historyLines.
func historyLines(prompt string) int {
	const start = "Current thought chain:\n"
	const end = "\n\nConstraints:"
	i := strings.Index(prompt, start)
	if i < 0 {
		return 0
	}
	chunk := prompt[i+len(start):]
	if j := strings.Index(chunk, end); j >= 0 {
		chunk = chunk[:j]
	}
	return strings.Count(chunk, "\n") + 1
}

// candidateOf extracts the candidate line from a value prompt.
func candidateOf(prompt string) string {
	const start = "Candidate thought:\n"
	const end = "\n\nHistory:"
	i := strings.Index(prompt, start)
	if i < 0 {
		return ""
	}
	chunk := prompt[i+len(start):]
	if j := strings.Index(chunk, end); j >= 0 {
		chunk = chunk[:j]
	}
	return chunk
}
