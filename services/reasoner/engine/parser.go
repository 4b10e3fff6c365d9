// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

// ErrUnparseable is returned when no parsing strategy recovers a usable
// value from the model output.
var ErrUnparseable = errors.New("unparseable model output")

// ordinalPrefix matches list decorations models prepend despite the JSON
// instruction: "1. ", "2) ", "- ", "* ".
var ordinalPrefix = regexp.MustCompile(`^\s*(?:\d+[.)]\s*|[-*]\s+)`)

// stripCodeFence removes a surrounding markdown code fence, with or without
// a language tag.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "text", ...).
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "[{") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseCandidateList recovers up to k candidate thoughts from raw model
// output.
//
// # Description
//
// Tries, in order: a JSON array of strings (optionally fenced), then a
// newline split with ordinal prefixes removed. Empty strings are discarded
// and the result is truncated to k. k <= 0 yields nil.
func ParseCandidateList(raw string, k int) []string {
	if k <= 0 {
		return nil
	}
	s := stripCodeFence(raw)

	var parsed []string
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		// Models sometimes wrap the array in prose; retry on the bracketed
		// region before giving up on JSON.
		if start, end := strings.Index(s, "["), strings.LastIndex(s, "]"); start >= 0 && end > start {
			_ = json.Unmarshal([]byte(s[start:end+1]), &parsed)
		}
	}

	if parsed == nil {
		for _, line := range strings.Split(s, "\n") {
			line = strings.TrimSpace(ordinalPrefix.ReplaceAllString(line, ""))
			line = strings.Trim(line, `"`)
			if line != "" {
				parsed = append(parsed, line)
			}
		}
	}

	out := make([]string, 0, k)
	for _, c := range parsed {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out
}

// rawValueScore mirrors the value prompt's JSON contract.
type rawValueScore struct {
	Progress      float64 `json:"progress"`
	Promise       float64 `json:"promise"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// ParseValueScore recovers the three-dimensional score from raw model
// output. Dimensions are clamped to [0, 10].
func ParseValueScore(raw string) (datatypes.ValueScore, error) {
	s := stripCodeFence(raw)

	var parsed rawValueScore
	err := json.Unmarshal([]byte(s), &parsed)
	if err != nil {
		// Extract the first JSON object embedded in prose.
		start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
		if start < 0 || end <= start {
			return datatypes.ValueScore{}, ErrUnparseable
		}
		if err = json.Unmarshal([]byte(s[start:end+1]), &parsed); err != nil {
			return datatypes.ValueScore{}, ErrUnparseable
		}
	}

	return datatypes.ValueScore{
		Progress:      clamp(parsed.Progress, 0, 10),
		Promise:       clamp(parsed.Promise, 0, 10),
		Confidence:    clamp(parsed.Confidence, 0, 10),
		Justification: parsed.Justification,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
