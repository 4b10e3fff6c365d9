// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"github.com/tmc/langchaingo/prompts"
)

// Markers the prompt contract asks the model to emit. The proposer flags a
// thought terminal when it carries the solution marker; the evaluator's
// failure heuristic fires on the failure marker.
const (
	DefaultSolutionMarker = "SOLVED:"
	DefaultFailureMarker  = "DEAD_END"
)

// PromptSet carries the three injectable templates and their markers.
//
// # Description
//
// Templates are configuration: callers may swap any of them as long as the
// outputs stay parseable — a JSON list for propose, three numeric fields
// plus a justification for value, free text for finalize.
type PromptSet struct {
	Propose  prompts.PromptTemplate
	Value    prompts.PromptTemplate
	Finalize prompts.PromptTemplate

	// SolutionMarker flags a completed solution inside a proposed thought.
	SolutionMarker string

	// FailureMarker flags a hopeless path inside a proposed thought.
	FailureMarker string
}

const proposeTemplate = `You are a committee of reasoning experts proposing next steps for a task.
Generate exactly {{.k}} distinct, actionable candidate thoughts. Each expert
takes a different perspective (analytical, creative, critical) so the
candidates stay diverse. If a candidate fully solves the task, prefix it with
"{{.solution_marker}}". If the current chain cannot possibly lead to a
solution, answer with the single candidate "{{.failure_marker}}".

Task:
{{.task}}

Current thought chain:
{{.history}}

Constraints:
{{.constraints}}

Return a JSON array of {{.k}} strings and nothing else.
Example: ["first thought", "second thought"]`

const valueTemplate = `You are a critical, analytical evaluator. Score one candidate thought
against a task on three axes, each 0-10:
1. progress: how much this thought directly advances the solution.
2. promise: its potential to unlock valuable paths later.
3. confidence: your confidence this path leads to a successful solution.

Task:
{{.task}}

Candidate thought:
{{.candidate}}

History:
{{.history}}

Return strictly JSON in the form
{"progress": <float>, "promise": <float>, "confidence": <float>, "justification": "<concise reason>"}
and nothing else.`

const finalizeTemplate = `Given the best chain of thoughts below, produce a concise final answer that
solves the task. Return only the answer, no additional text.

Task:
{{.task}}

Chain:
{{.chain}}`

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() PromptSet {
	return PromptSet{
		Propose: prompts.NewPromptTemplate(proposeTemplate,
			[]string{"k", "task", "history", "constraints", "solution_marker", "failure_marker"}),
		Value: prompts.NewPromptTemplate(valueTemplate,
			[]string{"task", "candidate", "history"}),
		Finalize: prompts.NewPromptTemplate(finalizeTemplate,
			[]string{"task", "chain"}),
		SolutionMarker: DefaultSolutionMarker,
		FailureMarker:  DefaultFailureMarker,
	}
}
