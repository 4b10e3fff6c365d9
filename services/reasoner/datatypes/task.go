// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire and domain types shared by the reasoner
// service: tasks, run configuration, statuses, and trace snapshots.
package datatypes

// Task is a problem statement submitted by a client.
type Task struct {
	// Instruction is the task to solve. Required.
	Instruction string `json:"instruction" validate:"required"`

	// Constraints optionally restricts acceptable solutions.
	Constraints string `json:"constraints,omitempty"`

	// History optionally seeds the reasoning chain with prior thoughts;
	// they are folded into the root path ahead of generated thoughts.
	History []string `json:"history,omitempty"`
}
