// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runConstraints string  // Constraints on acceptable solutions
	runStrategy    string  // beam_search or best_first_search
	runMaxDepth    int     // Tree depth limit
	runBranching   int     // Candidates per node
	runBeamWidth   int     // Beam width
	runMaxNodes    int     // Expansion budget
	runMaxTime     float64 // Soft deadline in seconds
	runWatch       bool    // Attach the live watcher after submitting
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var runCmd = &cobra.Command{
	Use:   "run <instruction>",
	Short: "Submit a reasoning task",
	Long: `Submits a task to the reasoner service and prints the run id.

Examples:
  sitka run "Use the numbers 4, 6, 7, 8 to make 24"
  sitka run "Plan a 3-day itinerary" --strategy best_first_search --max-depth 4
  sitka run "Prove the identity" --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	runCmd.Flags().StringVar(&runConstraints, "constraints", "",
		"Constraints on acceptable solutions")
	runCmd.Flags().StringVar(&runStrategy, "strategy", datatypes.StrategyBeamSearch,
		"Search strategy: beam_search or best_first_search")
	runCmd.Flags().IntVar(&runMaxDepth, "max-depth", 3,
		"Maximum thought-tree depth")
	runCmd.Flags().IntVarP(&runBranching, "branching", "k", 3,
		"Candidate thoughts per node")
	runCmd.Flags().IntVar(&runBeamWidth, "beam-width", 5,
		"Frontier width for beam search")
	runCmd.Flags().IntVar(&runMaxNodes, "max-nodes", 200,
		"Node expansion budget")
	runCmd.Flags().Float64Var(&runMaxTime, "max-time", 30,
		"Soft deadline in seconds")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false,
		"Watch the run live after submitting")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg := datatypes.DefaultRunConfig()
	cfg.Strategy = runStrategy
	cfg.MaxDepth = runMaxDepth
	cfg.BranchingFactor = runBranching
	cfg.BeamWidth = runBeamWidth
	cfg.StopConditions.MaxNodes = runMaxNodes
	cfg.StopConditions.MaxTimeSeconds = runMaxTime

	client := newAPIClient(serverURL)
	runID, err := client.startRun(datatypes.Task{
		Instruction: args[0],
		Constraints: runConstraints,
	}, &cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, labelStyle.Render("run submitted"))
	fmt.Fprintf(os.Stdout, "  %s %s\n", dimStyle.Render("run_id:"), idStyle.Render(runID))
	fmt.Fprintf(os.Stdout, "  %s %s\n", dimStyle.Render("strategy:"), runStrategy)

	if runWatch {
		return watchRun(client, runID)
	}
	fmt.Fprintf(os.Stdout, "\n%s\n", dimStyle.Render("sitka watch "+runID))
	return nil
}
