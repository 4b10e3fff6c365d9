// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's status and metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newAPIClient(serverURL).status(args[0])
		if err != nil {
			return err
		}
		if statusJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(snap)
		}

		fmt.Fprintf(os.Stdout, "%s %s\n", labelStyle.Render("status:"), renderStatus(snap.Status))
		fmt.Fprintf(os.Stdout, "%s %d\n", dimStyle.Render("nodes expanded:"), snap.Metrics.NodesExpanded)
		fmt.Fprintf(os.Stdout, "%s %.2f\n", dimStyle.Render("best score:"), snap.Metrics.FinalScore)
		fmt.Fprintf(os.Stdout, "%s %.1fs\n", dimStyle.Render("elapsed:"), snap.Metrics.TimeTaken)
		if snap.Metrics.StopReason != "" {
			fmt.Fprintf(os.Stdout, "%s %s\n", dimStyle.Render("stop reason:"), snap.Metrics.StopReason)
		}
		return nil
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace <run-id>",
	Short: "Dump a run's full trace as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newAPIClient(serverURL).trace(args[0])
		if err != nil {
			return err
		}
		var indented json.RawMessage = raw
		out, err := json.MarshalIndent(indented, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cooperative cancellation of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newAPIClient(serverURL).cancel(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s %s\n", labelStyle.Render("outcome:"), resp.Outcome)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := newAPIClient(serverURL).list()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stdout, dimStyle.Render("no runs"))
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(os.Stdout, "%s  %-10s  %s\n",
				idStyle.Render(r.RunID),
				renderStatus(r.Status),
				dimStyle.Render(r.StartedAt.Format("2006-01-02 15:04:05")))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "Output as JSON for scripting")
}

func renderStatus(s datatypes.RunStatus) string {
	var color string
	switch s {
	case datatypes.StatusCompleted:
		color = "10"
	case datatypes.StatusFailed:
		color = "9"
	case datatypes.StatusCancelled:
		color = "11"
	default:
		color = "12"
	}
	return statusStyle(color).Render(string(s))
}
