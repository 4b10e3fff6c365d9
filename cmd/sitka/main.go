// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// sitka is the operator CLI for the reasoner service.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "sitka",
	Short: "Drive Tree-of-Thoughts runs on a reasoner service",
	Long: `sitka submits reasoning tasks to a running reasoner service and
inspects their progress.

Examples:
  sitka run "Use the numbers 4, 6, 7, 8 to make 24" --max-depth 3
  sitka status <run-id>
  sitka watch <run-id>
  sitka trace <run-id> > trace.json
  sitka cancel <run-id>
  sitka list`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	defaultServer := os.Getenv("SITKA_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:12310"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer,
		"Base URL of the reasoner service")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
}
