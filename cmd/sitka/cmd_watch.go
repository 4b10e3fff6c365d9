// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

const watchPollInterval = 500 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Watch a run live until it terminates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(newAPIClient(serverURL), args[0])
	},
}

func statusStyle(color string) lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(color))
}

// =============================================================================
// BUBBLETEA MODEL
// =============================================================================

type statusMsg struct {
	snap datatypes.StatusSnapshot
	err  error
}

type watchModel struct {
	client  *apiClient
	runID   string
	spinner spinner.Model
	snap    datatypes.StatusSnapshot
	err     error
	done    bool
}

func newWatchModel(client *apiClient, runID string) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	return watchModel{client: client, runID: runID, spinner: sp}
}

func (m watchModel) pollStatus() tea.Msg {
	snap, err := m.client.status(m.runID)
	return statusMsg{snap: snap, err: err}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.pollStatus)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		m.snap = msg.snap
		if msg.snap.Status.IsTerminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(watchPollInterval, func(time.Time) tea.Msg {
			return m.pollStatus()
		})

	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m watchModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("watch failed: %v\n", m.err)
	}

	header := fmt.Sprintf("%s %s", dimStyle.Render("run"), idStyle.Render(m.runID))
	body := fmt.Sprintf("%s %s   %s %d   %s %.2f   %s %.1fs",
		labelStyle.Render("status:"), renderStatus(m.snap.Status),
		dimStyle.Render("nodes:"), m.snap.Metrics.NodesExpanded,
		dimStyle.Render("best:"), m.snap.Metrics.FinalScore,
		dimStyle.Render("elapsed:"), m.snap.Metrics.TimeTaken)

	if m.done {
		line := body
		if m.snap.Metrics.StopReason != "" {
			line += fmt.Sprintf("   %s %s", dimStyle.Render("stop:"), m.snap.Metrics.StopReason)
		}
		return header + "\n" + line + "\n"
	}
	return fmt.Sprintf("%s\n%s %s\n%s\n", header, m.spinner.View(), body,
		dimStyle.Render("press q to detach"))
}

// watchRun blocks until the run terminates or the user detaches.
func watchRun(client *apiClient, runID string) error {
	model := newWatchModel(client, runID)
	p := tea.NewProgram(model)
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}
