// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/rpsplc/internal/comms"
	"github.com/Thermoquad/rpsplc/pkg/link"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for supervising a PLC",
	Long: `Supervise a PLC via an interactive terminal UI.

Features:
  - Live protection status, sensors and setpoints
  - SCRAM, reset and burn controls
  - Link statistics and round-trip time
  - Event logging

Tab switches between the action list and the burn-rate input. Enter runs
the selected action. The console holds the supervisor session, so no other
peer can command the PLC while it is open.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), link.RoleSupervisor, runConsole)
	},
}

func init() {
	remoteCmd.AddCommand(consoleCmd)
}

func runConsole(ctx context.Context, c *comms.Client) error {
	m := initialConsoleModel(ctx, c, fmt.Sprintf("session %08x", c.SessionID()))

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	done := make(chan struct{})
	defer close(done)

	// Feed status reports and session loss into the TUI
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				p.Send(consoleLinkLostMsg{})
				return
			case report := <-c.Status():
				p.Send(consoleStatusMsg{report: report})
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
