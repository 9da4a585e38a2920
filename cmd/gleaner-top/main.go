// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// gleaner-top is a live terminal dashboard for the gleaner fleet:
// per-worker session and weekly utilization, machine states, risk
// levels, cooldown countdowns, and the recent alert tail, refreshed
// from the gleanerd control socket.
package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/lib/control"
	"github.com/gleaner-foundation/gleaner/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socket      string
		interval    time.Duration
		showVersion bool
	)
	flags := pflag.NewFlagSet("gleaner-top", pflag.ContinueOnError)
	flags.StringVar(&socket, "socket", "", "control socket path (default $GLEANER_SOCKET or /run/gleaner/gleanerd.sock)")
	flags.DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("gleaner-top %s\n", version.Info())
		return nil
	}
	if args := flags.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if socket == "" {
		socket = os.Getenv("GLEANER_SOCKET")
	}
	if socket == "" {
		socket = "/run/gleaner/gleanerd.sock"
	}

	// The theme uses ANSI 256-color codes; profile detection under the
	// alt screen is unreliable, so pin it.
	lipgloss.SetColorProfile(termenv.ANSI256)

	model := newModel(control.NewClient(socket), interval)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}
