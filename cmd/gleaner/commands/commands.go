// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the gleaner CLI command tree. Every command
// is a thin client of the gleanerd control socket.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
	"github.com/gleaner-foundation/gleaner/lib/control"
	"github.com/gleaner-foundation/gleaner/lib/version"
)

// defaultSocket is where gleanerd listens unless GLEANER_SOCKET or
// --socket says otherwise.
const defaultSocket = "/run/gleaner/gleanerd.sock"

// callTimeout bounds one control-socket round trip. Sync cycles run
// on the daemon's side under their own timeouts; everything the CLI
// waits for is a local socket exchange plus, for "start", one
// provisioning pipeline run.
const callTimeout = 5 * time.Minute

// Root builds the complete gleaner CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "gleaner",
		Description: `Gleaner: quota-safe free-tier GPU session management.

Tracks accumulated usage per provider account, starts sessions only
when quota allows, and stops them before provider limits are crossed.
All commands talk to the gleanerd daemon over its control socket.`,
		Subcommands: []*cli.Command{
			statusCommand(),
			workersCommand(),
			startCommand(),
			stopCommand(),
			workCommand(),
			syncCommand(),
			alertsCommand(),
			accountCommand(),
			loginCommand(),
			replayCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Printf("gleaner %s\n", version.Info())
			return nil
		},
	}
}

// socketPath resolves the control socket: explicit flag value, then
// GLEANER_SOCKET, then the default.
func socketPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("GLEANER_SOCKET"); env != "" {
		return env
	}
	return defaultSocket
}

// call performs one control-socket request with the standard timeout.
func call(socket, action string, fields map[string]any, result any) error {
	client := control.NewClient(socketPath(socket))
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return client.Call(ctx, action, fields, result)
}

// formatDuration renders a duration in the compact hour/minute form
// used across status output: "36h", "3h12m", "45m", "0m".
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-"
	}
	d = d.Round(time.Minute)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// formatTime renders a timestamp in local time, or "-" when zero.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
