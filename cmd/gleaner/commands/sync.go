// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
	"github.com/gleaner-foundation/gleaner/quotasync"
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:    "sync",
		Summary: "Control the quota reconciliation loop",
		Subcommands: []*cli.Command{
			syncNowCommand(),
			syncToggleCommand("enable", "Resume scheduled sync cycles", "sync-enable"),
			syncToggleCommand("disable", "Pause scheduled sync cycles (sync now still works)", "sync-disable"),
		},
	}
}

func syncNowCommand() *cli.Command {
	var socket string
	var asJSON bool

	return &cli.Command{
		Name:    "now",
		Summary: "Run one reconciliation cycle immediately",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("now", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			var stats quotasync.CycleStats
			if err := call(socket, "sync-now", nil, &stats); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(stats)
			}
			fmt.Printf("synced %d workers in %s (%d failed)\n",
				stats.Workers,
				stats.Finished.Sub(stats.Started).Round(10*time.Millisecond),
				stats.Failed)
			return nil
		},
	}
}

func syncToggleCommand(name, summary, action string) *cli.Command {
	var socket string

	return &cli.Command{
		Name:    name,
		Summary: summary,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			return call(socket, action, nil, nil)
		},
	}
}
