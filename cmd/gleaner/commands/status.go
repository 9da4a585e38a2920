// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
	"github.com/gleaner-foundation/gleaner/quotasync"
)

// statusReply mirrors the daemon's "status" response.
type statusReply struct {
	Version       string                `json:"version"`
	Environment   string                `json:"environment"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Workers       int                   `json:"workers"`
	States        map[string]int        `json:"states"`
	SyncEnabled   bool                  `json:"sync_enabled"`
	LastSync      *quotasync.CycleStats `json:"last_sync,omitempty"`
	Breakers      map[string]string     `json:"breakers,omitempty"`
	Alerts        int                   `json:"alerts"`
}

func statusCommand() *cli.Command {
	var socket string
	var asJSON bool

	return &cli.Command{
		Name:    "status",
		Summary: "Show daemon and fleet summary",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			var reply statusReply
			if err := call(socket, "status", nil, &reply); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(reply)
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "version:\t%s\n", reply.Version)
			fmt.Fprintf(tw, "environment:\t%s\n", reply.Environment)
			fmt.Fprintf(tw, "uptime:\t%s\n", formatDuration(time.Duration(reply.UptimeSeconds)*time.Second))
			fmt.Fprintf(tw, "workers:\t%d\n", reply.Workers)

			states := make([]string, 0, len(reply.States))
			for state := range reply.States {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Fprintf(tw, "  %s:\t%d\n", state, reply.States[state])
			}

			fmt.Fprintf(tw, "sync:\t%s\n", enabledWord(reply.SyncEnabled))
			if reply.LastSync != nil {
				fmt.Fprintf(tw, "last sync:\t%s (%s, %d workers, %d failed)\n",
					formatTime(reply.LastSync.Finished),
					reply.LastSync.Cause,
					reply.LastSync.Workers,
					reply.LastSync.Failed)
			}

			providers := make([]string, 0, len(reply.Breakers))
			for provider := range reply.Breakers {
				providers = append(providers, provider)
			}
			sort.Strings(providers)
			for _, provider := range providers {
				fmt.Fprintf(tw, "breaker %s:\t%s\n", provider, reply.Breakers[provider])
			}

			fmt.Fprintf(tw, "alerts:\t%d\n", reply.Alerts)
			return tw.Flush()
		},
	}
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
