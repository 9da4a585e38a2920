// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
	"github.com/gleaner-foundation/gleaner/lifecycle"
	"github.com/gleaner-foundation/gleaner/quota"
)

type workersReply struct {
	Workers []lifecycle.WorkerStatus `json:"workers"`
}

func workersCommand() *cli.Command {
	var socket string
	var asJSON bool

	return &cli.Command{
		Name:    "workers",
		Summary: "List workers with usage and risk",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("workers", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			var reply workersReply
			if err := call(socket, "workers", nil, &reply); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(reply.Workers)
			}
			if len(reply.Workers) == 0 {
				fmt.Println("no workers registered (use 'gleaner account add')")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tSTATE\tRISK\tSESSION\tWEEKLY\tCOOLDOWN\tLAST ERROR")
			now := time.Now()
			for _, status := range reply.Workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					status.Worker.ID,
					status.State,
					status.Risk,
					sessionColumn(status.Worker, now),
					weeklyColumn(status.Worker),
					cooldownColumn(status.Worker, now),
					lastErrorColumn(status.Worker),
				)
			}
			return tw.Flush()
		},
	}
}

// sessionColumn shows elapsed/cap for an active session, "-" otherwise.
func sessionColumn(worker quota.Worker, now time.Time) string {
	if worker.SessionStartedAt.IsZero() {
		return "-"
	}
	elapsed := now.Sub(worker.SessionStartedAt)
	if worker.SessionCap > 0 {
		return fmt.Sprintf("%s/%s", formatDuration(elapsed), formatDuration(worker.SessionCap))
	}
	return formatDuration(elapsed)
}

func weeklyColumn(worker quota.Worker) string {
	if worker.MaxWeekly <= 0 {
		return "-"
	}
	percent := 100 * float64(worker.WeeklyUsage) / float64(worker.MaxWeekly)
	return fmt.Sprintf("%s/%s (%.0f%%)",
		formatDuration(worker.WeeklyUsage), formatDuration(worker.MaxWeekly), percent)
}

func cooldownColumn(worker quota.Worker, now time.Time) string {
	if worker.CooldownUntil.IsZero() || !worker.CooldownUntil.After(now) {
		return "-"
	}
	return formatDuration(worker.CooldownUntil.Sub(now))
}

func lastErrorColumn(worker quota.Worker) string {
	if worker.LastError == "" {
		return "-"
	}
	if len(worker.LastError) > 60 {
		return worker.LastError[:57] + "..."
	}
	return worker.LastError
}
