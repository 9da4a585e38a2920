// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
	"github.com/gleaner-foundation/gleaner/lifecycle"
)

// workerArgs resolves the "<provider> <account>" or "--worker <id>"
// addressing shared by the session commands.
func workerArgs(worker string, args []string) (map[string]any, error) {
	if worker != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--worker and positional arguments are mutually exclusive")
		}
		return map[string]any{"worker": worker}, nil
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("expected <provider> <account> (or --worker <id>)")
	}
	return map[string]any{"provider": args[0], "account": args[1]}, nil
}

func startCommand() *cli.Command {
	var socket, worker string
	var asJSON bool

	return &cli.Command{
		Name:    "start",
		Summary: "Start a compute session on a worker",
		Usage:   "gleaner start <provider> <account> [flags]",
		Description: `Start a compute session on a worker.

The daemon reserves quota, waits out the randomized start jitter,
provisions the session through the retry pipeline, and reports the
running worker. The command blocks until the session is live or the
start has conclusively failed; a refusal names the quota or cooldown
that blocked it.`,
		Examples: []cli.Example{
			{Command: "gleaner start kaggle alice"},
			{Command: "gleaner start --worker kaggle-alice"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("start", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.StringVar(&worker, "worker", "", "worker ID instead of provider/account")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			fields, err := workerArgs(worker, args)
			if err != nil {
				return err
			}
			var status lifecycle.WorkerStatus
			if err := call(socket, "start", fields, &status); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(status)
			}
			fmt.Printf("%s %s (session %s, stop scheduled %s)\n",
				status.Worker.ID, status.State,
				status.Worker.SessionID,
				formatTime(status.Worker.ScheduledStopAt))
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	var socket, worker, reason string
	var asJSON bool

	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a worker's session",
		Usage:   "gleaner stop <provider> <account> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("stop", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.StringVar(&worker, "worker", "", "worker ID instead of provider/account")
			flags.StringVar(&reason, "reason", "", "stop reason recorded in the ledger")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			fields, err := workerArgs(worker, args)
			if err != nil {
				return err
			}
			if reason != "" {
				fields["reason"] = reason
			}
			var status lifecycle.WorkerStatus
			if err := call(socket, "stop", fields, &status); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(status)
			}
			fmt.Printf("%s %s (weekly usage %s)\n",
				status.Worker.ID, status.State,
				formatDuration(status.Worker.WeeklyUsage))
			return nil
		},
	}
}

func workCommand() *cli.Command {
	var socket, worker string

	return &cli.Command{
		Name:    "work",
		Summary: "Signal work arrival (resets the idle timeout)",
		Usage:   "gleaner work <provider> <account> [flags]",
		Description: `Signal that work arrived for a running worker.

A session that sees no work signal within the idle timeout is stopped
to avoid burning quota on an idle backend. Callers that dispatch work
to a session should issue this on every dispatch.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("work", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.StringVar(&worker, "worker", "", "worker ID instead of provider/account")
			return flags
		},
		Run: func(args []string) error {
			fields, err := workerArgs(worker, args)
			if err != nil {
				return err
			}
			return call(socket, "notify-work", fields, nil)
		},
	}
}
