// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
)

type alertsReply struct {
	Alerts []alert.Alert `json:"alerts"`
}

func alertsCommand() *cli.Command {
	var socket string
	var limit int
	var asJSON bool

	return &cli.Command{
		Name:    "alerts",
		Summary: "Show recent compliance alerts",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("alerts", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.IntVar(&limit, "limit", 50, "maximum alerts to show")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			var reply alertsReply
			if err := call(socket, "alerts", map[string]any{"limit": limit}, &reply); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(reply.Alerts)
			}
			if len(reply.Alerts) == 0 {
				fmt.Println("no alerts")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tWORKER\tSEVERITY\tMETRIC\tMESSAGE")
			for _, a := range reply.Alerts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					formatTime(a.Timestamp), a.Worker, a.Severity, a.Metric, a.Message)
			}
			return tw.Flush()
		},
	}
}
