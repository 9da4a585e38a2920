// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/archive"
	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
)

type replayArchiveInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

type replayReply struct {
	Archives []replayArchiveInfo `json:"archives,omitempty"`
	Manifest *archive.Manifest   `json:"manifest,omitempty"`
	Findings []archive.Finding   `json:"findings,omitempty"`
}

func replayCommand() *cli.Command {
	var socket, severity string
	var asJSON bool

	return &cli.Command{
		Name:    "replay",
		Summary: "Re-run the compliance monitor over archived snapshots",
		Usage:   "gleaner replay [<archive>] [flags]",
		Description: `Re-run the compliance monitor over an archived snapshot batch, for
incident forensics: the findings read as the monitor would have
reported them at the original capture times.

Without an archive name, lists the available archives.`,
		Examples: []cli.Example{
			{Command: "gleaner replay"},
			{Command: "gleaner replay snapshots-20260814T033000.gar --severity warning"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("replay", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.StringVar(&severity, "severity", "", "only findings with an alert at or above this severity")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("expected at most one archive name")
			}

			fields := map[string]any{}
			if len(args) == 1 {
				fields["archive"] = args[0]
			}
			if severity != "" {
				fields["severity"] = severity
			}

			var reply replayReply
			if err := call(socket, "replay", fields, &reply); err != nil {
				return err
			}

			if len(args) == 0 {
				if asJSON {
					return cli.WriteJSON(reply.Archives)
				}
				return printArchiveList(reply.Archives)
			}

			if asJSON {
				return cli.WriteJSON(reply)
			}
			return printFindings(reply)
		},
	}
}

func printArchiveList(archives []replayArchiveInfo) error {
	if len(archives) == 0 {
		fmt.Println("no archives")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARCHIVE\tCREATED\tSIZE")
	for _, info := range archives {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", info.Name, formatTime(info.CreatedAt), info.Size)
	}
	return tw.Flush()
}

func printFindings(reply replayReply) error {
	if reply.Manifest != nil {
		fmt.Printf("archive of %d snapshots, captured %s to %s\n\n",
			reply.Manifest.Count,
			formatTime(reply.Manifest.FirstCaptured),
			formatTime(reply.Manifest.LastCaptured))
	}
	if len(reply.Findings) == 0 {
		fmt.Println("no findings")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPTURED\tPROVIDER\tACCOUNT\tRISK\tALERTS")
	for _, finding := range reply.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			formatTime(finding.Snapshot.CapturedAt),
			finding.Snapshot.Provider,
			finding.Snapshot.Account,
			finding.Risk,
			summarizeAlerts(finding))
	}
	return tw.Flush()
}

// summarizeAlerts joins a finding's alert messages, keeping the table
// to one line per snapshot.
func summarizeAlerts(finding archive.Finding) string {
	if len(finding.Alerts) == 0 {
		return "-"
	}
	summary := finding.Alerts[0].Message
	if extra := len(finding.Alerts) - 1; extra > 0 {
		summary = fmt.Sprintf("%s (+%d more)", summary, extra)
	}
	return summary
}
