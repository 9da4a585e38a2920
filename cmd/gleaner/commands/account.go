// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
	"github.com/gleaner-foundation/gleaner/quota"
)

type accountEntry struct {
	Provider   string `json:"provider"`
	Account    string `json:"account"`
	Credential bool   `json:"credential"`
	Worker     string `json:"worker,omitempty"`
	AuthValid  bool   `json:"auth_valid"`
}

type accountsReply struct {
	Accounts []accountEntry `json:"accounts"`
}

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:    "account",
		Summary: "Manage provider accounts",
		Subcommands: []*cli.Command{
			accountAddCommand(),
			accountRemoveCommand(),
			accountListCommand(),
		},
	}
}

func accountAddCommand() *cli.Command {
	var socket string

	return &cli.Command{
		Name:    "add",
		Summary: "Register a provider account as a worker",
		Usage:   "gleaner account add <provider> <account> [flags]",
		Description: `Register a provider account, creating its worker in the quota
ledger. Run 'gleaner login' afterwards to store the account's
credential; until then every scrape for it fails as unauthenticated.`,
		Examples: []cli.Example{
			{Command: "gleaner account add kaggle alice"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("add", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <provider> <account>")
			}
			var worker quota.Worker
			fields := map[string]any{"provider": args[0], "account": args[1]}
			if err := call(socket, "account-add", fields, &worker); err != nil {
				return err
			}
			fmt.Printf("registered worker %s\n", worker.ID)
			return nil
		},
	}
}

func accountRemoveCommand() *cli.Command {
	var socket string

	return &cli.Command{
		Name:    "remove",
		Summary: "Retire an account's worker and delete its credential",
		Usage:   "gleaner account remove <provider> <account> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <provider> <account>")
			}
			fields := map[string]any{"provider": args[0], "account": args[1]}
			if err := call(socket, "account-remove", fields, nil); err != nil {
				return err
			}
			fmt.Printf("retired %s\n", quota.WorkerID(args[0], args[1]))
			return nil
		},
	}
}

func accountListCommand() *cli.Command {
	var socket string
	var asJSON bool

	return &cli.Command{
		Name:    "list",
		Summary: "List registered accounts and stored credentials",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}

			var reply accountsReply
			if err := call(socket, "accounts", nil, &reply); err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(reply.Accounts)
			}
			if len(reply.Accounts) == 0 {
				fmt.Println("no accounts")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tACCOUNT\tWORKER\tCREDENTIAL\tAUTH")
			for _, entry := range reply.Accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					entry.Provider, entry.Account,
					orDash(entry.Worker),
					yesNo(entry.Credential),
					authWord(entry))
			}
			return tw.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// authWord reports credential validity. Only meaningful for accounts
// with a registered worker; the sweep that clears AuthValid operates
// on workers.
func authWord(entry accountEntry) string {
	if entry.Worker == "" {
		return "-"
	}
	if entry.AuthValid {
		return "valid"
	}
	return "invalid"
}
