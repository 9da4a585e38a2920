// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/cli"
	"github.com/gleaner-foundation/gleaner/lib/secret"
)

func loginCommand() *cli.Command {
	var socket, credentialFile string

	return &cli.Command{
		Name:    "login",
		Summary: "Store a provider credential for an account",
		Usage:   "gleaner login <provider> <account> [flags]",
		Description: `Store the credential the automation agent uses to authenticate
against a provider dashboard (typically a session cookie bundle).

The credential is prompted with terminal echo off, sent to the daemon
over the local control socket, and sealed at rest to the daemon's age
key. It is never written to disk in plaintext and never appears in
process arguments.`,
		Examples: []cli.Example{
			{Command: "gleaner login kaggle alice"},
			{Description: "non-interactive, from a file", Command: "gleaner login colab bob --credential-file /dev/stdin"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "control socket path")
			flags.StringVar(&credentialFile, "credential-file", "", "read the credential from this file instead of prompting")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <provider> <account>")
			}
			provider, account := args[0], args[1]

			credential, err := readCredential(credentialFile)
			if err != nil {
				return err
			}

			fields := map[string]any{
				"provider":   provider,
				"account":    account,
				"credential": credential,
			}
			err = call(socket, "login", fields, nil)
			secret.Zero(credential)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Credential stored for %s/%s\n", provider, account)
			return nil
		},
	}
}

// readCredential reads the credential from a file, or prompts on the
// terminal with echo disabled.
func readCredential(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
			data = data[:len(data)-1]
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("file %s is empty", path)
		}
		return data, nil
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("no terminal for interactive prompt (use --credential-file)")
	}

	fmt.Fprint(os.Stderr, "Credential: ")
	data, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading credential: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty credential")
	}
	return data, nil
}
