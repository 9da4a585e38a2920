// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// gleaner is the control CLI for the gleanerd daemon.
package main

import (
	"fmt"
	"os"

	"github.com/gleaner-foundation/gleaner/cmd/gleaner/commands"
)

func main() {
	if err := commands.Root().Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
