// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build identification for Gleaner binaries.
//
// The release version is stamped with -ldflags:
//
//	go build -ldflags "-X github.com/gleaner-foundation/gleaner/lib/version.Version=1.2.0"
//
// Commit and dirty-state details come from the module build info the
// toolchain embeds, so unstamped developer builds still identify
// themselves.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the release version, stamped at build time. Developer
// builds keep the -dev default.
var Version = "0.1.0-dev"

// Info returns the one-line version string used by --version output
// and the daemon status surface.
func Info() string {
	revision, modified := vcsInfo()
	if revision == "" {
		return Version
	}
	if modified {
		revision += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s %s/%s)", Version, revision,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// vcsInfo extracts the short commit hash and dirty flag from the
// embedded build info. Empty when the binary was built outside a
// checkout (go test binaries, go run).
func vcsInfo() (revision string, modified bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
			if len(revision) > 12 {
				revision = revision[:12]
			}
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified
}
