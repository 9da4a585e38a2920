// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides atomic marker file operations for tracking
// in-flight provider calls across daemon crashes. The daemon writes a
// marker [State] before asking a provider to start a session; on
// startup, it reads the marker to learn that a session may have begun
// without a matching ledger record.
//
// The intended workflow:
//
//  1. Before the provider start call: [Write] a marker naming the
//     worker, provider, and attempt ID.
//  2. The provider call returns and the ledger records the session:
//     [Clear] the marker.
//  3. If the daemon crashes between 1 and 2: the restarted daemon
//     calls [Check], finds a fresh marker, and forces an immediate
//     usage sync for that provider so externally accrued time is
//     reconciled before any new session starts.
//
// The marker file is written atomically (write to temporary file,
// fsync, rename into place, fsync parent directory) so readers never
// see a partial or corrupt state. [Check] includes staleness detection:
// it ignores marker files older than a configurable maximum age, since
// a session started that long ago has already been folded in by the
// periodic sync.
//
// The [State] struct records the worker name, provider, attempt ID,
// and a timestamp. It is serialized as JSON.
//
// This package has no dependencies on other Gleaner packages.
package watchdog
