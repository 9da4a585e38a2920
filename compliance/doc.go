// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package compliance evaluates a worker's usage against its provider
// limits.
//
// [Evaluate] is a pure function: a usage reading plus the provider's
// limits in, an [Assessment] out. It holds no state, draws no clock,
// and touches no storage, so the same reading always produces the
// same assessment. The sync scheduler runs it against live ledger
// state, the lifecycle manager runs it on every heartbeat, and the
// replay command runs it against archived snapshots from weeks ago.
//
// The evaluation is threshold-based. Each metric (session elapsed
// time, weekly accumulated usage) has a utilization ratio against its
// hard ceiling. Crossing the soft threshold produces a warning alert;
// crossing the hard safety threshold produces a critical alert, which
// makes the assessment non-compliant and obliges the caller to stop
// the session. An active cooldown produces an info alert, or a
// violation if the reading represents a start attempt.
package compliance
