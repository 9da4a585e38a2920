// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota is the authoritative record of provider usage. It
// tracks one Worker per registered provider account: the live session,
// the weekly counter, the cooldown deadline, and the provider's hard
// ceilings.
//
// The Ledger owns every mutation. Session time is derived from a start
// timestamp rather than accumulated, so repeated or missed heartbeats
// converge on the same value. The weekly counter folds in a session's
// final duration when the session ends, and resets exactly once per
// rolling 7-day window. Concurrent operations on one worker (heartbeat,
// forced stop, reconciliation) are serialized by a per-worker lock;
// the lock is held across the in-memory transition and its SQLite
// write, never across a network call.
//
// External observations enter through Reconcile: a fresh scraper
// Snapshot is provider-side ground truth and wins over internal
// counters, including sessions the provider reports that this process
// never started.
//
// Session starts are guarded. StartSession refuses with ExceededError
// when the weekly budget is past its hard safety threshold or a
// cooldown is still running; the refusal is also pushed to the alert
// sink so an operator sees the blocked start.
package quota
