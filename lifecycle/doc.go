// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle drives worker sessions through their states: it
// reserves quota, provisions provider sessions with randomized starts,
// supervises running sessions with periodic heartbeats, and tears them
// down when a cap, an idle timeout, or a compliance reading says so.
//
// The Manager owns one state machine per worker. Transitions are
// serialized per worker, and every transition that touches quota goes
// through the ledger so the guard and the accounting stay in one
// place. The manager never trusts its own view over the ledger's:
// reevaluation reconciles the two whenever external state (a sync
// cycle, an account sweep) moves the ledger first.
package lifecycle
