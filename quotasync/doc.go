// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package quotasync keeps the ledger reconciled against what the
// providers themselves report. A Scheduler scrapes every registered
// worker on a recurring trigger, persists each observation as a
// quota.Snapshot, and folds the external numbers back into the ledger
// through Reconcile.
//
// The provider's dashboard is the authority on usage. Local counters
// drift (sessions the daemon never started, restarts, clock skew);
// the sync cycle is what pulls them back.
package quotasync
