// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the shared SQLite connection pool for Gleaner
// storage: the usage ledger and its snapshot tables.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with one fixed set
// of pragmas (see pool.go): WAL journaling so ledger reads never block
// the writer, NORMAL synchronous because reconciliation against
// provider-reported usage repairs any write tail lost to a process
// crash, and foreign keys off because the ledger store manages
// referential integrity itself and FK cascades across workers and
// snapshots would misfire during replay.
//
// Connections are not safe for concurrent use: [Pool.Take] one per
// goroutine, do the work, [Pool.Put] it back. The package deliberately
// exposes the zombiezen types directly. Callers write SQL with
// sqlitex.Execute and manage transactions with
// sqlitex.ImmediateTransaction; there is no query-builder layer.
package sqlitepool
