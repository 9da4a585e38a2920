// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gleaner-foundation/gleaner/lib/sqlitepool"
)

// Store persists workers and quota snapshots in SQLite. Worker rows
// mirror the Ledger's in-memory state and are rewritten whole on every
// mutation; snapshot rows are append-only until the archive job prunes
// them.
//
// Times are stored as Unix seconds, durations as whole seconds (scrape
// latency as milliseconds, the one place sub-second resolution
// matters).
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a ledger store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to 4
	// if zero or negative.
	PoolSize int

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// schemaVersion is the schema this binary writes. Databases from newer
// binaries are refused rather than guessed at.
const schemaVersion = 1

// migrations holds the forward-only schema steps. Index i migrates a
// version-i database to version i+1.
var migrations = []string{
	// Version 1: initial schema.
	`
	CREATE TABLE workers (
		id                   TEXT PRIMARY KEY,
		provider             TEXT NOT NULL,
		account              TEXT NOT NULL,
		class                TEXT NOT NULL,
		status               TEXT NOT NULL,
		session_id           TEXT NOT NULL DEFAULT '',
		provider_session_id  TEXT NOT NULL DEFAULT '',
		session_started_at   INTEGER,
		scheduled_stop_at    INTEGER,
		session_cap          INTEGER NOT NULL DEFAULT 0,
		weekly_usage         INTEGER NOT NULL DEFAULT 0,
		week_started_at      INTEGER NOT NULL,
		cooldown_until       INTEGER,
		max_session_duration INTEGER NOT NULL,
		max_weekly           INTEGER NOT NULL,
		auth_valid           INTEGER NOT NULL DEFAULT 1,
		last_error           TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_workers_account ON workers(account);

	CREATE TABLE snapshots (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		provider           TEXT NOT NULL,
		account            TEXT NOT NULL,
		session_remaining  INTEGER NOT NULL,
		weekly_remaining   INTEGER NOT NULL,
		can_start          INTEGER NOT NULL,
		should_stop        INTEGER NOT NULL,
		success            INTEGER NOT NULL,
		error              TEXT NOT NULL DEFAULT '',
		scrape_duration_ms INTEGER NOT NULL DEFAULT 0,
		captured_at        INTEGER NOT NULL,
		expires_at         INTEGER NOT NULL
	);
	CREATE INDEX idx_snapshots_latest ON snapshots(provider, account, captured_at);
	CREATE INDEX idx_snapshots_expiry ON snapshots(expires_at);
	`,
}

// OpenStore opens (creating if needed) the ledger database and brings
// its schema up to the current version.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("quota store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("quota store: %w", err)
	}

	store := &Store{pool: pool, logger: cfg.Logger}
	if err := store.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// migrate applies any pending schema steps inside one IMMEDIATE
// transaction.
func (s *Store) migrate(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("quota store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("quota store: begin migration: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.ExecuteTransient(conn,
		"CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)", nil)
	if err != nil {
		return fmt.Errorf("quota store: meta table: %w", err)
	}

	version, err := readSchemaVersion(conn)
	if err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("quota store: database schema version %d is newer than this binary's %d",
			version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	for v := version; v < schemaVersion; v++ {
		if err = sqlitex.ExecuteScript(conn, migrations[v], nil); err != nil {
			return fmt.Errorf("quota store: migrating schema to version %d: %w", v+1, err)
		}
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO meta (key, value) VALUES ('schema_version', ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{fmt.Sprint(schemaVersion)}})
	if err != nil {
		return fmt.Errorf("quota store: recording schema version: %w", err)
	}

	s.logger.Info("ledger schema migrated", "from", version, "to", schemaVersion)
	return nil
}

func readSchemaVersion(conn *sqlite.Conn) (int, error) {
	version := 0
	err := sqlitex.Execute(conn,
		"SELECT value FROM meta WHERE key = 'schema_version'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				_, scanErr := fmt.Sscanf(stmt.ColumnText(0), "%d", &version)
				return scanErr
			},
		})
	if err != nil {
		return 0, fmt.Errorf("quota store: reading schema version: %w", err)
	}
	return version, nil
}

// UpsertWorker writes a worker row, replacing any previous state for
// the same id. The Ledger is the single writer per worker, so a whole-
// row replace inside an IMMEDIATE transaction is safe.
func (s *Store) UpsertWorker(ctx context.Context, worker Worker) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("quota store: upsert worker: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("quota store: begin upsert: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO workers (
			id, provider, account, class, status,
			session_id, provider_session_id, session_started_at,
			scheduled_stop_at, session_cap,
			weekly_usage, week_started_at, cooldown_until,
			max_session_duration, max_weekly, auth_valid, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				worker.ID,
				worker.Provider,
				worker.Account,
				worker.Class.String(),
				worker.Status.String(),
				worker.SessionID,
				worker.ProviderSessionID,
				unixOrNil(worker.SessionStartedAt),
				unixOrNil(worker.ScheduledStopAt),
				int64(worker.SessionCap / time.Second),
				int64(worker.WeeklyUsage / time.Second),
				worker.WeekStartedAt.Unix(),
				unixOrNil(worker.CooldownUntil),
				int64(worker.MaxSessionDuration / time.Second),
				int64(worker.MaxWeekly / time.Second),
				boolToInt(worker.AuthValid),
				worker.LastError,
			},
		})
	if err != nil {
		return fmt.Errorf("quota store: upsert worker %s: %w", worker.ID, err)
	}
	return nil
}

// LoadWorkers returns every worker row, ordered by id. Called once at
// startup to rebuild the Ledger's in-memory state.
func (s *Store) LoadWorkers(ctx context.Context) ([]Worker, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota store: load workers: %w", err)
	}
	defer s.pool.Put(conn)

	var workers []Worker
	err = sqlitex.Execute(conn, `
		SELECT id, provider, account, class, status,
		       session_id, provider_session_id, session_started_at,
		       scheduled_stop_at, session_cap,
		       weekly_usage, week_started_at, cooldown_until,
		       max_session_duration, max_weekly, auth_valid, last_error
		FROM workers ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				worker, scanErr := scanWorker(stmt)
				if scanErr != nil {
					return scanErr
				}
				workers = append(workers, worker)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("quota store: load workers: %w", err)
	}
	return workers, nil
}

func scanWorker(stmt *sqlite.Stmt) (Worker, error) {
	var worker Worker

	// Columns: id(0), provider(1), account(2), class(3), status(4),
	// session_id(5), provider_session_id(6), session_started_at(7),
	// scheduled_stop_at(8), session_cap(9), weekly_usage(10),
	// week_started_at(11), cooldown_until(12),
	// max_session_duration(13), max_weekly(14), auth_valid(15),
	// last_error(16)

	worker.ID = stmt.ColumnText(0)
	worker.Provider = stmt.ColumnText(1)
	worker.Account = stmt.ColumnText(2)

	class, err := ParseClass(stmt.ColumnText(3))
	if err != nil {
		return worker, fmt.Errorf("worker %s: %w", worker.ID, err)
	}
	worker.Class = class

	status, err := ParseStatus(stmt.ColumnText(4))
	if err != nil {
		return worker, fmt.Errorf("worker %s: %w", worker.ID, err)
	}
	worker.Status = status

	worker.SessionID = stmt.ColumnText(5)
	worker.ProviderSessionID = stmt.ColumnText(6)
	worker.SessionStartedAt = timeOrZero(stmt, 7)
	worker.ScheduledStopAt = timeOrZero(stmt, 8)
	worker.SessionCap = time.Duration(stmt.ColumnInt64(9)) * time.Second
	worker.WeeklyUsage = time.Duration(stmt.ColumnInt64(10)) * time.Second
	worker.WeekStartedAt = time.Unix(stmt.ColumnInt64(11), 0).UTC()
	worker.CooldownUntil = timeOrZero(stmt, 12)
	worker.MaxSessionDuration = time.Duration(stmt.ColumnInt64(13)) * time.Second
	worker.MaxWeekly = time.Duration(stmt.ColumnInt64(14)) * time.Second
	worker.AuthValid = stmt.ColumnInt64(15) != 0
	worker.LastError = stmt.ColumnText(16)

	return worker, nil
}

// AppendSnapshot records one scraper observation.
func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("quota store: append snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO snapshots (
			provider, account, session_remaining, weekly_remaining,
			can_start, should_stop, success, error,
			scrape_duration_ms, captured_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				snap.Provider,
				snap.Account,
				int64(snap.SessionRemaining / time.Second),
				int64(snap.WeeklyRemaining / time.Second),
				boolToInt(snap.CanStart),
				boolToInt(snap.ShouldStop),
				boolToInt(snap.Success),
				snap.Error,
				snap.ScrapeDuration.Milliseconds(),
				snap.CapturedAt.Unix(),
				snap.ExpiresAt.Unix(),
			},
		})
	if err != nil {
		return fmt.Errorf("quota store: append snapshot %s/%s: %w", snap.Provider, snap.Account, err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a provider
// account pair, or nil when none has been captured.
func (s *Store) LatestSnapshot(ctx context.Context, provider, account string) (*Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota store: latest snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	var snap *Snapshot
	err = sqlitex.Execute(conn, `
		SELECT provider, account, session_remaining, weekly_remaining,
		       can_start, should_stop, success, error,
		       scrape_duration_ms, captured_at, expires_at
		FROM snapshots
		WHERE provider = ? AND account = ?
		ORDER BY captured_at DESC, id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{provider, account},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned := scanSnapshot(stmt)
				snap = &scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("quota store: latest snapshot %s/%s: %w", provider, account, err)
	}
	return snap, nil
}

// ExpiredSnapshots returns every snapshot whose TTL passed at or
// before the cutoff, oldest first, along with the highest row id seen.
// The id bounds the matching PruneSnapshots call so rows captured
// between the two calls are never deleted unarchived.
func (s *Store) ExpiredSnapshots(ctx context.Context, cutoff time.Time) ([]Snapshot, int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("quota store: expired snapshots: %w", err)
	}
	defer s.pool.Put(conn)

	var snapshots []Snapshot
	var lastID int64
	err = sqlitex.Execute(conn, `
		SELECT provider, account, session_remaining, weekly_remaining,
		       can_start, should_stop, success, error,
		       scrape_duration_ms, captured_at, expires_at, id
		FROM snapshots
		WHERE expires_at <= ?
		ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{cutoff.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				snapshots = append(snapshots, scanSnapshot(stmt))
				lastID = stmt.ColumnInt64(11)
				return nil
			},
		})
	if err != nil {
		return nil, 0, fmt.Errorf("quota store: expired snapshots: %w", err)
	}
	return snapshots, lastID, nil
}

// PruneSnapshots deletes expired snapshots up to and including
// throughID, as returned by ExpiredSnapshots. Returns the number of
// rows removed.
func (s *Store) PruneSnapshots(ctx context.Context, cutoff time.Time, throughID int64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota store: prune snapshots: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM snapshots WHERE expires_at <= ? AND id <= ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.Unix(), throughID}})
	if err != nil {
		return 0, fmt.Errorf("quota store: prune snapshots: %w", err)
	}
	return conn.Changes(), nil
}

func scanSnapshot(stmt *sqlite.Stmt) Snapshot {
	// Columns: provider(0), account(1), session_remaining(2),
	// weekly_remaining(3), can_start(4), should_stop(5), success(6),
	// error(7), scrape_duration_ms(8), captured_at(9), expires_at(10)
	return Snapshot{
		Provider:         stmt.ColumnText(0),
		Account:          stmt.ColumnText(1),
		SessionRemaining: time.Duration(stmt.ColumnInt64(2)) * time.Second,
		WeeklyRemaining:  time.Duration(stmt.ColumnInt64(3)) * time.Second,
		CanStart:         stmt.ColumnInt64(4) != 0,
		ShouldStop:       stmt.ColumnInt64(5) != 0,
		Success:          stmt.ColumnInt64(6) != 0,
		Error:            stmt.ColumnText(7),
		ScrapeDuration:   time.Duration(stmt.ColumnInt64(8)) * time.Millisecond,
		CapturedAt:       time.Unix(stmt.ColumnInt64(9), 0).UTC(),
		ExpiresAt:        time.Unix(stmt.ColumnInt64(10), 0).UTC(),
	}
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeOrZero(stmt *sqlite.Stmt, column int) time.Time {
	if stmt.ColumnIsNull(column) {
		return time.Time{}
	}
	return time.Unix(stmt.ColumnInt64(column), 0).UTC()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
