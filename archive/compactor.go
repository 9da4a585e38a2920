// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gleaner-foundation/gleaner/lib/clock"
	"github.com/gleaner-foundation/gleaner/lib/codec"
	"github.com/gleaner-foundation/gleaner/lib/cron"
	"github.com/gleaner-foundation/gleaner/quota"
)

// Config configures a Compactor. Store, Keys, Dir, and Logger are
// required.
type Config struct {
	// Store is the live snapshot store to drain.
	Store *quota.Store

	// Keys seals the archives. The compactor borrows the key set; the
	// caller closes it after the compactor stops.
	Keys *KeySet

	// Dir is where archive files land.
	Dir string

	// Schedule is a five field cron expression driving Run. Empty
	// leaves only CompactNow.
	Schedule string

	// Retention bounds how long archive files stay on disk, judged by
	// the compaction stamp in the file name. Zero or negative keeps
	// them forever.
	Retention time.Duration

	// Compression names the payload codec: "none", "lz4", "zstd", or
	// "auto" to probe each payload. Empty means "auto".
	Compression string

	// Clock defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Compactor periodically moves expired snapshots out of the store
// into sealed archive files and enforces archive retention.
type Compactor struct {
	store     *quota.Store
	keys      *KeySet
	dir       string
	schedule  cron.Schedule
	scheduled bool
	retention time.Duration
	tag       CompressionTag
	auto      bool
	clock     clock.Clock
	logger    *slog.Logger
}

// NewCompactor validates the configuration and builds a Compactor.
func NewCompactor(conf Config) (*Compactor, error) {
	if conf.Store == nil {
		return nil, errors.New("archive: Store is required")
	}
	if conf.Keys == nil {
		return nil, errors.New("archive: Keys is required")
	}
	if conf.Dir == "" {
		return nil, errors.New("archive: Dir is required")
	}
	if conf.Logger == nil {
		return nil, errors.New("archive: Logger is required")
	}

	tag, auto, err := ParseCompression(conf.Compression)
	if err != nil {
		return nil, err
	}

	compactor := &Compactor{
		store:     conf.Store,
		keys:      conf.Keys,
		dir:       conf.Dir,
		retention: conf.Retention,
		tag:       tag,
		auto:      auto,
		clock:     conf.Clock,
		logger:    conf.Logger,
	}
	if conf.Schedule != "" {
		schedule, err := cron.Parse(conf.Schedule)
		if err != nil {
			return nil, fmt.Errorf("archive: schedule: %w", err)
		}
		compactor.schedule = schedule
		compactor.scheduled = true
	}
	if compactor.clock == nil {
		compactor.clock = clock.Real()
	}
	return compactor, nil
}

// Result summarizes one compaction pass.
type Result struct {
	// Path is the archive file written, empty when nothing had
	// expired.
	Path string

	// Archived counts snapshots sealed into the file; Pruned counts
	// the rows removed from the store afterwards.
	Archived int
	Pruned   int

	// Bytes is the sealed file size.
	Bytes int64

	// Swept counts retention-expired archive files removed.
	Swept int
}

// Run drives compaction on the configured cron schedule until ctx
// ends. Failed passes are logged and retried at the next scheduled
// slot.
func (c *Compactor) Run(ctx context.Context) error {
	if !c.scheduled {
		return errors.New("archive: no schedule configured")
	}
	c.logger.Info("archive compactor started",
		"dir", c.dir,
		"retention", c.retention,
		"compression", c.tag.String())

	for {
		now := c.clock.Now()
		next, err := c.schedule.Next(now)
		if err != nil {
			return fmt.Errorf("archive: schedule: %w", err)
		}

		select {
		case <-c.clock.After(next.Sub(now)):
		case <-ctx.Done():
			return ctx.Err()
		}

		result, err := c.CompactNow(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("compaction failed", "error", err)
			continue
		}
		if result.Path != "" || result.Swept > 0 {
			c.logger.Info("compaction complete",
				"path", result.Path,
				"archived", result.Archived,
				"pruned", result.Pruned,
				"bytes", result.Bytes,
				"swept", result.Swept)
		}
	}
}

// CompactNow performs one pass: seal every snapshot whose TTL has
// passed into an archive file, prune those rows from the store, then
// sweep archives past retention. The file lands before the rows are
// pruned, so a crash between the two duplicates snapshots into the
// next archive rather than losing them.
func (c *Compactor) CompactNow(ctx context.Context) (Result, error) {
	now := c.clock.Now()
	var result Result

	snapshots, throughID, err := c.store.ExpiredSnapshots(ctx, now)
	if err != nil {
		return result, fmt.Errorf("archive: collecting expired snapshots: %w", err)
	}

	if len(snapshots) > 0 {
		path := filepath.Join(c.dir, FileName(now))
		if _, err := os.Stat(path); err == nil {
			return result, fmt.Errorf("archive: %s already exists", path)
		}

		if err := c.writeArchive(path, buildArchive(now, snapshots)); err != nil {
			return result, err
		}
		result.Path = path
		result.Archived = len(snapshots)
		if stat, err := os.Stat(path); err == nil {
			result.Bytes = stat.Size()
		}

		pruned, err := c.store.PruneSnapshots(ctx, now, throughID)
		if err != nil {
			return result, fmt.Errorf("archive: pruning archived snapshots: %w", err)
		}
		result.Pruned = pruned
	}

	swept, err := c.sweep(now)
	if err != nil {
		return result, err
	}
	result.Swept = swept
	return result, nil
}

// buildArchive assembles the payload for one compaction pass.
func buildArchive(now time.Time, snapshots []quota.Snapshot) *Archive {
	manifest := Manifest{
		CreatedAt: now,
		Cutoff:    now,
		Count:     len(snapshots),
	}
	for _, snap := range snapshots {
		if manifest.FirstCaptured.IsZero() || snap.CapturedAt.Before(manifest.FirstCaptured) {
			manifest.FirstCaptured = snap.CapturedAt
		}
		if snap.CapturedAt.After(manifest.LastCaptured) {
			manifest.LastCaptured = snap.CapturedAt
		}
	}
	return &Archive{Manifest: manifest, Snapshots: snapshots}
}

// writeArchive seals arch at path, probing for a codec when the
// configuration asked for auto selection.
func (c *Compactor) writeArchive(path string, arch *Archive) error {
	payload, err := codec.Marshal(arch)
	if err != nil {
		return fmt.Errorf("archive: encoding payload: %w", err)
	}
	tag := c.tag
	if c.auto {
		tag = SelectCompression(payload)
	}
	return writeSealed(path, c.keys, payload, tag)
}

// sweep removes archive files older than the retention bound.
func (c *Compactor) sweep(now time.Time) (int, error) {
	if c.retention <= 0 {
		return 0, nil
	}
	infos, err := List(c.dir)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-c.retention)
	removed := 0
	for _, info := range infos {
		if !info.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			c.logger.Warn("removing expired archive", "path", info.Path, "error", err)
			continue
		}
		c.logger.Info("removed expired archive", "path", info.Path, "created_at", info.CreatedAt)
		removed++
	}
	return removed, nil
}
