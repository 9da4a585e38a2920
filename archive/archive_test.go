// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gleaner-foundation/gleaner/quota"
)

var archiveTestEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testSnapshots returns readings with whole-second timestamps, the
// granularity the codec stores.
func testSnapshots(now time.Time) []quota.Snapshot {
	return []quota.Snapshot{
		{
			Provider:         "kaggle",
			Account:          "acct-1",
			SessionRemaining: 9 * time.Hour,
			WeeklyRemaining:  22 * time.Hour,
			CanStart:         true,
			Success:          true,
			ScrapeDuration:   340 * time.Millisecond,
			CapturedAt:       now.Add(-2 * time.Hour),
			ExpiresAt:        now.Add(-90 * time.Minute),
		},
		{
			Provider:         "kaggle",
			Account:          "acct-1",
			SessionRemaining: 8 * time.Hour,
			WeeklyRemaining:  21 * time.Hour,
			CanStart:         true,
			Success:          true,
			ScrapeDuration:   280 * time.Millisecond,
			CapturedAt:       now.Add(-time.Hour),
			ExpiresAt:        now.Add(-30 * time.Minute),
		},
		{
			Provider:   "colab",
			Account:    "acct-2",
			Success:    false,
			Error:      "agent endpoint unreachable",
			CapturedAt: now.Add(-45 * time.Minute),
			ExpiresAt:  now.Add(-15 * time.Minute),
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	keys := testKeySet(t, 0x5a)
	now := archiveTestEpoch
	path := filepath.Join(t.TempDir(), FileName(now))

	original := buildArchive(now, testSnapshots(now))
	if err := Write(path, keys, original, CompressionZstd); err != nil {
		t.Fatalf("Write: %v", err)
	}

	restored, err := Read(path, keys)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if restored.Manifest.Count != 3 {
		t.Errorf("manifest count = %d, want 3", restored.Manifest.Count)
	}
	if !restored.Manifest.CreatedAt.Equal(now) {
		t.Errorf("manifest created at %v, want %v", restored.Manifest.CreatedAt, now)
	}
	if !restored.Manifest.FirstCaptured.Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("first captured %v, want %v", restored.Manifest.FirstCaptured, now.Add(-2*time.Hour))
	}
	if !restored.Manifest.LastCaptured.Equal(now.Add(-45 * time.Minute)) {
		t.Errorf("last captured %v, want %v", restored.Manifest.LastCaptured, now.Add(-45*time.Minute))
	}
	if len(restored.Snapshots) != 3 {
		t.Fatalf("restored %d snapshots, want 3", len(restored.Snapshots))
	}

	first := restored.Snapshots[0]
	if first.Provider != "kaggle" || first.Account != "acct-1" {
		t.Errorf("first snapshot is %s/%s, want kaggle/acct-1", first.Provider, first.Account)
	}
	if first.SessionRemaining != 9*time.Hour || first.WeeklyRemaining != 22*time.Hour {
		t.Errorf("first snapshot remainders = %v/%v", first.SessionRemaining, first.WeeklyRemaining)
	}
	if !first.CapturedAt.Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("first snapshot captured at %v", first.CapturedAt)
	}

	failed := restored.Snapshots[2]
	if failed.Success || failed.Error != "agent endpoint unreachable" {
		t.Errorf("failed snapshot restored as success=%v error=%q", failed.Success, failed.Error)
	}
}

func TestReadRejectsRenamedFile(t *testing.T) {
	keys := testKeySet(t, 0x5a)
	now := archiveTestEpoch
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(now))

	if err := Write(path, keys, buildArchive(now, testSnapshots(now)), CompressionZstd); err != nil {
		t.Fatalf("Write: %v", err)
	}

	moved := filepath.Join(dir, FileName(now.Add(24*time.Hour)))
	if err := os.Rename(path, moved); err != nil {
		t.Fatalf("rename: %v", err)
	}

	_, err := Read(moved, keys)
	if err == nil {
		t.Fatal("Read accepted a renamed archive")
	}
	if !strings.Contains(err.Error(), "decryption failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadRejectsTamperedFile(t *testing.T) {
	keys := testKeySet(t, 0x5a)
	now := archiveTestEpoch
	path := filepath.Join(t.TempDir(), FileName(now))

	if err := Write(path, keys, buildArchive(now, testSnapshots(now)), CompressionZstd); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("writing tampered archive: %v", err)
	}

	if _, err := Read(path, keys); err == nil {
		t.Fatal("Read accepted a tampered archive")
	}
}

func TestReadRejectsForeignFile(t *testing.T) {
	keys := testKeySet(t, 0x5a)
	path := filepath.Join(t.TempDir(), FileName(archiveTestEpoch))

	if err := os.WriteFile(path, []byte("not an archive"), 0o600); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	_, err := Read(path, keys)
	if err == nil || !strings.Contains(err.Error(), "not an archive file") {
		t.Fatalf("Read on foreign file: got %v", err)
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 21, 3, 30, 0, 0, time.UTC)

	name := FileName(at)
	if name != "snapshots-20260821T033000.gar" {
		t.Fatalf("FileName = %q", name)
	}

	parsed, err := ParseFileName(name)
	if err != nil {
		t.Fatalf("ParseFileName: %v", err)
	}
	if !parsed.Equal(at) {
		t.Errorf("parsed %v, want %v", parsed, at)
	}

	for _, bad := range []string{"notes.txt", "snapshots-.gar", "snapshots-yesterday.gar", "snapshots-20260821T033000.bak"} {
		if _, err := ParseFileName(bad); err == nil {
			t.Errorf("ParseFileName(%q) succeeded", bad)
		}
	}
}

func TestListOrdersAndFilters(t *testing.T) {
	keys := testKeySet(t, 0x5a)
	dir := t.TempDir()
	older := archiveTestEpoch.Add(-48 * time.Hour)
	newer := archiveTestEpoch

	for _, at := range []time.Time{newer, older} {
		path := filepath.Join(dir, FileName(at))
		if err := Write(path, keys, buildArchive(at, testSnapshots(at)), CompressionZstd); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("stranger"), 0o600); err != nil {
		t.Fatalf("writing stranger file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	infos, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(infos))
	}
	if !infos[0].CreatedAt.Equal(older) || !infos[1].CreatedAt.Equal(newer) {
		t.Errorf("List order: %v, %v", infos[0].CreatedAt, infos[1].CreatedAt)
	}
	for _, info := range infos {
		if info.Size <= 0 {
			t.Errorf("archive %s has size %d", info.Name, info.Size)
		}
	}

	missing, err := List(filepath.Join(dir, "does-not-exist"))
	if err != nil {
		t.Fatalf("List on missing dir: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("List on missing dir returned %d entries", len(missing))
	}
}
