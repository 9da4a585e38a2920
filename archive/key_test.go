// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "archive.key")

	if err := GenerateKey(path); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := stat.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	keys, err := LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	defer keys.Close()

	sealed, err := keys.seal("snapshots-20260821T033000.gar", []byte("records"))
	if err != nil {
		t.Fatalf("seal under loaded key: %v", err)
	}
	opened, err := keys.open("snapshots-20260821T033000.gar", sealed)
	if err != nil {
		t.Fatalf("open under loaded key: %v", err)
	}
	if !bytes.Equal(opened, []byte("records")) {
		t.Fatal("loaded key did not round trip")
	}
}

func TestGenerateKeyRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.key")

	if err := GenerateKey(path); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := GenerateKey(path); err == nil {
		t.Fatal("GenerateKey replaced an existing key")
	}
}

func TestLoadKeyRejectsBadContents(t *testing.T) {
	dir := t.TempDir()

	garbled := filepath.Join(dir, "garbled.key")
	if err := os.WriteFile(garbled, []byte("not hex at all"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadKey(garbled); err == nil {
		t.Error("LoadKey accepted a non-hex key file")
	}

	short := filepath.Join(dir, "short.key")
	if err := os.WriteFile(short, []byte("ab12"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadKey(short); err == nil {
		t.Error("LoadKey accepted a short key")
	}

	if _, err := LoadKey(filepath.Join(dir, "missing.key")); err == nil {
		t.Error("LoadKey accepted a missing file")
	}
}
