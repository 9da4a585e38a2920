// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/gleaner-foundation/gleaner/lib/codec"
	"github.com/gleaner-foundation/gleaner/quota"
)

// magic prefixes every archive file, before the sealed blob.
var magic = []byte("GAR1")

const (
	namePrefix     = "snapshots-"
	nameExt        = ".gar"
	nameTimeLayout = "20060102T150405"
)

// Manifest describes one compaction run.
type Manifest struct {
	// CreatedAt is when the compactor sealed the file.
	CreatedAt time.Time `json:"created_at"`

	// Cutoff is the expiry bound: every archived snapshot's TTL had
	// passed at or before this instant.
	Cutoff time.Time `json:"cutoff"`

	// Count is the number of archived snapshots.
	Count int `json:"count"`

	// FirstCaptured and LastCaptured span the capture times of the
	// archived snapshots.
	FirstCaptured time.Time `json:"first_captured"`
	LastCaptured  time.Time `json:"last_captured"`
}

// Archive is the decoded payload of one archive file.
type Archive struct {
	Manifest  Manifest         `json:"manifest"`
	Snapshots []quota.Snapshot `json:"snapshots"`
}

// envelope frames the compressed payload inside the sealed blob. Sum
// is the BLAKE3-256 hash of the payload CBOR before compression, a
// self-check that survives re-sealing under a rotated key.
type envelope struct {
	Compression CompressionTag `json:"compression"`
	Size        uint64         `json:"size"`
	Sum         []byte         `json:"sum"`
	Payload     []byte         `json:"payload"`
}

// FileName returns the canonical archive file name for a compaction
// at the given instant.
func FileName(at time.Time) string {
	return namePrefix + at.UTC().Format(nameTimeLayout) + nameExt
}

// ParseFileName extracts the compaction instant from a file name
// produced by FileName.
func ParseFileName(name string) (time.Time, error) {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameExt) {
		return time.Time{}, fmt.Errorf("archive: %q is not an archive file name", name)
	}
	stamp := name[len(namePrefix) : len(name)-len(nameExt)]
	at, err := time.ParseInLocation(nameTimeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("archive: %q is not an archive file name", name)
	}
	return at, nil
}

// Write seals arch into a file at path. The base name is bound into
// the encryption, so the file cannot be renamed and still open. The
// compression tag is a preference: payloads the codec cannot shrink
// are stored raw.
func Write(path string, keys *KeySet, arch *Archive, tag CompressionTag) error {
	payload, err := codec.Marshal(arch)
	if err != nil {
		return fmt.Errorf("archive: encoding payload: %w", err)
	}
	return writeSealed(path, keys, payload, tag)
}

// writeSealed wraps an already-encoded payload in the envelope, seals
// it, and lands the file at path.
func writeSealed(path string, keys *KeySet, payload []byte, tag CompressionTag) error {
	sum := blake3.Sum256(payload)

	stored, used, err := compressAuto(payload, tag)
	if err != nil {
		return fmt.Errorf("archive: compressing payload: %w", err)
	}

	framed, err := codec.Marshal(envelope{
		Compression: used,
		Size:        uint64(len(payload)),
		Sum:         sum[:],
		Payload:     stored,
	})
	if err != nil {
		return fmt.Errorf("archive: encoding envelope: %w", err)
	}

	sealed, err := keys.seal(filepath.Base(path), framed)
	if err != nil {
		return err
	}

	file := make([]byte, 0, len(magic)+len(sealed))
	file = append(file, magic...)
	file = append(file, sealed...)
	return writeFileAtomic(path, file)
}

// Read opens and verifies the archive file at path.
func Read(path string, keys *KeySet) (*Archive, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: reading %s: %w", path, err)
	}
	if len(raw) < len(magic) || !bytes.Equal(raw[:len(magic)], magic) {
		return nil, fmt.Errorf("archive: %s is not an archive file", path)
	}

	framed, err := keys.open(filepath.Base(path), raw[len(magic):])
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", path, err)
	}

	var env envelope
	if err := codec.Unmarshal(framed, &env); err != nil {
		return nil, fmt.Errorf("archive: decoding envelope of %s: %w", path, err)
	}

	payload, err := decompress(env.Payload, env.Compression, int(env.Size))
	if err != nil {
		return nil, fmt.Errorf("archive: %s: %w", path, err)
	}

	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], env.Sum) {
		return nil, fmt.Errorf("archive: %s payload hash mismatch", path)
	}

	var arch Archive
	if err := codec.Unmarshal(payload, &arch); err != nil {
		return nil, fmt.Errorf("archive: decoding payload of %s: %w", path, err)
	}
	return &arch, nil
}

// Info describes one archive file on disk, without opening it.
type Info struct {
	Name      string
	Path      string
	CreatedAt time.Time
	Size      int64
}

// List returns the archive files under dir, oldest first. Files that
// do not follow the archive naming convention are ignored. A missing
// directory lists as empty.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: listing %s: %w", dir, err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		createdAt, err := ParseFileName(entry.Name())
		if err != nil {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			CreatedAt: createdAt,
			Size:      stat.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

// writeFileAtomic lands data at path through a same-directory rename
// so a crash never leaves a half-written archive behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("archive: creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("archive: creating temporary file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("archive: writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("archive: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("archive: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("archive: writing %s: %w", path, err)
	}
	return nil
}
