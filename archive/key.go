// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"

	"github.com/gleaner-foundation/gleaner/lib/secret"
)

// KeySize is the archive master key length in bytes. The key file on
// disk stores the key hex encoded.
const KeySize = 32

// keyInfoSeal is the HKDF info string that derives the sealing key
// from the master key. It is a protocol constant: changing it orphans
// every archive already on disk.
const keyInfoSeal = "gleaner.archive.seal.v1"

// KeySet owns the archive master key and derives the per-purpose keys
// the sealing layer consumes. Close releases the key material; using
// a KeySet after Close panics.
type KeySet struct {
	master *secret.Buffer
}

// NewKeySet wraps a raw master key. The KeySet takes ownership of the
// buffer and releases it on Close.
func NewKeySet(master *secret.Buffer) (*KeySet, error) {
	if master == nil || master.Len() != KeySize {
		return nil, fmt.Errorf("archive: master key must be exactly %d bytes", KeySize)
	}
	return &KeySet{master: master}, nil
}

// LoadKey reads a hex encoded master key from path.
func LoadKey(path string) (*KeySet, error) {
	encoded, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("archive: reading master key: %w", err)
	}
	defer encoded.Close()

	raw := make([]byte, hex.DecodedLen(encoded.Len()))
	if _, err := hex.Decode(raw, encoded.Bytes()); err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("archive: master key %s is not valid hex: %w", path, err)
	}
	master, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("archive: loading master key: %w", err)
	}
	keys, err := NewKeySet(master)
	if err != nil {
		master.Close()
		return nil, err
	}
	return keys, nil
}

// GenerateKey creates a fresh hex encoded master key at path with
// owner-only permissions. It refuses to replace an existing file:
// losing a master key means losing every archive sealed under it, so
// rotation has to be a deliberate act, not a restart side effect.
func GenerateKey(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("archive: creating key directory: %w", err)
	}

	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("archive: generating master key: %w", err)
	}
	defer secret.Zero(raw)

	encoded := make([]byte, hex.EncodedLen(KeySize)+1)
	hex.Encode(encoded, raw)
	encoded[len(encoded)-1] = '\n'
	defer secret.Zero(encoded)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("archive: master key %s already exists", path)
		}
		return fmt.Errorf("archive: creating master key file: %w", err)
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("archive: writing master key file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("archive: writing master key file: %w", err)
	}
	return nil
}

// Close releases the master key. Safe to call more than once.
func (k *KeySet) Close() error {
	if k.master == nil {
		return nil
	}
	err := k.master.Close()
	k.master = nil
	return err
}

// sealingKey derives the 32 byte sealing key from the master key.
// The caller closes the returned buffer.
func (k *KeySet) sealingKey() (*secret.Buffer, error) {
	if k.master == nil {
		panic("archive: KeySet used after Close")
	}
	reader := hkdf.New(sha256.New, k.master.Bytes(), nil, []byte(keyInfoSeal))
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, raw); err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("archive: deriving sealing key: %w", err)
	}
	return secret.NewFromBytes(raw)
}
