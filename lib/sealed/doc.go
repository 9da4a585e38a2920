// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption and decryption for Gleaner
// account credential bundles. It wraps filippo.io/age for the specific
// operations Gleaner needs: generate x25519 keypairs, encrypt to
// multiple recipients, and decrypt with a private key.
//
// Ciphertext is base64-encoded for storage in the accounts table of
// the ledger database. Callers pass plaintext []byte to [Encrypt] and
// receive a base64 string; [Decrypt] accepts a base64 string and
// returns plaintext. Private keys and decrypted plaintext are returned
// as [secret.Buffer] values backed by mmap memory outside the Go heap
// (locked against swap, excluded from core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair in a secret.Buffer
//   - [Encrypt] / [EncryptJSON] -- encrypt to age public key recipients
//   - [Decrypt] / [DecryptJSON] -- decrypt with a secret.Buffer key
//   - [ParsePublicKey] / [ParsePrivateKey] -- key validation
//
// Used by the daemon (decrypt account credentials before scraping or
// provisioning) and the gleaner CLI (encrypt credentials captured by
// "gleaner account add" to the daemon's public key plus operator
// escrow keys).
//
// Depends on lib/secret for secure memory allocation.
package sealed
