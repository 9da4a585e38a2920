// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Gleaner's standard CBOR encoding configuration.
//
// Gleaner uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: provider usage-report scrapes,
//     webhook alert payloads, and CLI --json output.
//   - CBOR for internal protocols: the daemon control socket, ledger
//     snapshot archives, and on-disk state files.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Gleaner package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which keeps archive digests stable across runs.
//
// For buffer-oriented operations (files, snapshot records):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Examples: archive record envelopes, on-disk CBOR state files.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: control socket
//     protocol types (which the CLI consumes), types used in CLI
//     --json output, scraped usage reports persisted into snapshots.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
