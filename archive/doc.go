// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive moves expired quota snapshots out of the live
// database into sealed archive files, and reads them back for audit
// replay.
//
// An archive file holds one compaction run: a CBOR payload of
// snapshots and a manifest, compressed, authenticated and encrypted
// with a key derived from the daemon's archive master key. The file
// name is bound into the ciphertext, so archives cannot be swapped or
// renamed without detection. Replay re-runs the compliance evaluation
// over archived readings, reconstructing what the monitor would have
// said at capture time.
package archive
