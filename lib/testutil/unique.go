// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for worker IDs, session IDs, or alert
// bodies that must be distinguishable in shared fixtures.
//
//	workerID := testutil.UniqueID("worker")  // "worker-1", "worker-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
