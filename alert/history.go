// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"context"
	"sync"
)

// History is a bounded in-memory ring of recent alerts. When the ring
// is full the oldest entry is evicted. History implements Sink so it
// can sit in the daemon's fanout alongside the log and webhook sinks.
type History struct {
	mu      sync.Mutex
	entries []Alert
	next    int
	filled  bool
}

// NewHistory creates a ring holding up to capacity alerts.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 256
	}
	return &History{entries: make([]Alert, capacity)}
}

// Notify implements Sink.
func (h *History) Notify(ctx context.Context, alert Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = alert
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.filled = true
	}
}

// Recent returns up to limit alerts, newest first. A non-positive
// limit returns everything retained.
func (h *History) Recent(limit int) []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.filled {
		size = len(h.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	result := make([]Alert, 0, limit)
	for i := 0; i < limit; i++ {
		index := (h.next - 1 - i + len(h.entries)) % len(h.entries)
		result = append(result, h.entries[index])
	}
	return result
}

// Len returns the number of alerts currently retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.filled {
		return len(h.entries)
	}
	return h.next
}
