// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import "time"

// Snapshot is one scraper observation of a provider account: what the
// provider itself says remains of the session and weekly budgets.
// Snapshots are immutable once captured and carry a TTL; an expired
// snapshot is stale context, never authoritative, and Reconcile
// ignores it.
//
// Failed scrapes are recorded too (Success false, Error set) so the
// archive preserves the gap, but they never touch worker counters.
type Snapshot struct {
	Provider string `json:"provider"`
	Account  string `json:"account"`

	// SessionRemaining and WeeklyRemaining are the provider-reported
	// budget remainders at capture time.
	SessionRemaining time.Duration `json:"session_remaining"`
	WeeklyRemaining  time.Duration `json:"weekly_remaining"`

	// CanStart and ShouldStop are the provider's own verdicts, passed
	// through from the scraper.
	CanStart   bool `json:"can_start"`
	ShouldStop bool `json:"should_stop"`

	// Success is false when the scrape failed; Error carries the
	// classified failure text.
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// ScrapeDuration is how long the scrape call took.
	ScrapeDuration time.Duration `json:"scrape_duration"`

	CapturedAt time.Time `json:"captured_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the snapshot's TTL has passed.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
