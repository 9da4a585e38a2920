// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package scrape

import (
	"context"
	"encoding/json"
	"time"
)

// Target names one provider account to scrape.
type Target struct {
	Provider string
	Account  string

	// RequireWeekly demands the provider's weekly remainder in the
	// payload. Set for weekly-budget providers; cooldown providers
	// have no weekly figure to report.
	RequireWeekly bool
}

// Report is one successful dashboard reading.
type Report struct {
	// SessionRemaining is the time left before the provider kills the
	// current session, or the full per-session allowance when none is
	// running.
	SessionRemaining time.Duration

	// WeeklyRemaining is the unspent weekly budget. Zero for
	// providers without one.
	WeeklyRemaining time.Duration

	// CanStart and ShouldStop are the provider's own verdicts.
	CanStart   bool
	ShouldStop bool
}

// Scraper reads one provider account's quota state.
type Scraper interface {
	Scrape(ctx context.Context, target Target) (Report, error)
}

// reportWire is the agent's payload shape. Pointer fields distinguish
// absent from zero so a truncated payload cannot masquerade as a
// fresh budget.
type reportWire struct {
	SessionRemainingSeconds *int64 `json:"session_remaining_seconds"`
	WeeklyRemainingSeconds  *int64 `json:"weekly_remaining_seconds"`
	CanStart                *bool  `json:"can_start"`
	ShouldStop              *bool  `json:"should_stop"`
}

// ParseReport validates an agent payload into a Report. Any defect is
// a FormatError and discards the reading whole: a payload the agent
// half-filled must not inject numbers into reconciliation.
func ParseReport(provider string, requireWeekly bool, data []byte) (Report, error) {
	var wire reportWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Report{}, &FormatError{Provider: provider, Detail: "unparseable JSON", Err: err}
	}

	if wire.SessionRemainingSeconds == nil {
		return Report{}, &FormatError{Provider: provider, Detail: "missing session_remaining_seconds"}
	}
	if *wire.SessionRemainingSeconds < 0 {
		return Report{}, &FormatError{Provider: provider, Detail: "negative session_remaining_seconds"}
	}
	if wire.CanStart == nil {
		return Report{}, &FormatError{Provider: provider, Detail: "missing can_start"}
	}
	if wire.ShouldStop == nil {
		return Report{}, &FormatError{Provider: provider, Detail: "missing should_stop"}
	}

	report := Report{
		SessionRemaining: time.Duration(*wire.SessionRemainingSeconds) * time.Second,
		CanStart:         *wire.CanStart,
		ShouldStop:       *wire.ShouldStop,
	}

	if wire.WeeklyRemainingSeconds != nil {
		if *wire.WeeklyRemainingSeconds < 0 {
			return Report{}, &FormatError{Provider: provider, Detail: "negative weekly_remaining_seconds"}
		}
		report.WeeklyRemaining = time.Duration(*wire.WeeklyRemainingSeconds) * time.Second
	} else if requireWeekly {
		return Report{}, &FormatError{Provider: provider, Detail: "missing weekly_remaining_seconds"}
	}

	return report, nil
}
