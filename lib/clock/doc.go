// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that every timed behavior in the
// system can be driven deterministically from tests.
//
// Production code never calls time.Now, time.After, time.NewTicker,
// time.AfterFunc, or time.Sleep directly: it accepts a Clock (usually
// as a Config field) and uses that. Real() is the standard library
// behavior; Fake() is a clock that moves only when a test calls
// Advance.
//
// The quota ledger, lifecycle manager, sync scheduler, retry loop,
// and circuit breaker all take a Clock. That is what makes multi-week
// usage timelines, forced-stop deadlines, cooldown expiries, and
// backoff envelopes assertable in unit tests without real sleeping.
//
// # Synchronizing with goroutines
//
// When a goroutine registers a timer on a FakeClock (Sleep, After,
// NewTicker, AfterFunc), the registration is observable through
// WaitForTimers. A test that spawns a goroutine and wants to fire its
// timer calls WaitForTimers(n) first, then Advance, eliminating the
// race between registration and advancement:
//
//	go func() { c.Sleep(5 * time.Second) }()
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second)
package clock
