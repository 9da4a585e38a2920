// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"fmt"
	"sync"
	"time"

	"github.com/gleaner-foundation/gleaner/lib/clock"
)

// BreakerState is the circuit breaker's current disposition.
type BreakerState int

const (
	// BreakerClosed means calls flow normally.
	BreakerClosed BreakerState = iota

	// BreakerOpen means calls fail fast until the reset timeout.
	BreakerOpen

	// BreakerHalfOpen means one trial call is in flight; everything
	// else fails fast until the trial resolves.
	BreakerHalfOpen
)

var breakerStateNames = map[BreakerState]string{
	BreakerClosed:   "closed",
	BreakerOpen:     "open",
	BreakerHalfOpen: "half_open",
}

// String returns the snake_case state name.
func (s BreakerState) String() string {
	if name, ok := breakerStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler for status surfaces.
func (s BreakerState) MarshalText() ([]byte, error) {
	name, ok := breakerStateNames[s]
	if !ok {
		return nil, fmt.Errorf("provision: unknown breaker state %d", int(s))
	}
	return []byte(name), nil
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens
	// the circuit. Zero means 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before letting
	// one trial call through. Zero means 5 minutes.
	ResetTimeout time.Duration
}

func (config BreakerConfig) withDefaults() BreakerConfig {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 5 * time.Minute
	}
	return config
}

// Breaker is a consecutive-failure circuit breaker. Safe for
// concurrent use.
type Breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	clock    clock.Clock
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker. A nil clk uses the real clock.
func NewBreaker(config BreakerConfig, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Breaker{config: config.withDefaults(), clock: clk}
}

// Allow reports whether a call may proceed. While open it returns
// false along with the instant the circuit re-arms. Once the reset
// timeout elapses it admits exactly one trial call and moves to
// half-open; further calls are refused until the trial resolves
// through Success or Failure.
func (b *Breaker) Allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, time.Time{}
	case BreakerHalfOpen:
		// A trial is in flight.
		return false, b.openedAt.Add(b.config.ResetTimeout)
	default:
		until := b.openedAt.Add(b.config.ResetTimeout)
		if b.clock.Now().Before(until) {
			return false, until
		}
		b.state = BreakerHalfOpen
		return true, time.Time{}
	}
}

// Success records a successful call. The consecutive-failure count
// resets to zero immediately in every state, and the circuit closes.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// Failure records a failed call. At the failure threshold the circuit
// opens; a failed half-open trial reopens it for a fresh reset
// timeout.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
		return
	}

	b.failures++
	if b.state == BreakerClosed && b.failures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	}
}

// State returns the breaker's current state for status surfaces.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
