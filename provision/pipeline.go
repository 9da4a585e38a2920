// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gleaner-foundation/gleaner/lib/clock"
)

// Policy configures retry timing. The delay before retry n is
// BaseDelay × Multiplier^(n-1), capped at MaxDelay, with a uniform
// ±JitterFactor fraction applied so synchronized callers do not retry
// in lockstep.
type Policy struct {
	// MaxRetries bounds the total number of attempts. Zero means 4.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Zero means 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means 2m.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor. Zero means 2.0.
	Multiplier float64

	// JitterFactor is the fraction of the computed delay drawn as
	// ±jitter. Zero means no jitter.
	JitterFactor float64
}

func (policy Policy) withDefaults() Policy {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 4
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Minute
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	return policy
}

// Config holds configuration for creating a Pipeline.
type Config struct {
	// Policy is the retry policy. Zero fields take defaults.
	Policy Policy

	// Breaker is the circuit breaker configuration. Zero fields take
	// defaults.
	Breaker BreakerConfig

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. Defaults to discard.
	Logger *slog.Logger

	// Seed seeds the jitter generator. Zero seeds from the clock.
	Seed int64
}

// Pipeline runs fallible provider operations under a retry policy and
// a shared circuit breaker. One pipeline guards one provider
// endpoint; its breaker state reflects that endpoint's health.
type Pipeline struct {
	policy  Policy
	breaker *Breaker
	clock   clock.Clock
	logger  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPipeline creates a Pipeline from the given configuration.
func NewPipeline(config Config) *Pipeline {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	seed := config.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}
	return &Pipeline{
		policy:  config.Policy.withDefaults(),
		breaker: NewBreaker(config.Breaker, clk),
		clock:   clk,
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Breaker exposes the pipeline's circuit breaker for status surfaces.
func (p *Pipeline) Breaker() *Breaker {
	return p.breaker
}

// Do runs fn under the retry policy and circuit breaker.
//
// A nil return from fn records a breaker success and returns nil.
// Otherwise the error's class decides:
//
//   - permanent and quota-exhausted errors return immediately,
//   - transient errors retry with backoff until the attempt budget
//     runs out, then return an ExhaustedError wrapping the last
//     failure.
//
// Every attempt first consults the breaker; while open, Do returns a
// CircuitOpenError without invoking fn. Context cancellation aborts
// between attempts and during backoff sleeps.
func (p *Pipeline) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		allowed, until := p.breaker.Allow()
		if !allowed {
			return &CircuitOpenError{Op: op, Until: until}
		}

		err := fn(ctx)
		if err == nil {
			p.breaker.Success()
			return nil
		}

		// The caller's context ending is not the provider's fault:
		// abort without touching the breaker.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch Classify(err) {
		case ClassPermanent:
			p.breaker.Failure()
			return err
		case ClassQuotaExhausted:
			// A healthy provider giving a definitive answer. Not a
			// breaker failure.
			return err
		}

		p.breaker.Failure()
		lastErr = err

		if attempt >= p.policy.MaxRetries {
			return &ExhaustedError{Op: op, Attempts: attempt, Last: lastErr}
		}

		delay := p.delay(attempt)
		p.logger.Warn("transient failure, backing off",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-p.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// delay computes the backoff before the retry following the given
// 1-based attempt.
func (p *Pipeline) delay(attempt int) time.Duration {
	delay := float64(p.policy.BaseDelay) * math.Pow(p.policy.Multiplier, float64(attempt-1))
	if delay > float64(p.policy.MaxDelay) {
		delay = float64(p.policy.MaxDelay)
	}
	if p.policy.JitterFactor > 0 {
		p.mu.Lock()
		jitter := (p.rng.Float64()*2 - 1) * p.policy.JitterFactor * delay
		p.mu.Unlock()
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
