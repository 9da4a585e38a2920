// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gleaner-foundation/gleaner/lib/clock"
	"github.com/gleaner-foundation/gleaner/lib/testutil"
)

var pipelineEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testPipeline builds a pipeline with fast deterministic timing: up
// to 3 attempts, 1s base delay doubling, no jitter, breaker threshold
// high enough to stay out of the way unless a test lowers it.
func testPipeline(t *testing.T, policy Policy, breaker BreakerConfig) (*Pipeline, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(pipelineEpoch)
	if policy.MaxRetries == 0 {
		policy = Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	}
	if breaker.FailureThreshold == 0 {
		breaker = BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute}
	}
	return NewPipeline(Config{Policy: policy, Breaker: breaker, Clock: clk, Seed: 1}), clk
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	pipeline, _ := testPipeline(t, Policy{}, BreakerConfig{})

	calls := 0
	err := pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	pipeline, clk := testPipeline(t, Policy{}, BreakerConfig{})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return &TransientError{Err: errors.New("capacity blip")}
			}
			return nil
		})
	}()

	// First retry waits the base delay, second waits doubled.
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "Do result"); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoPermanentAbortsImmediately(t *testing.T) {
	pipeline, clk := testPipeline(t, Policy{}, BreakerConfig{})

	calls := 0
	wantErr := &PermanentError{Err: errors.New("account revoked")}
	err := pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
		calls++
		return wantErr
	})

	var permanent *PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("error = %v, want *PermanentError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if clk.PendingCount() != 0 {
		t.Error("permanent failure scheduled a retry timer")
	}
}

func TestDoQuotaExhaustedAbortsWithoutTrippingBreaker(t *testing.T) {
	pipeline, _ := testPipeline(t, Policy{}, BreakerConfig{})

	calls := 0
	err := pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
		calls++
		return &QuotaExhaustedError{Provider: "kaggle", Message: "no free gpus"}
	})

	var quota *QuotaExhaustedError
	if !errors.As(err, &quota) {
		t.Fatalf("error = %v, want *QuotaExhaustedError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if got := pipeline.Breaker().Failures(); got != 0 {
		t.Errorf("breaker failures = %d, want 0 for a definitive answer", got)
	}
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	pipeline, clk := testPipeline(t, Policy{}, BreakerConfig{})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
			calls++
			return &TransientError{Err: errors.New("gateway timeout")}
		})
	}()

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	err := testutil.RequireReceive(t, done, 5*time.Second, "Do result")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Error("classification not reachable through the exhausted error")
	}
}

func TestDoFailsFastWhenBreakerOpens(t *testing.T) {
	pipeline, clk := testPipeline(t,
		Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
		BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
	)

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
			calls++
			return &TransientError{Err: errors.New("boom")}
		})
	}()

	// Two failures open the breaker; after the next backoff the third
	// attempt is refused without invoking the function.
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	err := testutil.RequireReceive(t, done, 5*time.Second, "Do result")
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("error = %v, want *CircuitOpenError", err)
	}
	if open.Op != "start-session" {
		t.Errorf("Op = %q", open.Op)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDoBreakerPersistsAcrossCalls(t *testing.T) {
	pipeline, clk := testPipeline(t,
		Policy{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
		BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute},
	)

	// One failing call opens the breaker.
	err := pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
		return &TransientError{Err: errors.New("boom")}
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("first call error = %v, want *ExhaustedError", err)
	}

	// The next call fails fast without running.
	calls := 0
	err = pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
		calls++
		return nil
	})
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("second call error = %v, want *CircuitOpenError", err)
	}
	if calls != 0 {
		t.Errorf("function invoked %d times through an open breaker", calls)
	}

	// After the reset timeout a trial runs and closes the circuit.
	clk.Advance(2 * time.Minute)
	err = pipeline.Do(context.Background(), "start-session", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if calls != 1 {
		t.Errorf("trial calls = %d, want 1", calls)
	}
	if got := pipeline.Breaker().State(); got != BreakerClosed {
		t.Errorf("breaker state = %v, want closed", got)
	}
}

func TestDoContextCanceledDuringBackoff(t *testing.T) {
	pipeline, clk := testPipeline(t, Policy{}, BreakerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pipeline.Do(ctx, "start-session", func(ctx context.Context) error {
			return &TransientError{Err: errors.New("boom")}
		})
	}()

	clk.WaitForTimers(1)
	cancel()

	err := testutil.RequireReceive(t, done, 5*time.Second, "Do result")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestDoCanceledContextReturnsWithoutBreakerFailure(t *testing.T) {
	pipeline, _ := testPipeline(t, Policy{}, BreakerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	err := pipeline.Do(ctx, "start-session", func(ctx context.Context) error {
		cancel()
		return &TransientError{Err: errors.New("interrupted mid-call")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := pipeline.Breaker().Failures(); got != 0 {
		t.Errorf("breaker failures = %d, want 0 for caller-side cancellation", got)
	}
}

func TestDelayEnvelope(t *testing.T) {
	pipeline, _ := testPipeline(t,
		Policy{MaxRetries: 6, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2},
		BreakerConfig{},
	)

	wants := []time.Duration{
		time.Second,      // after attempt 1
		2 * time.Second,  // after attempt 2
		4 * time.Second,  // after attempt 3
		8 * time.Second,  // after attempt 4
		10 * time.Second, // capped
	}
	for i, want := range wants {
		if got := pipeline.delay(i + 1); got != want {
			t.Errorf("delay(%d) = %s, want %s", i+1, got, want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	pipeline, _ := testPipeline(t,
		Policy{MaxRetries: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 2, JitterFactor: 0.5},
		BreakerConfig{},
	)

	for i := 0; i < 1000; i++ {
		got := pipeline.delay(1)
		if got < 5*time.Second || got > 15*time.Second {
			t.Fatalf("draw %d: delay %s outside 10s±50%%", i, got)
		}
	}
}
