// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package cadence

import (
	"math/rand"
	"sync"
	"time"
)

// Policy carries one provider's timing bands. The caller assembles it
// from the worker's provider policy.
type Policy struct {
	// Ceiling is the provider's hard per-session limit. No draw ever
	// exceeds it.
	Ceiling time.Duration

	// BandLow and BandHigh bound the randomized session duration,
	// strictly below the ceiling (10.5h to 11h under a 12h ceiling).
	// A band above the ceiling clamps to it.
	BandLow  time.Duration
	BandHigh time.Duration

	// StartJitter bounds the offset applied to start instants.
	StartJitter time.Duration

	// CooldownJitter bounds the offset applied to cooldown durations.
	CooldownJitter time.Duration
}

// Randomization is the timing plan for one session. Its values become
// the session's effective duration cap and scheduled stop instant.
type Randomization struct {
	// NominalDuration is the band top: the duration the session would
	// have without randomization.
	NominalDuration time.Duration

	// RandomizedDuration is the drawn session duration cap.
	RandomizedDuration time.Duration

	// Delta is RandomizedDuration minus NominalDuration, zero or
	// negative.
	Delta time.Duration

	// StartJitter is the offset from the earliest permitted start to
	// the planned start.
	StartJitter time.Duration

	// PlannedStart is the chosen start instant.
	PlannedStart time.Time

	// ActualStart is filled in by the lifecycle manager once
	// provisioning completes. Zero until then.
	ActualStart time.Time
}

// suggestAttempts bounds the SuggestStart walk. Each step advances at
// least one minute, so the walk always clears the low-traffic window
// given enough steps; past the window almost any instant is
// acceptable.
const suggestAttempts = 32

// Randomizer draws bounded random timing values. Safe for concurrent
// use. The zero value is not usable; construct with New.
type Randomizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Randomizer from a seed. Production seeds from the
// clock; tests pass a constant for reproducible sequences.
func New(seed int64) *Randomizer {
	return &Randomizer{rng: rand.New(rand.NewSource(seed))}
}

// Duration draws a session duration uniformly from the policy's band,
// clamped so it can never exceed the hard ceiling.
func (r *Randomizer) Duration(policy Policy) time.Duration {
	low, high := policy.BandLow, policy.BandHigh
	if high <= 0 || high > policy.Ceiling {
		high = policy.Ceiling
	}
	if low <= 0 || low > high {
		low = high
	}
	duration := r.durationBetween(low, high)
	if duration > policy.Ceiling {
		duration = policy.Ceiling
	}
	return duration
}

// JitterStart offsets a nominal start instant by a uniform draw in
// [-StartJitter, +StartJitter]. A zero jitter bound returns the
// nominal unchanged.
func (r *Randomizer) JitterStart(nominal time.Time, policy Policy) time.Time {
	if policy.StartJitter <= 0 {
		return nominal
	}
	return nominal.Add(r.offsetWithin(policy.StartJitter))
}

// JitterCooldown offsets a base cooldown by a uniform draw in
// [-CooldownJitter, +CooldownJitter]. The result never goes negative.
func (r *Randomizer) JitterCooldown(base time.Duration, policy Policy) time.Duration {
	if policy.CooldownJitter <= 0 || base <= 0 {
		return base
	}
	cooldown := base + r.offsetWithin(policy.CooldownJitter)
	if cooldown < 0 {
		cooldown = 0
	}
	return cooldown
}

// AcceptableStart reports whether an instant is an inconspicuous time
// to start a session, with the rejection reason when it is not.
// Rejected: the exact top of an hour, the exact half hour, and the
// low-traffic 02:00-05:59 UTC window where a starting session stands
// out.
func (r *Randomizer) AcceptableStart(candidate time.Time) (bool, string) {
	utc := candidate.UTC()
	if utc.Minute() == 0 && utc.Second() == 0 {
		return false, "exact top of hour"
	}
	if utc.Minute() == 30 && utc.Second() == 0 {
		return false, "exact half hour"
	}
	if hour := utc.Hour(); hour >= 2 && hour <= 5 {
		return false, "low-traffic hours (02:00-05:59 UTC)"
	}
	return true, ""
}

// SuggestStart advances a candidate start by random one-to-29-minute
// increments until AcceptableStart passes, up to a bounded attempt
// count. If the walk never finds an acceptable instant it returns the
// last candidate as a best effort.
func (r *Randomizer) SuggestStart(base time.Time, policy Policy) time.Time {
	candidate := base
	for attempt := 0; attempt < suggestAttempts; attempt++ {
		if ok, _ := r.AcceptableStart(candidate); ok {
			return candidate
		}
		candidate = candidate.Add(r.durationBetween(time.Minute, 29*time.Minute))
	}
	return candidate
}

// Plan draws a complete session randomization: a duration from the
// safe band and an acceptable start at or after earliest. The start
// jitter is drawn forward only, because a session cannot start before
// the demand that requested it.
func (r *Randomizer) Plan(earliest time.Time, policy Policy) Randomization {
	duration := r.Duration(policy)

	nominal := policy.BandHigh
	if nominal <= 0 || nominal > policy.Ceiling {
		nominal = policy.Ceiling
	}

	jittered := earliest
	if policy.StartJitter > 0 {
		jittered = earliest.Add(r.durationBetween(0, policy.StartJitter))
	}
	planned := r.SuggestStart(jittered, policy)

	return Randomization{
		NominalDuration:    nominal,
		RandomizedDuration: duration,
		Delta:              duration - nominal,
		StartJitter:        planned.Sub(earliest),
		PlannedStart:       planned,
	}
}

// durationBetween draws uniformly from [low, high]. Returns low when
// the interval is empty.
func (r *Randomizer) durationBetween(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return low + time.Duration(r.rng.Int63n(int64(high-low)+1))
}

// offsetWithin draws uniformly from [-bound, +bound].
func (r *Randomizer) offsetWithin(bound time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.rng.Int63n(2*int64(bound)+1)) - bound
}
