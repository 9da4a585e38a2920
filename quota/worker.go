// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"fmt"
	"time"
)

// WeekLength is the rolling window the weekly counter resets over.
const WeekLength = 7 * 24 * time.Hour

// Class is the quota shape a provider enforces.
type Class int

const (
	// ClassOnDemandWeekly providers meter a rolling weekly allowance.
	// Sessions may start whenever budget remains; there is no cooldown
	// between them.
	ClassOnDemandWeekly Class = iota

	// ClassFixedScheduleCooldown providers bound the length of a single
	// session and impose a cooldown before the next one.
	ClassFixedScheduleCooldown
)

var classNames = map[Class]string{
	ClassOnDemandWeekly:        "on-demand-weekly",
	ClassFixedScheduleCooldown: "fixed-schedule-cooldown",
}

// String returns the class name.
func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) {
	name, ok := classNames[c]
	if !ok {
		return nil, fmt.Errorf("quota: unknown class %d", int(c))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Class) UnmarshalText(data []byte) error {
	parsed, err := ParseClass(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClass converts a class name to its Class value.
func ParseClass(name string) (Class, error) {
	for class, classname := range classNames {
		if classname == name {
			return class, nil
		}
	}
	return 0, fmt.Errorf("quota: unknown class %q", name)
}

// Status is a worker's provisioning state.
type Status int

const (
	// StatusPending is a freshly registered worker with no session yet.
	StatusPending Status = iota

	// StatusProvisioning means a session start is in flight.
	StatusProvisioning

	// StatusOnline means a session is running.
	StatusOnline

	// StatusOffline means no session: between sessions, in cooldown,
	// or retired.
	StatusOffline

	// StatusError means the last operation on the worker failed, or
	// its account credentials are no longer accepted.
	StatusError
)

var statusNames = map[Status]string{
	StatusPending:      "pending",
	StatusProvisioning: "provisioning",
	StatusOnline:       "online",
	StatusOffline:      "offline",
	StatusError:        "error",
}

// String returns the status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("quota: unknown status %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(data []byte) error {
	parsed, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a status name to its Status value.
func ParseStatus(name string) (Status, error) {
	for status, statusName := range statusNames {
		if statusName == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("quota: unknown status %q", name)
}

// Worker is one tracked compute backend instance: a provider account's
// presence on one provider. Workers are created by Register, mutated
// only through Ledger operations, and marked offline rather than
// deleted when retired.
//
// Session duration is never stored. While a session is active it is
// derived as now minus SessionStartedAt, which makes it convergent
// under duplicated or missed heartbeats.
type Worker struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Account  string `json:"account"`
	Class    Class  `json:"class"`
	Status   Status `json:"status"`

	// SessionID identifies the current session. Assigned by
	// StartSession, cleared when the session ends.
	SessionID string `json:"session_id,omitempty"`

	// ProviderSessionID is the provisioning agent's handle for the
	// running session, needed to stop it. Empty until activation, and
	// for sessions adopted from a scrape.
	ProviderSessionID string `json:"provider_session_id,omitempty"`

	// SessionStartedAt is when the current session began. Zero when no
	// session is active.
	SessionStartedAt time.Time `json:"session_started_at"`

	// ScheduledStopAt is the randomized planned stop instant for the
	// current session. Zero until activation.
	ScheduledStopAt time.Time `json:"scheduled_stop_at"`

	// SessionCap is the current session's effective duration bound:
	// the randomized draw clamped to the hard safety cap.
	SessionCap time.Duration `json:"session_cap,omitempty"`

	// WeeklyUsage accumulates folded session time inside the current
	// 7-day window. Non-decreasing between resets.
	WeeklyUsage time.Duration `json:"weekly_usage"`

	// WeekStartedAt anchors the current 7-day window.
	WeekStartedAt time.Time `json:"week_started_at"`

	// CooldownUntil is when the provider-imposed cooldown ends. Zero
	// when no cooldown applies.
	CooldownUntil time.Time `json:"cooldown_until"`

	// MaxSessionDuration and MaxWeekly are the provider's hard
	// ceilings, copied from the policy at registration.
	MaxSessionDuration time.Duration `json:"max_session_duration"`
	MaxWeekly          time.Duration `json:"max_weekly"`

	// AuthValid is cleared when every provider scrape for the account
	// fails, forcing external re-authentication.
	AuthValid bool `json:"auth_valid"`

	// LastError is the most recent classified failure, for status
	// surfaces.
	LastError string `json:"last_error,omitempty"`
}

// WorkerID builds the canonical worker identifier for a provider
// account pair.
func WorkerID(provider, account string) string {
	return provider + "-" + account
}

// SessionActive reports whether a session is in progress, including
// one still being provisioned.
func (w *Worker) SessionActive() bool {
	return !w.SessionStartedAt.IsZero()
}

// SessionElapsed returns the active session's elapsed time at the
// given instant, or zero when no session is active.
func (w *Worker) SessionElapsed(now time.Time) time.Duration {
	if !w.SessionActive() {
		return 0
	}
	elapsed := now.Sub(w.SessionStartedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// InCooldown reports whether the worker's cooldown is still running.
func (w *Worker) InCooldown(now time.Time) bool {
	return w.CooldownRemaining(now) > 0
}

// CooldownRemaining returns the time left in the cooldown, or zero
// when none applies.
func (w *Worker) CooldownRemaining(now time.Time) time.Duration {
	if w.CooldownUntil.IsZero() {
		return 0
	}
	remaining := w.CooldownUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
