// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/gleaner-foundation/gleaner/cadence"
	"github.com/gleaner-foundation/gleaner/compliance"
)

// Policy is one provider's quota rules: the hard ceilings the provider
// enforces, the safe margins sessions must stay inside, and the
// randomization bounds that keep session timing from looking
// mechanical.
type Policy struct {
	// Provider is the provider name ("kaggle", "colab").
	Provider string

	// Class selects weekly-budget or cooldown semantics.
	Class Class

	// MaxSessionDuration is the provider's hard per-session ceiling.
	MaxSessionDuration time.Duration

	// SessionSafeCap is the absolute bound sessions stop at, strictly
	// below the ceiling.
	SessionSafeCap time.Duration

	// MaxWeekly is the provider's hard weekly budget. Zero for
	// cooldown-class providers.
	MaxWeekly time.Duration

	// CooldownBase is the nominal cooldown after a session ends. Zero
	// for weekly-class providers.
	CooldownBase time.Duration

	// BandLow and BandHigh bound the randomized session duration draw.
	BandLow  time.Duration
	BandHigh time.Duration

	// StartJitter and CooldownJitter bound the random offsets applied
	// to session starts and cooldown lengths.
	StartJitter    time.Duration
	CooldownJitter time.Duration

	// Threshold ratios. Zero falls back to the compliance package
	// defaults.
	SessionWarningRatio float64
	WeeklyWarningRatio  float64
	WeeklyCriticalRatio float64
}

// Validate checks the policy for contradictions.
func (p Policy) Validate() error {
	var errs []error

	if p.Provider == "" {
		errs = append(errs, fmt.Errorf("provider name is required"))
	}
	if p.MaxSessionDuration <= 0 {
		errs = append(errs, fmt.Errorf("max session duration must be positive"))
	}
	if p.SessionSafeCap <= 0 || p.SessionSafeCap > p.MaxSessionDuration {
		errs = append(errs, fmt.Errorf("session safe cap must be positive and at most the session ceiling"))
	}
	switch p.Class {
	case ClassOnDemandWeekly:
		if p.MaxWeekly <= 0 {
			errs = append(errs, fmt.Errorf("weekly-class provider needs a positive weekly budget"))
		}
	case ClassFixedScheduleCooldown:
		if p.CooldownBase <= 0 {
			errs = append(errs, fmt.Errorf("cooldown-class provider needs a positive cooldown base"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown class %d", int(p.Class)))
	}
	if p.BandLow < 0 || p.BandHigh < 0 || p.BandLow > p.BandHigh {
		errs = append(errs, fmt.Errorf("duration band is inverted"))
	}
	if p.BandHigh > p.MaxSessionDuration {
		errs = append(errs, fmt.Errorf("duration band exceeds the session ceiling"))
	}
	if p.StartJitter < 0 || p.CooldownJitter < 0 {
		errs = append(errs, fmt.Errorf("jitter bounds must not be negative"))
	}
	for _, ratio := range []float64{p.SessionWarningRatio, p.WeeklyWarningRatio, p.WeeklyCriticalRatio} {
		if ratio < 0 || ratio > 1 {
			errs = append(errs, fmt.Errorf("threshold ratios must be in [0, 1]"))
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("quota: policy %q: %w", p.Provider, errors.Join(errs...))
	}
	return nil
}

// Limits maps the policy onto the compliance evaluator's inputs.
func (p Policy) Limits() compliance.Limits {
	return compliance.Limits{
		SessionCeiling:      p.MaxSessionDuration,
		SessionSafeCap:      p.SessionSafeCap,
		WeeklyCeiling:       p.MaxWeekly,
		SessionWarningRatio: p.SessionWarningRatio,
		WeeklyWarningRatio:  p.WeeklyWarningRatio,
		WeeklyCriticalRatio: p.WeeklyCriticalRatio,
	}
}

// Cadence maps the policy onto the randomizer's inputs.
func (p Policy) Cadence() cadence.Policy {
	return cadence.Policy{
		Ceiling:        p.MaxSessionDuration,
		BandLow:        p.BandLow,
		BandHigh:       p.BandHigh,
		StartJitter:    p.StartJitter,
		CooldownJitter: p.CooldownJitter,
	}
}

// DefaultPolicies returns the built-in provider policies, used when no
// policy file is configured. Kaggle meters a 30 hour weekly GPU budget
// with 12 hour sessions; Colab bounds single sessions at 12 hours with
// a roughly 36 hour cooldown between them.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"kaggle": {
			Provider:            "kaggle",
			Class:               ClassOnDemandWeekly,
			MaxSessionDuration:  12 * time.Hour,
			SessionSafeCap:      11 * time.Hour,
			MaxWeekly:           30 * time.Hour,
			BandLow:             10*time.Hour + 30*time.Minute,
			BandHigh:            11 * time.Hour,
			StartJitter:         20 * time.Minute,
			WeeklyCriticalRatio: 0.87,
		},
		"colab": {
			Provider:           "colab",
			Class:              ClassFixedScheduleCooldown,
			MaxSessionDuration: 12 * time.Hour,
			SessionSafeCap:     11 * time.Hour,
			CooldownBase:       36 * time.Hour,
			BandLow:            10*time.Hour + 30*time.Minute,
			BandHigh:           11 * time.Hour,
			StartJitter:        20 * time.Minute,
			CooldownJitter:     4 * time.Hour,
		},
	}
}

// policyFile is the on-disk shape of the provider policy file: JSONC
// (JSON with comments and trailing commas), durations in seconds to
// match the provider dashboards they are read from.
type policyFile struct {
	Providers []policyEntry `json:"providers"`
}

type policyEntry struct {
	Name                  string  `json:"name"`
	Class                 string  `json:"class"`
	MaxSessionSeconds     int64   `json:"max_session_seconds"`
	SessionSafeCapSeconds int64   `json:"session_safe_cap_seconds"`
	MaxWeeklySeconds      int64   `json:"max_weekly_seconds"`
	CooldownSeconds       int64   `json:"cooldown_seconds"`
	BandLowSeconds        int64   `json:"band_low_seconds"`
	BandHighSeconds       int64   `json:"band_high_seconds"`
	StartJitterSeconds    int64   `json:"start_jitter_seconds"`
	CooldownJitterSeconds int64   `json:"cooldown_jitter_seconds"`
	SessionWarningRatio   float64 `json:"session_warning_ratio"`
	WeeklyWarningRatio    float64 `json:"weekly_warning_ratio"`
	WeeklyCriticalRatio   float64 `json:"weekly_critical_ratio"`
}

// ParsePolicies strips JSONC comments and trailing commas from data,
// then unmarshals and validates the provider policies. Unknown fields
// are rejected so a typo in a threshold name cannot silently weaken a
// limit.
func ParsePolicies(data []byte) (map[string]Policy, error) {
	stripped := jsonc.ToJSON(data)

	decoder := json.NewDecoder(bytes.NewReader(stripped))
	decoder.DisallowUnknownFields()

	var file policyFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("quota: parsing policy file: %w", err)
	}
	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("quota: policy file declares no providers")
	}

	policies := make(map[string]Policy, len(file.Providers))
	for _, entry := range file.Providers {
		class, err := ParseClass(entry.Class)
		if err != nil {
			return nil, fmt.Errorf("quota: provider %q: %w", entry.Name, err)
		}
		policy := Policy{
			Provider:            entry.Name,
			Class:               class,
			MaxSessionDuration:  time.Duration(entry.MaxSessionSeconds) * time.Second,
			SessionSafeCap:      time.Duration(entry.SessionSafeCapSeconds) * time.Second,
			MaxWeekly:           time.Duration(entry.MaxWeeklySeconds) * time.Second,
			CooldownBase:        time.Duration(entry.CooldownSeconds) * time.Second,
			BandLow:             time.Duration(entry.BandLowSeconds) * time.Second,
			BandHigh:            time.Duration(entry.BandHighSeconds) * time.Second,
			StartJitter:         time.Duration(entry.StartJitterSeconds) * time.Second,
			CooldownJitter:      time.Duration(entry.CooldownJitterSeconds) * time.Second,
			SessionWarningRatio: entry.SessionWarningRatio,
			WeeklyWarningRatio:  entry.WeeklyWarningRatio,
			WeeklyCriticalRatio: entry.WeeklyCriticalRatio,
		}
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		if _, exists := policies[entry.Name]; exists {
			return nil, fmt.Errorf("quota: provider %q declared twice", entry.Name)
		}
		policies[entry.Name] = policy
	}
	return policies, nil
}

// LoadPolicies reads and parses a JSONC provider policy file.
func LoadPolicies(path string) (map[string]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("quota: reading policy file: %w", err)
	}
	policies, err := ParsePolicies(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return policies, nil
}
