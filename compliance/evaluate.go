// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package compliance

import (
	"fmt"
	"time"

	"github.com/gleaner-foundation/gleaner/alert"
)

// Default threshold ratios. A limit's warning fires when utilization
// reaches 60% of the hard ceiling; the weekly critical fires at 87%,
// which for a 30 hour budget is just over 26 hours.
const (
	DefaultWarningRatio        = 0.60
	DefaultWeeklyCriticalRatio = 0.87
)

// Risk summarizes an assessment for status surfaces.
type Risk int

const (
	// RiskLow means no thresholds crossed.
	RiskLow Risk = iota

	// RiskModerate means exactly one warning.
	RiskModerate

	// RiskHigh means two or more warnings.
	RiskHigh

	// RiskCritical means at least one critical or violation alert.
	RiskCritical
)

var riskNames = map[Risk]string{
	RiskLow:      "low",
	RiskModerate: "moderate",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

// String returns the lowercase risk name.
func (r Risk) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Risk) MarshalText() ([]byte, error) {
	name, ok := riskNames[r]
	if !ok {
		return nil, fmt.Errorf("compliance: unknown risk %d", int(r))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Risk) UnmarshalText(data []byte) error {
	for risk, name := range riskNames {
		if name == string(data) {
			*r = risk
			return nil
		}
	}
	return fmt.Errorf("compliance: unknown risk %q", string(data))
}

// Limits carries one provider's ceilings and thresholds. The caller
// assembles it from the worker's policy; this package never loads
// policy itself.
type Limits struct {
	// SessionCeiling is the provider's hard per-session limit. Zero
	// disables session evaluation.
	SessionCeiling time.Duration

	// SessionSafeCap is the absolute bound sessions must stop at,
	// strictly below the ceiling. Crossing it is critical. Zero or a
	// value above the ceiling clamps to the ceiling.
	SessionSafeCap time.Duration

	// WeeklyCeiling is the provider's hard weekly budget. Zero
	// disables weekly evaluation.
	WeeklyCeiling time.Duration

	// SessionWarningRatio and WeeklyWarningRatio are the soft
	// thresholds. Zero means DefaultWarningRatio.
	SessionWarningRatio float64
	WeeklyWarningRatio  float64

	// WeeklyCriticalRatio is the weekly hard safety threshold. Zero
	// means DefaultWeeklyCriticalRatio.
	WeeklyCriticalRatio float64
}

// Usage is one reading of a worker's counters. The caller derives it
// from ledger state or an archived snapshot.
type Usage struct {
	// Worker identifies the worker the reading is about.
	Worker string

	// SessionActive reports whether a session is in progress.
	// SessionElapsed is meaningful only when true.
	SessionActive bool

	// SessionElapsed is the current session's elapsed time.
	SessionElapsed time.Duration

	// WeeklyUsed is the accumulated usage in the current 7-day
	// window, including the active session's elapsed time.
	WeeklyUsed time.Duration

	// CooldownRemaining is the time left in an active cooldown. Zero
	// or negative means no cooldown.
	CooldownRemaining time.Duration

	// StartAttempt marks the reading as a start decision. A start
	// during an active cooldown is a violation rather than an info.
	StartAttempt bool
}

// Assessment is the outcome of evaluating one usage reading.
type Assessment struct {
	// Compliant is true when no critical or violation alert fired.
	Compliant bool

	// Risk summarizes the alert set.
	Risk Risk

	// Alerts holds one alert per crossed threshold, highest severity
	// per metric. Empty when nothing crossed.
	Alerts []alert.Alert
}

// Evaluate checks a usage reading against limits at the given instant.
// The instant stamps the produced alerts; it never feeds threshold
// arithmetic, so replaying an old reading yields the alerts it would
// have yielded live.
//
// Per metric, utilization = current / hard ceiling:
//
//  1. Session (only while a session is active): warning at the soft
//     threshold, critical at the safe cap.
//  2. Weekly: warning at the soft threshold, critical at the hard
//     safety threshold.
//  3. Cooldown: info while active, violation if the reading is a
//     start attempt.
//
// Compliant = no critical, no violation.
func Evaluate(usage Usage, limits Limits, now time.Time) Assessment {
	var alerts []alert.Alert

	if usage.SessionActive && limits.SessionCeiling > 0 {
		safeCap := limits.SessionSafeCap
		if safeCap <= 0 || safeCap > limits.SessionCeiling {
			safeCap = limits.SessionCeiling
		}
		warningRatio := limits.SessionWarningRatio
		if warningRatio == 0 {
			warningRatio = DefaultWarningRatio
		}
		criticalRatio := safeCap.Seconds() / limits.SessionCeiling.Seconds()

		utilization := usage.SessionElapsed.Seconds() / limits.SessionCeiling.Seconds()
		switch {
		case utilization >= criticalRatio:
			alerts = append(alerts, alert.Alert{
				Worker:    usage.Worker,
				Severity:  alert.SeverityCritical,
				Metric:    alert.MetricSessionDuration,
				Current:   int64(usage.SessionElapsed.Seconds()),
				Limit:     int64(limits.SessionCeiling.Seconds()),
				Threshold: criticalRatio,
				Message: fmt.Sprintf("session elapsed %s reached the safe cap %s under a %s ceiling",
					usage.SessionElapsed, safeCap, limits.SessionCeiling),
				Timestamp: now,
			})
		case utilization >= warningRatio:
			alerts = append(alerts, alert.Alert{
				Worker:    usage.Worker,
				Severity:  alert.SeverityWarning,
				Metric:    alert.MetricSessionDuration,
				Current:   int64(usage.SessionElapsed.Seconds()),
				Limit:     int64(limits.SessionCeiling.Seconds()),
				Threshold: warningRatio,
				Message: fmt.Sprintf("session elapsed %s crossed %.0f%% of the %s ceiling",
					usage.SessionElapsed, warningRatio*100, limits.SessionCeiling),
				Timestamp: now,
			})
		}
	}

	if limits.WeeklyCeiling > 0 {
		warningRatio := limits.WeeklyWarningRatio
		if warningRatio == 0 {
			warningRatio = DefaultWarningRatio
		}
		criticalRatio := limits.WeeklyCriticalRatio
		if criticalRatio == 0 {
			criticalRatio = DefaultWeeklyCriticalRatio
		}

		utilization := usage.WeeklyUsed.Seconds() / limits.WeeklyCeiling.Seconds()
		switch {
		case utilization >= criticalRatio:
			alerts = append(alerts, alert.Alert{
				Worker:    usage.Worker,
				Severity:  alert.SeverityCritical,
				Metric:    alert.MetricWeeklyUsage,
				Current:   int64(usage.WeeklyUsed.Seconds()),
				Limit:     int64(limits.WeeklyCeiling.Seconds()),
				Threshold: criticalRatio,
				Message: fmt.Sprintf("weekly usage %s crossed %.0f%% of the %s budget",
					usage.WeeklyUsed, criticalRatio*100, limits.WeeklyCeiling),
				Timestamp: now,
			})
		case utilization >= warningRatio:
			alerts = append(alerts, alert.Alert{
				Worker:    usage.Worker,
				Severity:  alert.SeverityWarning,
				Metric:    alert.MetricWeeklyUsage,
				Current:   int64(usage.WeeklyUsed.Seconds()),
				Limit:     int64(limits.WeeklyCeiling.Seconds()),
				Threshold: warningRatio,
				Message: fmt.Sprintf("weekly usage %s crossed %.0f%% of the %s budget",
					usage.WeeklyUsed, warningRatio*100, limits.WeeklyCeiling),
				Timestamp: now,
			})
		}
	}

	if usage.CooldownRemaining > 0 {
		if usage.StartAttempt {
			alerts = append(alerts, alert.Alert{
				Worker:   usage.Worker,
				Severity: alert.SeverityViolation,
				Metric:   alert.MetricCooldown,
				Current:  int64(usage.CooldownRemaining.Seconds()),
				Message: fmt.Sprintf("start attempted with %s remaining in cooldown",
					usage.CooldownRemaining),
				Timestamp: now,
			})
		} else {
			alerts = append(alerts, alert.Alert{
				Worker:   usage.Worker,
				Severity: alert.SeverityInfo,
				Metric:   alert.MetricCooldown,
				Current:  int64(usage.CooldownRemaining.Seconds()),
				Message: fmt.Sprintf("cooldown active for another %s",
					usage.CooldownRemaining),
				Timestamp: now,
			})
		}
	}

	return Assessment{
		Compliant: !hasSeverity(alerts, alert.SeverityCritical),
		Risk:      riskOf(alerts),
		Alerts:    alerts,
	}
}

// hasSeverity reports whether any alert is at or above the given
// severity.
func hasSeverity(alerts []alert.Alert, severity alert.Severity) bool {
	for _, a := range alerts {
		if a.Severity >= severity {
			return true
		}
	}
	return false
}

// riskOf maps an alert set to a risk level: critical if anything
// critical or worse fired, high at two or more warnings, moderate at
// exactly one warning, low otherwise.
func riskOf(alerts []alert.Alert) Risk {
	warnings := 0
	for _, a := range alerts {
		switch {
		case a.Severity >= alert.SeverityCritical:
			return RiskCritical
		case a.Severity == alert.SeverityWarning:
			warnings++
		}
	}
	switch {
	case warnings >= 2:
		return RiskHigh
	case warnings == 1:
		return RiskModerate
	default:
		return RiskLow
	}
}
