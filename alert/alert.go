// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package alert

import (
	"fmt"
	"time"
)

// Severity classifies how urgent an alert is. Severities are ordered:
// a later constant is strictly more severe than an earlier one.
type Severity int

const (
	// SeverityInfo is advisory. Normal operation, nothing to act on
	// (an active cooldown, a scheduled stop approaching).
	SeverityInfo Severity = iota

	// SeverityWarning means usage crossed a soft threshold. The worker
	// is still compliant but headroom is shrinking.
	SeverityWarning

	// SeverityCritical means usage crossed the hard safety threshold.
	// The lifecycle manager stops the session.
	SeverityCritical

	// SeverityViolation means an operation was attempted that policy
	// forbids outright (a start during an active cooldown).
	SeverityViolation
)

var severityNames = map[Severity]string{
	SeverityInfo:      "info",
	SeverityWarning:   "warning",
	SeverityCritical:  "critical",
	SeverityViolation: "violation",
}

// String returns the lowercase severity name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler so severities
// serialize as their names in JSON and CBOR.
func (s Severity) MarshalText() ([]byte, error) {
	name, ok := severityNames[s]
	if !ok {
		return nil, fmt.Errorf("alert: unknown severity %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(data []byte) error {
	parsed, err := ParseSeverity(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity name to its Severity value.
func ParseSeverity(name string) (Severity, error) {
	for severity, candidate := range severityNames {
		if candidate == name {
			return severity, nil
		}
	}
	return 0, fmt.Errorf("alert: unknown severity %q", name)
}

// Metric identifies which usage dimension an alert is about.
type Metric int

const (
	// MetricSessionDuration tracks the elapsed time of the current
	// session against the per-session ceiling.
	MetricSessionDuration Metric = iota

	// MetricWeeklyUsage tracks accumulated usage within the rolling
	// 7-day window against the weekly ceiling.
	MetricWeeklyUsage

	// MetricCooldown tracks an active post-session cooldown.
	MetricCooldown
)

var metricNames = map[Metric]string{
	MetricSessionDuration: "session_duration",
	MetricWeeklyUsage:     "weekly_usage",
	MetricCooldown:        "cooldown",
}

// String returns the snake_case metric name.
func (m Metric) String() string {
	if name, ok := metricNames[m]; ok {
		return name
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Metric) MarshalText() ([]byte, error) {
	name, ok := metricNames[m]
	if !ok {
		return nil, fmt.Errorf("alert: unknown metric %d", int(m))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Metric) UnmarshalText(data []byte) error {
	for metric, name := range metricNames {
		if name == string(data) {
			*m = metric
			return nil
		}
	}
	return fmt.Errorf("alert: unknown metric %q", string(data))
}

// Alert is one compliance observation about one worker. Produced by
// the compliance monitor, delivered through sinks, and retained in
// the in-memory history ring.
//
// Current and Limit are seconds of usage for duration metrics, and
// seconds remaining for MetricCooldown. Threshold is the utilization
// ratio that was crossed (0.60 for a default warning), zero when the
// alert is not threshold-driven.
type Alert struct {
	Worker    string    `json:"worker"`
	Severity  Severity  `json:"severity"`
	Metric    Metric    `json:"metric"`
	Current   int64     `json:"current_seconds"`
	Limit     int64     `json:"limit_seconds"`
	Threshold float64   `json:"threshold,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
