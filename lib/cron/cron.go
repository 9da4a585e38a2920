// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Create one with Parse, then
// call Next to compute upcoming occurrences.
type Schedule struct {
	minutes     fieldSet
	hours       fieldSet
	daysOfMonth fieldSet
	months      fieldSet
	daysOfWeek  fieldSet
}

// fieldSet holds one field's allowed values, sorted ascending and
// deduplicated.
type fieldSet struct {
	values []int
}

func (f fieldSet) has(value int) bool {
	i := sort.SearchInts(f.values, value)
	return i < len(f.values) && f.values[i] == value
}

// from returns the smallest allowed value >= v. ok is false when every
// allowed value is below v.
func (f fieldSet) from(v int) (int, bool) {
	i := sort.SearchInts(f.values, v)
	if i == len(f.values) {
		return 0, false
	}
	return f.values[i], true
}

// Parse parses a standard 5-field cron expression (minute, hour,
// day-of-month, month, day-of-week).
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	var schedule Schedule
	for _, spec := range []struct {
		name     string
		target   *fieldSet
		min, max int
	}{
		{"minute", &schedule.minutes, 0, 59},
		{"hour", &schedule.hours, 0, 23},
		{"day-of-month", &schedule.daysOfMonth, 1, 31},
		{"month", &schedule.months, 1, 12},
		{"day-of-week", &schedule.daysOfWeek, 0, 6},
	} {
		set, err := parseField(fields[0], spec.min, spec.max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		*spec.target = set
		fields = fields[1:]
	}
	return schedule, nil
}

// Next returns the earliest time strictly after t that matches the
// schedule. All computation is in UTC.
//
// Returns an error when no match exists within 4 years of t, which
// bounds the search for impossible schedules like Feb 31.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	cursor := t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := cursor.AddDate(4, 0, 0)

	for cursor.Before(limit) {
		day, ok := s.nextDay(cursor)
		if !ok {
			// No valid day left this month.
			cursor = startOfMonth(cursor).AddDate(0, 1, 0)
			continue
		}
		if day != cursor.Day() {
			cursor = time.Date(cursor.Year(), cursor.Month(), day, 0, 0, 0, 0, time.UTC)
		}

		hour, ok := s.hours.from(cursor.Hour())
		if !ok {
			cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			continue
		}
		if hour != cursor.Hour() {
			cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day(), hour, 0, 0, 0, time.UTC)
		}

		minute, ok := s.minutes.from(cursor.Minute())
		if !ok {
			cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day(), cursor.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
			continue
		}
		return time.Date(cursor.Year(), cursor.Month(), cursor.Day(), cursor.Hour(), minute, 0, 0, time.UTC), nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.UTC().Format(time.RFC3339))
}

// nextDay finds the first day at or after cursor's day, within
// cursor's month, that satisfies the month, day-of-month, and
// day-of-week constraints. Both day fields must match; a wildcard
// parses to the full value range, so an unrestricted field never
// excludes anything.
func (s Schedule) nextDay(cursor time.Time) (int, bool) {
	if !s.months.has(int(cursor.Month())) {
		return 0, false
	}
	lastDay := startOfMonth(cursor).AddDate(0, 1, -1).Day()
	for day := cursor.Day(); day <= lastDay; day++ {
		if !s.daysOfMonth.has(day) {
			continue
		}
		weekday := time.Date(cursor.Year(), cursor.Month(), day, 0, 0, 0, 0, time.UTC).Weekday()
		if s.daysOfWeek.has(int(weekday)) {
			return day, true
		}
	}
	return 0, false
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// parseField parses one cron field: comma-separated terms, each a
// wildcard, value, range, or stepped range/wildcard.
func parseField(field string, minimum, maximum int) (fieldSet, error) {
	seen := make(map[int]bool)
	for _, term := range strings.Split(field, ",") {
		if err := expandTerm(term, minimum, maximum, seen); err != nil {
			return fieldSet{}, err
		}
	}
	if len(seen) == 0 {
		return fieldSet{}, fmt.Errorf("field %q produces empty set", field)
	}
	values := make([]int, 0, len(seen))
	for value := range seen {
		values = append(values, value)
	}
	sort.Ints(values)
	return fieldSet{values: values}, nil
}

// expandTerm adds the values of a single term (*, */N, V, V-V, V-V/N)
// to seen.
func expandTerm(term string, minimum, maximum int, seen map[int]bool) error {
	base, stepText, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(stepText)
		if err != nil {
			return fmt.Errorf("invalid step %q: %w", stepText, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	start, end := minimum, maximum
	if base != "*" {
		startText, endText, isRange := strings.Cut(base, "-")
		value, err := strconv.Atoi(startText)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", startText, err)
		}
		start, end = value, value
		if isRange {
			end, err = strconv.Atoi(endText)
			if err != nil {
				return fmt.Errorf("invalid range end %q: %w", endText, err)
			}
			if start > end {
				return fmt.Errorf("range start %d > end %d", start, end)
			}
		}
	}
	if start < minimum || end > maximum {
		return fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, start, end)
	}

	for value := start; value <= end; value += step {
		seen[value] = true
	}
	return nil
}
