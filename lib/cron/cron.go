// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses standard 5-field cron expressions (minute, hour,
// day-of-month, month, day-of-week) and computes the next occurrence
// after a given time. Fields support single values, ranges (1-5),
// lists (1,3,5), steps (*/15, 1-30/5), and the * wildcard. All times
// are UTC. QueryLedger uses this for scheduled fetch cycles.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldRange describes the legal values of one cron field.
type fieldRange struct {
	name string
	min  int
	max  int
}

var fieldRanges = [5]fieldRange{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// valueSet is a set of small integers backed by a uint64 bitmap.
type valueSet uint64

func (s valueSet) contains(v int) bool { return s&(1<<uint(v)) != 0 }
func (s *valueSet) add(v int)          { *s |= 1 << uint(v) }

// Schedule is a parsed cron expression. The zero value matches
// nothing; construct with Parse.
type Schedule struct {
	fields [5]valueSet
}

// Parse parses a 5-field cron expression. Returns an error for
// malformed syntax or out-of-range values.
func Parse(expression string) (Schedule, error) {
	parts := strings.Fields(expression)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(parts))
	}

	var schedule Schedule
	for i, part := range parts {
		set, err := parseField(part, fieldRanges[i])
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", fieldRanges[i].name, err)
		}
		schedule.fields[i] = set
	}
	return schedule, nil
}

// Next returns the earliest time strictly after t matching the
// schedule, in UTC. Returns an error if nothing matches within 4
// years (impossible schedules like Feb 31).
func (s Schedule) Next(t time.Time) (time.Time, error) {
	minutes, hours, daysOfMonth, months, daysOfWeek :=
		s.fields[0], s.fields[1], s.fields[2], s.fields[3], s.fields[4]

	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !months.contains(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		// A wildcard field has every bit set, so checking both day
		// constraints with AND gives standard cron behavior for the
		// wildcard cases.
		if !daysOfMonth.contains(t.Day()) || !daysOfWeek.contains(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !hours.contains(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !minutes.contains(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// parseField parses one comma-separated field into a value set.
func parseField(field string, bounds fieldRange) (valueSet, error) {
	var set valueSet
	for _, term := range strings.Split(field, ",") {
		if err := parseTerm(term, bounds, &set); err != nil {
			return 0, err
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return set, nil
}

// parseTerm parses a single term (*, */N, V, V-V, V-V/N) into set.
func parseTerm(term string, bounds fieldRange, set *valueSet) error {
	body, stepText, hasStep := strings.Cut(term, "/")

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

	start, end := bounds.min, bounds.max
	switch {
	case body == "*":
		// Full range.
	case strings.Contains(body, "-"):
		startText, endText, _ := strings.Cut(body, "-")
		var err error
		if start, err = strconv.Atoi(startText); err != nil {
			return fmt.Errorf("invalid range start %q: %w", startText, err)
		}
		if end, err = strconv.Atoi(endText); err != nil {
			return fmt.Errorf("invalid range end %q: %w", endText, err)
		}
		if start > end {
			return fmt.Errorf("range start %d > end %d", start, end)
		}
	default:
		value, err := strconv.Atoi(body)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", body, err)
		}
		start, end = value, value
	}

	if start < bounds.min || end > bounds.max {
		return fmt.Errorf("value out of range [%d-%d]: got %d-%d", bounds.min, bounds.max, start, end)
	}

	for v := start; v <= end; v += step {
		set.add(v)
	}
	return nil
}
