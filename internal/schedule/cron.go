// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package schedule maintains per-user recurring send triggers.
//
// cron.go - 5-field cron expressions
//
// Triggers are stored as standard 5-field cron expressions
// (minute hour day-of-month month day-of-week) evaluated in the user's
// stored timezone. Field sets are bitmasks, so matching a minute is five
// bit tests.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldSet is a bitmask over the values of one cron field (max value 63).
type fieldSet uint64

func (s fieldSet) has(v int) bool { return s&(1<<uint(v)) != 0 }

func (s *fieldSet) add(v int) { *s |= 1 << uint(v) }

// full returns a set containing every value in [minVal, maxVal].
func full(minVal, maxVal int) fieldSet {
	var s fieldSet
	for v := minVal; v <= maxVal; v++ {
		s.add(v)
	}
	return s
}

// Expression is a parsed 5-field cron expression.
type Expression struct {
	minutes     fieldSet // 0-59
	hours       fieldSet // 0-23
	daysOfMonth fieldSet // 1-31
	months      fieldSet // 1-12
	daysOfWeek  fieldSet // 0-6, 0 = Sunday

	// Wildcard flags drive the standard day-of-month/day-of-week OR rule.
	domWildcard bool
	dowWildcard bool

	// Spec is the original expression text, kept for logging.
	Spec string
}

// Parse parses a standard 5-field cron expression.
//
// Supported syntax per field: * | n | n-m | n,m,o | */s | n-m/s.
// Day-of-week accepts 0-7 with 7 normalized to Sunday (0). When both
// day-of-month and day-of-week are restricted, either matching suffices
// (standard cron behavior).
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	e := &Expression{Spec: expr}
	var err error

	if e.minutes, err = parseField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}
	if e.hours, err = parseField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}
	if e.daysOfMonth, err = parseField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}
	if e.months, err = parseField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	// Normalize day 7 (Sunday) to day 0.
	if dow.has(7) {
		dow &^= 1 << 7
		dow.add(0)
	}
	e.daysOfWeek = dow

	e.domWildcard = fields[2] == "*"
	e.dowWildcard = fields[4] == "*"

	return e, nil
}

// Matches reports whether t (already in the trigger's timezone) matches
// the expression at minute granularity.
func (e *Expression) Matches(t time.Time) bool {
	if !e.minutes.has(t.Minute()) || !e.hours.has(t.Hour()) || !e.months.has(int(t.Month())) {
		return false
	}

	domMatch := e.daysOfMonth.has(t.Day())
	dowMatch := e.daysOfWeek.has(int(t.Weekday()))

	switch {
	case e.domWildcard && e.dowWildcard:
		return true
	case e.domWildcard:
		return dowMatch
	case e.dowWildcard:
		return domMatch
	default:
		// Both restricted: either must match.
		return domMatch || dowMatch
	}
}

// Next returns the first time strictly after `after` that matches the
// expression, evaluated in loc (UTC when nil). Returns the zero time if no
// match exists within four years, which only happens for impossible
// combinations such as "0 0 31 2 *".
func (e *Expression) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Add(time.Minute).Truncate(time.Minute)

	// Four years in minutes bounds the scan.
	const maxIterations = 4 * 366 * 24 * 60
	for i := 0; i < maxIterations; i++ {
		if e.Matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// parseField parses one cron field into its value set.
func parseField(field string, minVal, maxVal int) (fieldSet, error) {
	if field == "*" {
		return full(minVal, maxVal), nil
	}

	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		s, err := parseFieldPart(part, minVal, maxVal)
		if err != nil {
			return 0, err
		}
		set |= s
	}
	return set, nil
}

// parseFieldPart parses one comma-separated part of a cron field.
func parseFieldPart(part string, minVal, maxVal int) (fieldSet, error) {
	step := 1
	if slash := strings.IndexByte(part, '/'); slash >= 0 {
		s, err := strconv.Atoi(part[slash+1:])
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("invalid step value: %s", part[slash+1:])
		}
		step = s
		part = part[:slash]
	}

	start, end := minVal, maxVal
	switch {
	case part == "*":
		// Full range.
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		var err error
		if start, err = strconv.Atoi(bounds[0]); err != nil {
			return 0, fmt.Errorf("invalid range start: %s", bounds[0])
		}
		if end, err = strconv.Atoi(bounds[1]); err != nil {
			return 0, fmt.Errorf("invalid range end: %s", bounds[1])
		}
		if start > end {
			return 0, fmt.Errorf("invalid range: %s", part)
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid value: %s", part)
		}
		start = v
		if step == 1 {
			end = v
		}
		// A bare value with a step ("5/10") ranges to the field maximum.
	}

	if start < minVal || end > maxVal {
		return 0, fmt.Errorf("value out of range: %s (allowed %d-%d)", part, minVal, maxVal)
	}

	var set fieldSet
	for v := start; v <= end; v += step {
		set.add(v)
	}
	return set, nil
}
