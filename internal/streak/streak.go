// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package streak computes consecutive-day send streaks.
//
// A streak counts consecutive local calendar days with at least one
// successful send. All arithmetic happens on calendar dates in the user's
// timezone as resolved at send time, never on raw instants, so a user in
// Tokyo who is sent mail at 23:50 and 00:10 local time gets two streak
// days even though the sends are twenty minutes apart.
package streak

import "time"

// Compute returns the new streak value for a send happening at nowUTC given
// the previous successful send at lastSentUTC and the current streak.
//
// Rules:
//   - lastSentUTC nil: first-ever send, streak is 1.
//   - same local calendar day: streak unchanged (but never below 1).
//   - exactly one day later: streak + 1.
//   - two or more days later, or a negative gap from clock skew: reset to 1.
//
// tz is the IANA timezone resolved at send time. An unknown identifier
// falls back to UTC; this function never fails. No side effects, no I/O.
func Compute(lastSentUTC *time.Time, nowUTC time.Time, tz string, current int) int {
	if lastSentUTC == nil {
		return 1
	}

	loc := loadLocation(tz)

	last := dateOf(lastSentUTC.In(loc))
	now := dateOf(nowUTC.In(loc))

	daysDiff := int(now.Sub(last).Hours() / 24)

	switch {
	case daysDiff == 0:
		if current < 1 {
			return 1
		}
		return current
	case daysDiff == 1:
		return current + 1
	default:
		// Gap of two or more days, or a negative gap.
		return 1
	}
}

// loadLocation resolves tz, falling back to UTC on any error.
func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// dateOf truncates t to midnight of its calendar day, pinned to UTC so the
// day difference is an exact multiple of 24h regardless of DST in t's zone.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
