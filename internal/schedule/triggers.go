// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// triggers.go - schedule state to cron trigger translation
//
// Each configured send time becomes one cron expression restricted by the
// frequency class. Interval frequency cannot be expressed in cron (cron has
// no "every N days" anchored to a last-send date), so interval schedules
// compile to daily triggers plus an IntervalDays guard the scheduler applies
// at fire time against the user's last successful send.

package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/embermail/ember/internal/models"
)

// Trigger is one compiled firing rule for a scheduled job.
type Trigger struct {
	Expr     *Expression
	Location *time.Location

	// IntervalDays, when positive, gates firing on at least that many
	// local calendar days having passed since the last successful send.
	IntervalDays int
}

// TriggersFor compiles a validated schedule state into its cron triggers,
// one per send time. The returned triggers all share the schedule's
// resolved timezone; an unknown timezone falls back to UTC rather than
// failing, matching streak semantics.
func TriggersFor(state models.ScheduleState) ([]Trigger, error) {
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	loc, err := time.LoadLocation(state.Timezone)
	if err != nil || state.Timezone == "" {
		loc = time.UTC
	}

	triggers := make([]Trigger, 0, len(state.SendTimes))
	for _, st := range state.SendTimes {
		hour, minute, err := models.ParseSendTime(st)
		if err != nil {
			return nil, fmt.Errorf("invalid send time %q: %w", st, err)
		}

		spec, intervalDays, err := cronSpecFor(state, hour, minute)
		if err != nil {
			return nil, err
		}

		expr, err := Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", spec, err)
		}

		triggers = append(triggers, Trigger{
			Expr:         expr,
			Location:     loc,
			IntervalDays: intervalDays,
		})
	}
	return triggers, nil
}

// cronSpecFor builds the 5-field cron text for one send time under the
// schedule's frequency class.
func cronSpecFor(state models.ScheduleState, hour, minute int) (spec string, intervalDays int, err error) {
	switch state.Frequency {
	case models.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), 0, nil

	case models.FrequencyWeekly:
		days := joinInts(state.Weekdays)
		if days == "" {
			// Weekly with no weekday restriction behaves as daily.
			days = "*"
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, days), 0, nil

	case models.FrequencyMonthly:
		days := joinInts(state.MonthDays)
		if days == "" {
			// Monthly defaults to the first of the month.
			days = "1"
		}
		return fmt.Sprintf("%d %d %s * *", minute, hour, days), 0, nil

	case models.FrequencyInterval:
		return fmt.Sprintf("%d %d * * *", minute, hour), state.IntervalDays, nil

	default:
		return "", 0, fmt.Errorf("unknown frequency: %s", state.Frequency)
	}
}

func joinInts(vals []int) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
