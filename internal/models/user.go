// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// user.go - User Profile, Schedule State and Rotation State
//
// The user document is the unit of scheduling: one user owns one trigger
// set, one streak, and one rotation cursor. Mutating the schedule state
// must be followed by a full trigger replacement before the next fire.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Rotation
// ============================================================================

// RotationMode selects which personality profile is active for a given send.
type RotationMode string

const (
	// RotationSequential walks the personality list in order; the index
	// advances once per successful send, never on failure.
	RotationSequential RotationMode = "sequential"

	// RotationRandom picks a uniformly random personality per send.
	RotationRandom RotationMode = "random"

	// RotationDailyFixed pins the personality to the ISO weekday.
	RotationDailyFixed RotationMode = "daily_fixed"

	// RotationWeeklyRotation pins the personality to the ISO week number.
	RotationWeeklyRotation RotationMode = "weekly_rotation"

	// RotationTimeBased selects by local time of day (morning vs afternoon).
	RotationTimeBased RotationMode = "time_based"

	// RotationFavoriteWeighted is reserved; it currently behaves like
	// sequential. See rotation.Select.
	RotationFavoriteWeighted RotationMode = "favorite_weighted"
)

// ValidRotationModes contains all valid rotation modes.
var ValidRotationModes = []RotationMode{
	RotationSequential,
	RotationRandom,
	RotationDailyFixed,
	RotationWeeklyRotation,
	RotationTimeBased,
	RotationFavoriteWeighted,
}

// IsValidRotationMode checks if a rotation mode is valid.
func IsValidRotationMode(m RotationMode) bool {
	for _, valid := range ValidRotationModes {
		if m == valid {
			return true
		}
	}
	return false
}

// Personality is one voice profile in a user's rotation list.
type Personality struct {
	// Name is the display name used in generated messages.
	Name string `json:"name"`

	// Description is the free-text voice description fed to the generator.
	Description string `json:"description"`

	// Capability tags the personality source: "builtin" or "custom".
	Capability string `json:"capability"`
}

// DefaultPersonality is returned whenever a user has an empty personality
// list. Selection must never fail on an empty list.
func DefaultPersonality() Personality {
	return Personality{
		Name:        "Coach",
		Description: "A supportive, practical motivator who keeps messages short and concrete.",
		Capability:  "custom",
	}
}

// ============================================================================
// Schedule
// ============================================================================

// Frequency is the coarse cadence class of a user's schedule.
type Frequency string

const (
	// FrequencyDaily fires at every configured send-time every day.
	FrequencyDaily Frequency = "daily"

	// FrequencyWeekly fires only on the configured weekdays.
	FrequencyWeekly Frequency = "weekly"

	// FrequencyMonthly fires only on the configured days of month.
	FrequencyMonthly Frequency = "monthly"

	// FrequencyInterval fires every N days counted from the last send.
	FrequencyInterval Frequency = "interval"
)

// ValidFrequencies contains all valid frequency classes.
var ValidFrequencies = []Frequency{
	FrequencyDaily,
	FrequencyWeekly,
	FrequencyMonthly,
	FrequencyInterval,
}

// IsValidFrequency checks if a frequency class is valid.
func IsValidFrequency(f Frequency) bool {
	for _, valid := range ValidFrequencies {
		if f == valid {
			return true
		}
	}
	return false
}

// ScheduleState describes when a user's sends fire.
//
// Invariant: SendTimes always holds at least one entry. Any mutation of
// this struct must be followed by schedule.Scheduler.Schedule for the user
// so the live trigger set is replaced wholesale.
type ScheduleState struct {
	// SendTimes is an ordered list of "HH:MM" local times of day.
	SendTimes []string `json:"send_times"`

	// Timezone is the IANA identifier the send times are interpreted in.
	// Empty means UTC.
	Timezone string `json:"timezone"`

	// Frequency is the cadence class.
	Frequency Frequency `json:"frequency"`

	// Weekdays restricts weekly schedules (0=Sunday .. 6=Saturday).
	Weekdays []int `json:"weekdays,omitempty"`

	// MonthDays restricts monthly schedules (1..31).
	MonthDays []int `json:"month_days,omitempty"`

	// IntervalDays is the day gap for interval schedules. Minimum 1.
	IntervalDays int `json:"interval_days,omitempty"`
}

// ParseSendTime parses an "HH:MM" send time into hour and minute.
func ParseSendTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("send time must be HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in send time %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in send time %q", s)
	}
	return hour, minute, nil
}

// IsValidSendTime reports whether s is a well-formed "HH:MM" time of day.
func IsValidSendTime(s string) bool {
	_, _, err := ParseSendTime(s)
	return err == nil
}

// Validate checks the schedule state invariants.
func (s *ScheduleState) Validate() error {
	if len(s.SendTimes) == 0 {
		return fmt.Errorf("schedule must have at least one send time")
	}
	for _, st := range s.SendTimes {
		if _, _, err := ParseSendTime(st); err != nil {
			return err
		}
	}
	if s.Frequency == "" {
		return fmt.Errorf("schedule frequency is required")
	}
	if !IsValidFrequency(s.Frequency) {
		return fmt.Errorf("invalid schedule frequency: %s", s.Frequency)
	}
	for _, d := range s.Weekdays {
		if d < 0 || d > 6 {
			return fmt.Errorf("weekday out of range: %d", d)
		}
	}
	for _, d := range s.MonthDays {
		if d < 1 || d > 31 {
			return fmt.Errorf("month day out of range: %d", d)
		}
	}
	if s.Frequency == FrequencyInterval && s.IntervalDays < 1 {
		return fmt.Errorf("interval schedule requires interval_days >= 1")
	}
	return nil
}

// ============================================================================
// User
// ============================================================================

// User is the full mutable profile document for one recipient.
type User struct {
	// Address is the user's email address and primary key.
	Address string `json:"address"`

	// Name is the display name used in message salutations.
	Name string `json:"name"`

	// Goals the user signed up to be reminded about.
	Goals []string `json:"goals"`

	// Timezone is the user-level IANA timezone. When set it takes
	// precedence over Schedule.Timezone for streak arithmetic.
	Timezone string `json:"timezone,omitempty"`

	// Active is false once a user is deactivated or deleted; inactive
	// users are never scheduled and fires for them terminate silently.
	Active bool `json:"active"`

	// Paused suspends sends without touching the trigger set.
	Paused bool `json:"paused"`

	// SkipNext consumes exactly one future send when set.
	SkipNext bool `json:"skip_next"`

	// Personalities is the ordered rotation list.
	Personalities []Personality `json:"personalities"`

	// RotationMode selects the active personality per send.
	RotationMode RotationMode `json:"rotation_mode"`

	// CurrentPersonalityIndex is the sequential rotation cursor.
	// Readers clamp out-of-range values to 0 (self-healing).
	CurrentPersonalityIndex int `json:"current_personality_index"`

	// StreakCount is the number of consecutive local calendar days with
	// at least one successful send.
	StreakCount int `json:"streak_count"`

	// LastEmailSent is the UTC timestamp of the last successful send.
	LastEmailSent *time.Time `json:"last_email_sent,omitempty"`

	// TotalMessages is the lifetime successful send counter.
	TotalMessages int `json:"total_messages"`

	// Schedule is the user's delivery window configuration.
	Schedule ScheduleState `json:"schedule"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResolveTimezone returns the timezone streak arithmetic should use:
// the user-level timezone first, the schedule timezone second, UTC last.
// The returned identifier is not guaranteed to load; callers fall back to
// UTC on an invalid zone rather than failing.
func (u *User) ResolveTimezone() string {
	if u.Timezone != "" {
		return u.Timezone
	}
	if u.Schedule.Timezone != "" {
		return u.Schedule.Timezone
	}
	return "UTC"
}

// SendStateUpdate is the single atomic persistence payload applied after a
// successful send. All fields are written together or not at all.
type SendStateUpdate struct {
	LastEmailSent    time.Time
	StreakCount      int
	TotalMessages    int
	PersonalityIndex int
}
