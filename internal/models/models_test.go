// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

package models

import (
	"testing"
	"time"
)

func TestParseSendTime(t *testing.T) {
	tests := []struct {
		input   string
		hour    int
		minute  int
		wantErr bool
	}{
		{"08:00", 8, 0, false},
		{"00:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{"7:05", 7, 5, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
		{"12", 0, 0, true},
		{"-1:30", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			h, m, err := ParseSendTime(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSendTime(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && (h != tt.hour || m != tt.minute) {
				t.Errorf("ParseSendTime(%q) = %d:%d, want %d:%d", tt.input, h, m, tt.hour, tt.minute)
			}
		})
	}
}

func TestScheduleStateValidate(t *testing.T) {
	tests := []struct {
		name    string
		state   ScheduleState
		wantErr bool
	}{
		{
			name:  "daily single time",
			state: ScheduleState{SendTimes: []string{"08:00"}, Frequency: FrequencyDaily},
		},
		{
			name:  "weekly with weekdays",
			state: ScheduleState{SendTimes: []string{"08:00", "18:30"}, Frequency: FrequencyWeekly, Weekdays: []int{1, 3, 5}},
		},
		{
			name:    "no send times",
			state:   ScheduleState{Frequency: FrequencyDaily},
			wantErr: true,
		},
		{
			name:    "malformed send time",
			state:   ScheduleState{SendTimes: []string{"8pm"}, Frequency: FrequencyDaily},
			wantErr: true,
		},
		{
			name:    "missing frequency",
			state:   ScheduleState{SendTimes: []string{"08:00"}},
			wantErr: true,
		},
		{
			name:    "unknown frequency",
			state:   ScheduleState{SendTimes: []string{"08:00"}, Frequency: "fortnightly"},
			wantErr: true,
		},
		{
			name:    "weekday out of range",
			state:   ScheduleState{SendTimes: []string{"08:00"}, Frequency: FrequencyWeekly, Weekdays: []int{7}},
			wantErr: true,
		},
		{
			name:    "month day out of range",
			state:   ScheduleState{SendTimes: []string{"08:00"}, Frequency: FrequencyMonthly, MonthDays: []int{0}},
			wantErr: true,
		},
		{
			name:    "interval without days",
			state:   ScheduleState{SendTimes: []string{"08:00"}, Frequency: FrequencyInterval},
			wantErr: true,
		},
		{
			name:  "interval with days",
			state: ScheduleState{SendTimes: []string{"08:00"}, Frequency: FrequencyInterval, IntervalDays: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUserResolveTimezone(t *testing.T) {
	tests := []struct {
		name string
		user User
		want string
	}{
		{
			name: "user timezone wins",
			user: User{Timezone: "America/New_York", Schedule: ScheduleState{Timezone: "Europe/Paris"}},
			want: "America/New_York",
		},
		{
			name: "schedule timezone second",
			user: User{Schedule: ScheduleState{Timezone: "Europe/Paris"}},
			want: "Europe/Paris",
		},
		{
			name: "utc last",
			user: User{},
			want: "UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.ResolveTimezone(); got != tt.want {
				t.Errorf("ResolveTimezone() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsValidRotationMode(t *testing.T) {
	for _, m := range ValidRotationModes {
		if !IsValidRotationMode(m) {
			t.Errorf("IsValidRotationMode(%q) = false, want true", m)
		}
	}
	if IsValidRotationMode("round_robin") {
		t.Error("IsValidRotationMode(round_robin) = true, want false")
	}
}

func TestDefaultPersonality(t *testing.T) {
	p := DefaultPersonality()
	if p.Name == "" || p.Description == "" {
		t.Error("DefaultPersonality() must have a name and description")
	}
	if p.Capability != "custom" {
		t.Errorf("DefaultPersonality().Capability = %q, want custom", p.Capability)
	}
}

func TestDeliveryAttemptTimestamps(t *testing.T) {
	// Local timestamp carries the resolved zone, UTC timestamp stays UTC.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	now := time.Date(2024, 1, 11, 13, 0, 0, 0, time.UTC)
	a := DeliveryAttempt{
		Timestamp:      now,
		LocalTimestamp: now.In(loc),
		Timezone:       "America/New_York",
	}
	if !a.Timestamp.Equal(a.LocalTimestamp) {
		t.Error("UTC and local timestamps must refer to the same instant")
	}
	if a.LocalTimestamp.Hour() != 8 {
		t.Errorf("local hour = %d, want 8", a.LocalTimestamp.Hour())
	}
}
