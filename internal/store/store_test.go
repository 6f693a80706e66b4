// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/embermail/ember/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := New(Config{MaxMemory: "128MB", Threads: 1}, &logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleUser(address string) *models.User {
	return &models.User{
		Address:  address,
		Name:     "Ada",
		Goals:    []string{"ship it"},
		Timezone: "America/New_York",
		Active:   true,
		Personalities: []models.Personality{
			{Name: "Coach", Description: "Direct."},
			{Name: "Zen", Description: "Calm."},
		},
		RotationMode: models.RotationSequential,
		Schedule: models.ScheduleState{
			SendTimes: []string{"07:00"},
			Timezone:  "America/New_York",
			Frequency: models.FrequencyDaily,
		},
	}
}

func TestUserRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	want := sampleUser("ada@example.com")
	if err := db.CreateUser(ctx, want); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	got, err := db.GetUser(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}

	if got.Name != want.Name {
		t.Errorf("Name = %q, want %q", got.Name, want.Name)
	}
	if len(got.Goals) != 1 || got.Goals[0] != "ship it" {
		t.Errorf("Goals = %v, want [ship it]", got.Goals)
	}
	if len(got.Personalities) != 2 || got.Personalities[1].Name != "Zen" {
		t.Errorf("Personalities = %v, want Coach,Zen", got.Personalities)
	}
	if got.RotationMode != models.RotationSequential {
		t.Errorf("RotationMode = %v, want sequential", got.RotationMode)
	}
	if got.Schedule.SendTimes[0] != "07:00" {
		t.Errorf("Schedule.SendTimes = %v, want [07:00]", got.Schedule.SendTimes)
	}
	if got.LastEmailSent != nil {
		t.Errorf("LastEmailSent = %v, want nil", got.LastEmailSent)
	}
}

func TestGetUserNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetUser(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser() error = %v, want ErrUserNotFound", err)
	}
}

func TestUpdateUser(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	u := sampleUser("ada@example.com")
	if err := db.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	u.Name = "Ada L."
	u.Paused = true
	u.Goals = append(u.Goals, "run 5k")
	if err := db.UpdateUser(ctx, u); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	got, err := db.GetUser(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Name != "Ada L." || !got.Paused || len(got.Goals) != 2 {
		t.Errorf("updated user = %+v, changes not persisted", got)
	}
}

func TestUpdateUserNotFound(t *testing.T) {
	db := openTestDB(t)

	err := db.UpdateUser(context.Background(), sampleUser("ghost@example.com"))
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UpdateUser() error = %v, want ErrUserNotFound", err)
	}
}

func TestListActiveUsers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	active := sampleUser("active@example.com")
	paused := sampleUser("paused@example.com")
	paused.Paused = true
	inactive := sampleUser("inactive@example.com")
	inactive.Active = false

	for _, u := range []*models.User{active, paused, inactive} {
		if err := db.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser(%s) error = %v", u.Address, err)
		}
	}

	got, err := db.ListActiveUsers(ctx)
	if err != nil {
		t.Fatalf("ListActiveUsers() error = %v", err)
	}

	// Paused users stay listed so a restart reinstalls their jobs;
	// the orchestrator silences their fires. Only inactive users drop.
	if len(got) != 2 {
		t.Fatalf("ListActiveUsers() returned %d users, want 2", len(got))
	}
	if got[0].Address != "active@example.com" || got[1].Address != "paused@example.com" {
		t.Errorf("ListActiveUsers() = [%s %s], want [active@example.com paused@example.com]",
			got[0].Address, got[1].Address)
	}
	if !got[1].Paused {
		t.Error("paused flag not preserved in listing")
	}
}

func TestUpdateSendState(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	u := sampleUser("ada@example.com")
	if err := db.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	sentAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	update := models.SendStateUpdate{
		LastEmailSent:    sentAt,
		StreakCount:      6,
		TotalMessages:    10,
		PersonalityIndex: 1,
	}
	if err := db.UpdateSendState(ctx, "ada@example.com", update); err != nil {
		t.Fatalf("UpdateSendState() error = %v", err)
	}

	got, err := db.GetUser(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.StreakCount != 6 || got.TotalMessages != 10 || got.CurrentPersonalityIndex != 1 {
		t.Errorf("send state = streak %d, total %d, index %d; want 6, 10, 1",
			got.StreakCount, got.TotalMessages, got.CurrentPersonalityIndex)
	}
	if got.LastEmailSent == nil || !got.LastEmailSent.Equal(sentAt) {
		t.Errorf("LastEmailSent = %v, want %v", got.LastEmailSent, sentAt)
	}
}

func TestSetFlags(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.CreateUser(ctx, sampleUser("ada@example.com")); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := db.SetSkipNext(ctx, "ada@example.com", true); err != nil {
		t.Fatalf("SetSkipNext() error = %v", err)
	}
	if err := db.SetPaused(ctx, "ada@example.com", true); err != nil {
		t.Fatalf("SetPaused() error = %v", err)
	}

	got, err := db.GetUser(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if !got.SkipNext || !got.Paused {
		t.Errorf("SkipNext = %v, Paused = %v; want both true", got.SkipNext, got.Paused)
	}

	if err := db.SetSkipNext(ctx, "missing@example.com", true); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("SetSkipNext(missing) error = %v, want ErrUserNotFound", err)
	}
}

func TestDeleteUserIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.CreateUser(ctx, sampleUser("ada@example.com")); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := db.DeleteUser(ctx, "ada@example.com"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if err := db.DeleteUser(ctx, "ada@example.com"); err != nil {
		t.Errorf("second DeleteUser() error = %v, want nil", err)
	}
	if _, err := db.GetUser(ctx, "ada@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser() after delete error = %v, want ErrUserNotFound", err)
	}
}

// ============================================================================
// Message history and delivery attempts
// ============================================================================

func TestMessageHistoryLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	h := &models.MessageHistory{
		Address:     "ada@example.com",
		Subject:     "Day 6",
		Body:        "keep going",
		Type:        models.MessageTypeMotivation,
		Streak:      6,
		Personality: "Coach",
	}
	if err := db.InsertMessageHistory(ctx, h); err != nil {
		t.Fatalf("InsertMessageHistory() error = %v", err)
	}
	if h.ID == "" {
		t.Fatal("InsertMessageHistory() did not assign an ID")
	}

	list, err := db.ListMessageHistory(ctx, "ada@example.com", 10)
	if err != nil {
		t.Fatalf("ListMessageHistory() error = %v", err)
	}
	if len(list) != 1 || list[0].Sent {
		t.Fatalf("history = %v, want one unsent row", list)
	}

	if err := db.MarkHistorySent(ctx, h.ID); err != nil {
		t.Fatalf("MarkHistorySent() error = %v", err)
	}
	list, err = db.ListMessageHistory(ctx, "ada@example.com", 10)
	if err != nil {
		t.Fatalf("ListMessageHistory() error = %v", err)
	}
	if !list[0].Sent {
		t.Error("Sent = false after MarkHistorySent")
	}

	if err := db.MarkHistorySent(ctx, "no-such-id"); err == nil {
		t.Error("MarkHistorySent(missing) error = nil, want error")
	}
}

func TestDeliveryAttemptRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	a := &models.DeliveryAttempt{
		Address:        "ada@example.com",
		Subject:        "Day 6",
		Status:         models.AttemptFailed,
		Timestamp:      ts,
		LocalTimestamp: ts.In(loc),
		Timezone:       "Asia/Tokyo",
		Error:          "connection refused",
	}
	if err := db.InsertDeliveryAttempt(ctx, a); err != nil {
		t.Fatalf("InsertDeliveryAttempt() error = %v", err)
	}

	list, err := db.ListDeliveryAttempts(ctx, "ada@example.com", 10)
	if err != nil {
		t.Fatalf("ListDeliveryAttempts() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("attempts = %d, want 1", len(list))
	}
	got := list[0]
	if got.Status != models.AttemptFailed || got.Error != "connection refused" {
		t.Errorf("attempt = %+v, want failed with error text", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if !got.LocalTimestamp.Equal(ts) {
		t.Errorf("LocalTimestamp = %v, want same instant as %v", got.LocalTimestamp, ts)
	}
	if got.Timezone != "Asia/Tokyo" {
		t.Errorf("Timezone = %q, want Asia/Tokyo", got.Timezone)
	}
}

func TestListDeliveryAttemptsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, ts := range []time.Time{
		time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC),
	} {
		a := &models.DeliveryAttempt{
			Address:        "ada@example.com",
			Subject:        "s",
			Status:         models.AttemptSuccess,
			Timestamp:      ts,
			LocalTimestamp: ts,
			Timezone:       "UTC",
		}
		if err := db.InsertDeliveryAttempt(ctx, a); err != nil {
			t.Fatalf("InsertDeliveryAttempt(%d) error = %v", i, err)
		}
	}

	list, err := db.ListDeliveryAttempts(ctx, "ada@example.com", 10)
	if err != nil {
		t.Fatalf("ListDeliveryAttempts() error = %v", err)
	}
	if len(list) != 2 || !list[0].Timestamp.After(list[1].Timestamp) {
		t.Errorf("attempts not newest-first: %v", list)
	}
}
