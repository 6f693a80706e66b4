// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/embermail/ember/internal/delivery"
	"github.com/embermail/ember/internal/generator"
	"github.com/embermail/ember/internal/models"
)

// mockStore tracks every persistence call.
type mockStore struct {
	mu   sync.Mutex
	user *models.User

	getErr     error
	historyErr error

	skipNextSet    []bool
	sendStates     []models.SendStateUpdate
	histories      []*models.MessageHistory
	markedSent     []string
	attempts       []*models.DeliveryAttempt
	updateStateErr error
}

func (m *mockStore) GetUser(ctx context.Context, address string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	u := *m.user
	return &u, nil
}

func (m *mockStore) SetSkipNext(ctx context.Context, address string, skip bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipNextSet = append(m.skipNextSet, skip)
	m.user.SkipNext = skip
	return nil
}

func (m *mockStore) UpdateSendState(ctx context.Context, address string, update models.SendStateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateStateErr != nil {
		return m.updateStateErr
	}
	m.sendStates = append(m.sendStates, update)
	return nil
}

func (m *mockStore) InsertMessageHistory(ctx context.Context, h *models.MessageHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return m.historyErr
	}
	h.ID = "hist-1"
	m.histories = append(m.histories, h)
	return nil
}

func (m *mockStore) MarkHistorySent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedSent = append(m.markedSent, id)
	return nil
}

func (m *mockStore) InsertDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

type mockSender struct {
	mu    sync.Mutex
	err   error
	sent  []*delivery.Message
	calls int
}

func (m *mockSender) Send(ctx context.Context, msg *delivery.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type recordedOutcome struct {
	address string
	outcome string
	streak  int
}

type mockListener struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (m *mockListener) SendCompleted(ctx context.Context, address, outcome string, streak int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, recordedOutcome{address, outcome, streak})
}

func activeUser() *models.User {
	yesterday := time.Date(2024, 1, 14, 12, 0, 0, 0, time.UTC)
	return &models.User{
		Address:  "ada@example.com",
		Name:     "Ada",
		Timezone: "UTC",
		Active:   true,
		Personalities: []models.Personality{
			{Name: "Coach", Description: "Direct."},
			{Name: "Zen", Description: "Calm."},
		},
		RotationMode:            models.RotationSequential,
		CurrentPersonalityIndex: 0,
		StreakCount:             5,
		LastEmailSent:           &yesterday,
		TotalMessages:           20,
	}
}

func newTestOrchestrator(store *mockStore, sender *mockSender, listener OutcomeListener) *Orchestrator {
	logger := zerolog.Nop()
	o := New(store, generator.NewTemplateGenerator(nil), sender, listener, &logger)
	o.now = func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) }
	return o
}

func TestRunUserSuccess(t *testing.T) {
	store := &mockStore{user: activeUser()}
	sender := &mockSender{}
	o := newTestOrchestrator(store, sender, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	if sender.sent[0].To != "ada@example.com" {
		t.Errorf("To = %q, want ada@example.com", sender.sent[0].To)
	}

	// History written before send and marked sent after.
	if len(store.histories) != 1 {
		t.Fatalf("histories = %d, want 1", len(store.histories))
	}
	if store.histories[0].Streak != 6 {
		t.Errorf("history streak = %d, want 6", store.histories[0].Streak)
	}
	if len(store.markedSent) != 1 || store.markedSent[0] != "hist-1" {
		t.Errorf("markedSent = %v, want [hist-1]", store.markedSent)
	}

	// One atomic state update with advanced streak and rotation index.
	if len(store.sendStates) != 1 {
		t.Fatalf("sendStates = %d, want 1", len(store.sendStates))
	}
	update := store.sendStates[0]
	if update.StreakCount != 6 {
		t.Errorf("StreakCount = %d, want 6", update.StreakCount)
	}
	if update.TotalMessages != 21 {
		t.Errorf("TotalMessages = %d, want 21", update.TotalMessages)
	}
	if update.PersonalityIndex != 1 {
		t.Errorf("PersonalityIndex = %d, want 1", update.PersonalityIndex)
	}

	// Successful attempt recorded.
	if len(store.attempts) != 1 || store.attempts[0].Status != models.AttemptSuccess {
		t.Errorf("attempts = %v, want one success", store.attempts)
	}
}

func TestRunUserFailureMutatesNothing(t *testing.T) {
	store := &mockStore{user: activeUser()}
	sender := &mockSender{err: errors.New("connection refused")}
	o := newTestOrchestrator(store, sender, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if len(store.sendStates) != 0 {
		t.Errorf("sendStates = %d, want 0 after failed send", len(store.sendStates))
	}
	if len(store.markedSent) != 0 {
		t.Errorf("markedSent = %d, want 0 after failed send", len(store.markedSent))
	}

	// History row exists but remains unsent.
	if len(store.histories) != 1 {
		t.Fatalf("histories = %d, want 1", len(store.histories))
	}
	if store.histories[0].Sent {
		t.Error("history Sent = true after failed send")
	}

	// Failed attempt recorded with the error text.
	if len(store.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(store.attempts))
	}
	if store.attempts[0].Status != models.AttemptFailed {
		t.Errorf("attempt status = %v, want failed", store.attempts[0].Status)
	}
	if store.attempts[0].Error == "" {
		t.Error("attempt error text is empty")
	}
}

func TestRunUserInactiveIsSilent(t *testing.T) {
	u := activeUser()
	u.Active = false
	store := &mockStore{user: u}
	sender := &mockSender{}
	o := newTestOrchestrator(store, sender, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if sender.calls != 0 {
		t.Errorf("sender called %d times for inactive user, want 0", sender.calls)
	}
	if len(store.attempts) != 0 || len(store.histories) != 0 || len(store.sendStates) != 0 {
		t.Error("inactive user caused persistence writes, want none")
	}
}

func TestRunUserPausedIsSilent(t *testing.T) {
	u := activeUser()
	u.Paused = true
	store := &mockStore{user: u}
	sender := &mockSender{}
	o := newTestOrchestrator(store, sender, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if sender.calls != 0 {
		t.Errorf("sender called %d times for paused user, want 0", sender.calls)
	}
	if len(store.attempts) != 0 {
		t.Error("paused user produced a delivery attempt, want none")
	}
}

func TestRunUserSkipNextConsumedOnce(t *testing.T) {
	u := activeUser()
	u.SkipNext = true
	store := &mockStore{user: u}
	sender := &mockSender{}
	o := newTestOrchestrator(store, sender, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if sender.calls != 0 {
		t.Errorf("sender called %d times, want 0 when skipping", sender.calls)
	}
	if len(store.skipNextSet) != 1 || store.skipNextSet[0] != false {
		t.Errorf("skipNextSet = %v, want one clear-to-false", store.skipNextSet)
	}

	// Flag is consumed: next run sends normally.
	o.RunUser(context.Background(), "ada@example.com")
	if sender.calls != 1 {
		t.Errorf("sender called %d times on second run, want 1", sender.calls)
	}
	if len(store.skipNextSet) != 1 {
		t.Errorf("skipNextSet touched again on second run: %v", store.skipNextSet)
	}
}

func TestRunUserRandomModeDoesNotAdvanceIndex(t *testing.T) {
	u := activeUser()
	u.RotationMode = models.RotationRandom
	u.CurrentPersonalityIndex = 1
	store := &mockStore{user: u}
	o := newTestOrchestrator(store, &mockSender{}, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if len(store.sendStates) != 1 {
		t.Fatalf("sendStates = %d, want 1", len(store.sendStates))
	}
	if got := store.sendStates[0].PersonalityIndex; got != 1 {
		t.Errorf("PersonalityIndex = %d, want unchanged 1", got)
	}
}

func TestRunUserFirstSendStartsStreakAtOne(t *testing.T) {
	u := activeUser()
	u.LastEmailSent = nil
	u.StreakCount = 0
	store := &mockStore{user: u}
	o := newTestOrchestrator(store, &mockSender{}, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if len(store.sendStates) != 1 {
		t.Fatalf("sendStates = %d, want 1", len(store.sendStates))
	}
	if got := store.sendStates[0].StreakCount; got != 1 {
		t.Errorf("StreakCount = %d, want 1 for first send", got)
	}
}

func TestRunUserHistoryPersistFailureAbortsSend(t *testing.T) {
	store := &mockStore{user: activeUser(), historyErr: errors.New("disk full")}
	sender := &mockSender{}
	o := newTestOrchestrator(store, sender, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if sender.calls != 0 {
		t.Errorf("sender called %d times after history failure, want 0", sender.calls)
	}
	if len(store.sendStates) != 0 {
		t.Error("state updated despite aborted send")
	}
	if len(store.attempts) != 1 || store.attempts[0].Status != models.AttemptFailed {
		t.Errorf("attempts = %v, want one failed record", store.attempts)
	}
}

func TestRunUserListenerNotified(t *testing.T) {
	store := &mockStore{user: activeUser()}
	listener := &mockListener{}
	o := newTestOrchestrator(store, &mockSender{}, listener)

	o.RunUser(context.Background(), "ada@example.com")

	if len(listener.outcomes) != 1 {
		t.Fatalf("listener outcomes = %d, want 1", len(listener.outcomes))
	}
	got := listener.outcomes[0]
	if got.outcome != OutcomeSuccess || got.streak != 6 || got.address != "ada@example.com" {
		t.Errorf("listener got %+v, want success/6/ada@example.com", got)
	}
}

func TestRunUserListenerSilentForPaused(t *testing.T) {
	u := activeUser()
	u.Paused = true
	listener := &mockListener{}
	o := newTestOrchestrator(&mockStore{user: u}, &mockSender{}, listener)

	o.RunUser(context.Background(), "ada@example.com")

	if len(listener.outcomes) != 0 {
		t.Errorf("listener outcomes = %v, want none for paused user", listener.outcomes)
	}
}

type mockRecorder struct {
	mu    sync.Mutex
	calls []struct {
		address string
		sentAt  time.Time
	}
}

func (m *mockRecorder) NoteSent(address string, sentAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, struct {
		address string
		sentAt  time.Time
	}{address, sentAt})
}

func TestRunUserRecorderNotifiedWithoutListener(t *testing.T) {
	store := &mockStore{user: activeUser()}
	sender := &mockSender{}
	o := newTestOrchestrator(store, sender, nil)
	rec := &mockRecorder{}
	o.SetSentRecorder(rec)

	o.RunUser(context.Background(), "ada@example.com")

	// Interval guards advance even when event publishing is disabled.
	if len(rec.calls) != 1 {
		t.Fatalf("recorder calls = %d, want 1", len(rec.calls))
	}
	if rec.calls[0].address != "ada@example.com" {
		t.Errorf("recorded address = %q, want ada@example.com", rec.calls[0].address)
	}
	if len(store.sendStates) != 1 || !rec.calls[0].sentAt.Equal(store.sendStates[0].LastEmailSent) {
		t.Errorf("recorded sentAt = %v, want persisted last_email_sent %v",
			rec.calls[0].sentAt, store.sendStates[0].LastEmailSent)
	}
}

func TestRunUserRecorderSilentOnFailure(t *testing.T) {
	store := &mockStore{user: activeUser()}
	sender := &mockSender{err: errors.New("connection refused")}
	o := newTestOrchestrator(store, sender, nil)
	rec := &mockRecorder{}
	o.SetSentRecorder(rec)

	o.RunUser(context.Background(), "ada@example.com")

	if len(rec.calls) != 0 {
		t.Errorf("recorder calls = %d, want 0 for failed send", len(rec.calls))
	}
}

func TestRunUserLocalTimestampUsesUserTimezone(t *testing.T) {
	u := activeUser()
	u.Timezone = "Asia/Tokyo"
	store := &mockStore{user: u}
	o := newTestOrchestrator(store, &mockSender{}, nil)

	o.RunUser(context.Background(), "ada@example.com")

	if len(store.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(store.attempts))
	}
	a := store.attempts[0]
	if a.Timezone != "Asia/Tokyo" {
		t.Errorf("Timezone = %q, want Asia/Tokyo", a.Timezone)
	}
	// 12:00 UTC is 21:00 JST.
	if a.LocalTimestamp.Hour() != 21 {
		t.Errorf("LocalTimestamp hour = %d, want 21", a.LocalTimestamp.Hour())
	}
	if !a.LocalTimestamp.Equal(a.Timestamp) {
		t.Error("LocalTimestamp and Timestamp are different instants")
	}
}

func TestRunUserConcurrentInvocationsSerialize(t *testing.T) {
	store := &mockStore{user: activeUser()}
	sender := &mockSender{}
	o := newTestOrchestrator(store, sender, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.RunUser(context.Background(), "ada@example.com")
		}()
	}
	wg.Wait()

	// All ten ran to completion without racing the mock's state.
	if sender.calls != 10 {
		t.Errorf("sender calls = %d, want 10", sender.calls)
	}
	if len(store.attempts) != 10 {
		t.Errorf("attempts = %d, want 10", len(store.attempts))
	}
}
