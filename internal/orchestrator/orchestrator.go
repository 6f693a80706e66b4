// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package orchestrator drives one send invocation end to end.
//
// orchestrator.go - the send state machine
//
// Each invocation runs: load a fresh user, check eligibility, compute the
// streak, pick a personality, generate the message, persist history, send,
// then persist the outcome. A failed send mutates nothing: streak, rotation
// index, and counters only move inside the single atomic success update.
// The whole sequence holds a per-user advisory lock so a manual send-now
// and a scheduled fire for the same user serialize instead of racing.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/embermail/ember/internal/delivery"
	"github.com/embermail/ember/internal/generator"
	"github.com/embermail/ember/internal/metrics"
	"github.com/embermail/ember/internal/models"
	"github.com/embermail/ember/internal/rotation"
	"github.com/embermail/ember/internal/streak"
)

// Outcome labels for metrics and events.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomePaused   = "paused"
	OutcomeInactive = "inactive"
	OutcomeError    = "error"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetUser(ctx context.Context, address string) (*models.User, error)
	SetSkipNext(ctx context.Context, address string, skip bool) error
	UpdateSendState(ctx context.Context, address string, update models.SendStateUpdate) error
	InsertMessageHistory(ctx context.Context, h *models.MessageHistory) error
	MarkHistorySent(ctx context.Context, id string) error
	InsertDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error
}

// Sender delivers a rendered message, retrying internally as configured.
type Sender interface {
	Send(ctx context.Context, msg *delivery.Message) error
}

// OutcomeListener is notified after each non-silent invocation. Used for
// event publishing; never blocks the pipeline outcome.
type OutcomeListener interface {
	SendCompleted(ctx context.Context, address, outcome string, streak int, at time.Time)
}

// SentRecorder observes successful sends. The scheduler implements it so
// interval-days guards see fresh state without a registry reload.
type SentRecorder interface {
	NoteSent(address string, sentAt time.Time)
}

// Orchestrator runs send invocations.
type Orchestrator struct {
	store     Store
	generator generator.Generator
	sender    Sender
	listener  OutcomeListener
	recorder  SentRecorder
	logger    zerolog.Logger

	// locks serializes invocations per address within this process.
	// Cross-process races remain possible and are an accepted limitation
	// of the lifetime counters.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// New creates an orchestrator. listener may be nil.
func New(store Store, gen generator.Generator, sender Sender, listener OutcomeListener, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		generator: gen,
		sender:    sender,
		listener:  listener,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetSentRecorder installs the recorder after construction. The scheduler
// is the recorder but is itself built around the orchestrator, so it does
// not exist yet at New time. Call before any invocations run; not
// synchronized.
func (o *Orchestrator) SetSentRecorder(recorder SentRecorder) {
	o.recorder = recorder
}

// RunUser executes one send invocation for the address. Satisfies the
// scheduler's Runner interface. All failures are handled internally.
func (o *Orchestrator) RunUser(ctx context.Context, address string) {
	lock := o.userLock(address)
	lock.Lock()
	defer lock.Unlock()

	start := o.now()
	outcome, streakVal := o.run(ctx, address, start)

	metrics.SendsTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeFailed {
		metrics.SendDuration.Observe(time.Since(start).Seconds())
	}
	if outcome == OutcomeSuccess {
		metrics.StreakObserved.Observe(float64(streakVal))
	}

	// The recorder runs regardless of event publishing. start is the
	// timestamp persisted as last_email_sent, so the guard and the store
	// agree.
	if outcome == OutcomeSuccess && o.recorder != nil {
		o.recorder.NoteSent(address, start)
	}

	if o.listener != nil && outcome != OutcomeInactive && outcome != OutcomePaused {
		o.listener.SendCompleted(ctx, address, outcome, streakVal, start)
	}
}

// run is the state machine body. Returns the outcome label and the streak
// that was computed (zero when never reached).
func (o *Orchestrator) run(ctx context.Context, address string, now time.Time) (string, int) {
	logger := o.logger.With().Str("address", address).Logger()

	// LOAD: always a fresh read so flag changes since scheduling apply.
	user, err := o.store.GetUser(ctx, address)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load user for send")
		return OutcomeError, 0
	}

	// CHECK_ELIGIBLE
	if !user.Active {
		logger.Debug().Msg("User inactive, skipping send")
		return OutcomeInactive, 0
	}
	if user.Paused {
		logger.Debug().Msg("User paused, skipping send")
		return OutcomePaused, 0
	}
	if user.SkipNext {
		// Consume the flag exactly once, before stopping.
		if err := o.store.SetSkipNext(ctx, address, false); err != nil {
			logger.Error().Err(err).Msg("Failed to clear skip_next flag")
			return OutcomeError, 0
		}
		logger.Info().Msg("Skip-next consumed, send skipped")
		return OutcomeSkipped, 0
	}

	// COMPUTE_STREAK
	tz := user.ResolveTimezone()
	newStreak := streak.Compute(user.LastEmailSent, now, tz, user.StreakCount)

	// Personality selection
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	personality := rotation.Select(user.Personalities, user.RotationMode, user.CurrentPersonalityIndex, now.In(loc))

	// GENERATE_MESSAGE
	result := o.generator.Generate(ctx, generator.GenerateRequest{
		User:        user,
		Personality: personality,
		Streak:      newStreak,
	})
	if result.UsedFallback {
		logger.Warn().Msg("Generator fell back to template message")
	}

	// PERSIST_HISTORY: before transport, so the record exists even when
	// the send fails.
	history := &models.MessageHistory{
		Address:      address,
		Subject:      result.Subject,
		Body:         result.Body,
		Type:         result.Type,
		Streak:       newStreak,
		UsedFallback: result.UsedFallback,
		Personality:  personality.Name,
		CreatedAt:    now,
	}
	if err := o.store.InsertMessageHistory(ctx, history); err != nil {
		logger.Error().Err(err).Msg("Failed to persist message history, aborting send")
		o.recordAttempt(ctx, logger, user, result.Subject, tz, now, models.AttemptFailed, "history persistence failed: "+err.Error())
		return OutcomeError, newStreak
	}

	// SEND
	sendErr := o.sender.Send(ctx, &delivery.Message{
		To:      address,
		Subject: result.Subject,
		Body:    result.Body,
		Headers: map[string]string{"X-Ember-Type": string(result.Type)},
	})

	if sendErr != nil {
		// ON_FAILURE: no state mutation beyond the attempt record.
		logger.Warn().Err(sendErr).Int("streak", newStreak).Msg("Send failed")
		o.recordAttempt(ctx, logger, user, result.Subject, tz, now, models.AttemptFailed, sendErr.Error())
		return OutcomeFailed, newStreak
	}

	// ON_SUCCESS: the single atomic state transition.
	nextIndex := user.CurrentPersonalityIndex
	if advancesIndex(user.RotationMode) {
		nextIndex = rotation.NextIndex(user.CurrentPersonalityIndex, len(user.Personalities))
	}
	update := models.SendStateUpdate{
		LastEmailSent:    now,
		StreakCount:      newStreak,
		TotalMessages:    user.TotalMessages + 1,
		PersonalityIndex: nextIndex,
	}
	if err := o.store.UpdateSendState(ctx, address, update); err != nil {
		// The email went out; the bookkeeping is behind. Surface loudly.
		logger.Error().Err(err).Msg("Send delivered but state update failed")
	}
	if err := o.store.MarkHistorySent(ctx, history.ID); err != nil {
		logger.Error().Err(err).Str("history_id", history.ID).Msg("Failed to mark history sent")
	}

	o.recordAttempt(ctx, logger, user, result.Subject, tz, now, models.AttemptSuccess, "")

	logger.Info().
		Int("streak", newStreak).
		Str("personality", personality.Name).
		Str("type", string(result.Type)).
		Msg("Send completed")

	return OutcomeSuccess, newStreak
}

// recordAttempt appends the delivery log entry. Attempt persistence
// failures are logged, never propagated.
func (o *Orchestrator) recordAttempt(ctx context.Context, logger zerolog.Logger, user *models.User, subject, tz string, now time.Time, status models.AttemptStatus, errText string) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	attempt := &models.DeliveryAttempt{
		Address:        user.Address,
		Subject:        subject,
		Status:         status,
		Timestamp:      now,
		LocalTimestamp: now.In(loc),
		Timezone:       tz,
		Error:          errText,
	}
	if err := o.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		logger.Error().Err(err).Msg("Failed to record delivery attempt")
	}
}

// advancesIndex reports whether a rotation mode consumes the stored index.
// favorite_weighted currently behaves as sequential, so it advances too.
func advancesIndex(mode models.RotationMode) bool {
	return mode == models.RotationSequential || mode == models.RotationFavoriteWeighted
}

// userLock returns the advisory lock for an address, creating it on first
// use. Locks are never removed; the map is bounded by the user population.
func (o *Orchestrator) userLock(address string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	lock, ok := o.locks[address]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[address] = lock
	}
	return lock
}
