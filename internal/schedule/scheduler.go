// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// scheduler.go - per-user send scheduler
//
// This file implements the scheduler service that:
//   - Maintains an in-memory registry of one job per active user
//   - Ticks on a configurable interval (default: 1 minute)
//   - Fires every job whose triggers match the current minute in the
//     user's timezone
//   - Hands each fire to the send runner under a concurrency limit
//     with a per-invocation timeout and panic isolation
//
// The scheduler integrates with the supervisor tree for lifecycle management.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/embermail/ember/internal/metrics"
	"github.com/embermail/ember/internal/models"
)

// UserSource defines the store operations required by the scheduler.
type UserSource interface {
	ListActiveUsers(ctx context.Context) ([]models.User, error)
}

// Runner executes a single send invocation for a user. Implementations
// own the complete send pipeline; the scheduler only decides when.
type Runner interface {
	RunUser(ctx context.Context, address string)
}

// Config holds configuration for the send scheduler.
type Config struct {
	// TickInterval is how often to evaluate triggers (default: 1 minute)
	TickInterval time.Duration `koanf:"tick_interval"`

	// MaxConcurrentSends is the maximum number of send invocations in flight
	MaxConcurrentSends int `koanf:"max_concurrent_sends"`

	// InvocationTimeout is the maximum time allowed for a single send invocation
	InvocationTimeout time.Duration `koanf:"invocation_timeout"`

	// Enabled controls whether the scheduler is active
	Enabled bool `koanf:"enabled"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Minute,
		MaxConcurrentSends: 10,
		InvocationTimeout:  2 * time.Minute,
		Enabled:            true,
	}
}

// job is one registered per-user schedule.
type job struct {
	id       string
	address  string
	triggers []Trigger

	// lastFired dedupes fires within the same minute bucket. Ticks can
	// land twice in one minute after clock adjustments.
	lastFired time.Time

	// lastEmailSent feeds the interval-days guard. Schedule seeds it from
	// the user record, NoteSent advances it, and replacement keeps the
	// newest value.
	lastEmailSent *time.Time
}

// Scheduler maintains the per-user job registry and the tick loop.
type Scheduler struct {
	source UserSource
	runner Runner
	logger zerolog.Logger
	config Config

	mu   sync.Mutex
	jobs map[string]*job // keyed by job id

	// Runtime state
	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a new send scheduler.
func NewScheduler(source UserSource, runner Runner, logger *zerolog.Logger, config Config) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Minute
	}
	if config.MaxConcurrentSends <= 0 {
		config.MaxConcurrentSends = 10
	}
	if config.InvocationTimeout <= 0 {
		config.InvocationTimeout = 2 * time.Minute
	}

	return &Scheduler{
		source: source,
		runner: runner,
		logger: logger.With().Str("component", "send-scheduler").Logger(),
		config: config,
		jobs:   make(map[string]*job),
	}
}

// Schedule installs (or replaces) the job for a user. Any previously
// registered job for the same address is removed first, so a user never
// holds more than one job. Returns the deterministic job id.
func (s *Scheduler) Schedule(user *models.User) (string, error) {
	triggers, err := TriggersFor(user.Schedule)
	if err != nil {
		return "", fmt.Errorf("scheduling %s: %w", user.Address, err)
	}

	id := JobID(user.Address)

	next := &job{
		id:            id,
		address:       user.Address,
		triggers:      triggers,
		lastEmailSent: user.LastEmailSent,
	}

	s.mu.Lock()
	// Carry fire state across replacement. A profile update in the same
	// minute as a fire must not re-fire that minute, and a stale user
	// snapshot must not roll the interval guard backwards.
	if prev, ok := s.jobs[id]; ok {
		next.lastFired = prev.lastFired
		if laterSend(prev.lastEmailSent, next.lastEmailSent) {
			next.lastEmailSent = prev.lastEmailSent
		}
	}
	s.jobs[id] = next
	s.mu.Unlock()

	s.logger.Debug().
		Str("job_id", id).
		Int("triggers", len(triggers)).
		Msg("Scheduled user job")

	return id, nil
}

// Cancel removes the job for an address. Cancelling an address with no
// registered job is a no-op.
func (s *Scheduler) Cancel(address string) {
	id := JobID(address)

	s.mu.Lock()
	_, existed := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()

	if existed {
		s.logger.Debug().Str("job_id", id).Msg("Cancelled user job")
	}
}

// RescheduleAll rebuilds the registry from every active user in the store.
// Called at startup and after bulk configuration changes. Users whose
// schedules fail to compile are logged and skipped; one bad schedule never
// blocks the rest.
func (s *Scheduler) RescheduleAll(ctx context.Context) error {
	users, err := s.source.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing active users: %w", err)
	}

	scheduled, skipped := 0, 0
	for i := range users {
		if _, err := s.Schedule(&users[i]); err != nil {
			s.logger.Error().
				Err(err).
				Str("address", users[i].Address).
				Msg("Failed to schedule user, skipping")
			skipped++
			continue
		}
		scheduled++
	}

	s.logger.Info().
		Int("scheduled", scheduled).
		Int("skipped", skipped).
		Msg("Rebuilt job registry")

	return nil
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start begins the scheduler tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.runMu.Unlock()

	if !s.config.Enabled {
		s.logger.Info().Msg("Send scheduler disabled")
		// Keep goroutine alive but don't do anything
		go func() {
			defer close(s.doneCh)
			<-s.stopCh
		}()
		return nil
	}

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Int("max_concurrent", s.config.MaxConcurrentSends).
		Msg("Starting send scheduler")

	go s.run(ctx)
	return nil
}

// Stop stops the scheduler loop and waits for it to complete.
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.runMu.Unlock()

	s.logger.Info().Msg("Stopping send scheduler...")
	close(s.stopCh)
	<-s.doneCh

	s.runMu.Lock()
	s.running = false
	s.runMu.Unlock()

	s.logger.Info().Msg("Send scheduler stopped")
	return nil
}

// run is the main scheduler loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, time.Now())
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick fires every job due at the given instant.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due := s.collectDue(now)
	if len(due) == 0 {
		return
	}

	s.logger.Info().Int("count", len(due)).Msg("Jobs due for execution")
	metrics.SchedulerFiresTotal.Add(float64(len(due)))

	// Execute with concurrency limit
	sem := make(chan struct{}, s.config.MaxConcurrentSends)
	var wg sync.WaitGroup

	for _, address := range due {
		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(addr string) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			execCtx, cancel := context.WithTimeout(ctx, s.config.InvocationTimeout)
			defer cancel()

			s.invoke(execCtx, addr)
		}(address)
	}

	wg.Wait()
}

// collectDue returns the addresses of all jobs due at `now`, marking each
// as fired for the current minute bucket.
func (s *Scheduler) collectDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for _, j := range s.jobs {
		if s.jobDue(j, now) {
			j.lastFired = now.Truncate(time.Minute)
			due = append(due, j.address)
		}
	}
	return due
}

// jobDue reports whether any of a job's triggers matches the current
// minute, applying the interval-days guard where configured.
func (s *Scheduler) jobDue(j *job, now time.Time) bool {
	minute := now.Truncate(time.Minute)
	if j.lastFired.Equal(minute) {
		return false
	}

	for _, trig := range j.triggers {
		local := now.In(trig.Location)
		if !trig.Expr.Matches(local) {
			continue
		}
		if trig.IntervalDays > 0 && !intervalElapsed(j.lastEmailSent, local, trig.IntervalDays) {
			continue
		}
		return true
	}
	return false
}

// laterSend reports whether a is a later send timestamp than b.
func laterSend(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

// intervalElapsed reports whether at least intervalDays local calendar
// days have passed since the last successful send. A user who has never
// been sent to is always due.
func intervalElapsed(lastSent *time.Time, nowLocal time.Time, intervalDays int) bool {
	if lastSent == nil {
		return true
	}
	last := lastSent.In(nowLocal.Location())
	lastDay := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)
	nowDay := time.Date(nowLocal.Year(), nowLocal.Month(), nowLocal.Day(), 0, 0, 0, 0, time.UTC)
	return int(nowDay.Sub(lastDay).Hours()/24) >= intervalDays
}

// invoke runs one send invocation, isolating panics so a fault in one
// user's pipeline cannot take down the tick loop.
func (s *Scheduler) invoke(ctx context.Context, address string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("address", address).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Send invocation panicked")
		}
	}()

	start := time.Now()
	s.runner.RunUser(ctx, address)

	s.logger.Debug().
		Str("address", address).
		Dur("duration", time.Since(start)).
		Msg("Send invocation completed")
}

// NoteSent records a completed successful send so interval-days guards
// see fresh state without a full reschedule.
func (s *Scheduler) NoteSent(address string, sentAt time.Time) {
	id := JobID(address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		t := sentAt
		j.lastEmailSent = &t
	}
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}
