// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// scheduler_service.go - supervision wrapper for the send scheduler

package services

import (
	"context"
	"fmt"
)

// SchedulerRunner matches the scheduler's lifecycle methods.
type SchedulerRunner interface {
	Start(ctx context.Context) error
	Stop() error
}

// SchedulerService runs the scheduler under supervision. The scheduler
// manages its own tick goroutine, so Serve starts it and then blocks
// until the context ends.
type SchedulerService struct {
	scheduler SchedulerRunner
}

// NewSchedulerService wraps a scheduler for supervision.
func NewSchedulerService(scheduler SchedulerRunner) *SchedulerService {
	return &SchedulerService{scheduler: scheduler}
}

// Serve implements suture.Service.
func (s *SchedulerService) Serve(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start failed: %w", err)
	}

	<-ctx.Done()

	if err := s.scheduler.Stop(); err != nil {
		return fmt.Errorf("scheduler stop failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logs.
func (s *SchedulerService) String() string {
	return "send-scheduler"
}
