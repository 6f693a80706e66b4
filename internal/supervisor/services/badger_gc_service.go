// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// badger_gc_service.go - periodic value log GC for the voice cache

package services

import (
	"context"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// BadgerGCService runs value log garbage collection on the voice cache
// database. Badger does not GC on its own; without this the value log
// grows unbounded as cached voices expire.
type BadgerGCService struct {
	db       *badger.DB
	interval time.Duration
	logger   zerolog.Logger
}

// NewBadgerGCService creates the GC service. A non-positive interval
// defaults to 10 minutes.
func NewBadgerGCService(db *badger.DB, interval time.Duration, logger *zerolog.Logger) *BadgerGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &BadgerGCService{
		db:       db,
		interval: interval,
		logger:   logger.With().Str("component", "badger-gc").Logger(),
	}
}

// Serve implements suture.Service.
func (s *BadgerGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// One GC pass per tick; ErrNoRewrite means nothing to reclaim.
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn().Err(err).Msg("Value log GC failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *BadgerGCService) String() string {
	return "voice-cache-gc"
}
