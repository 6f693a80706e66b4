// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// gate.go - admission gate for outbound sends
//
// Caps the number of in-flight SMTP conversations and smooths the send
// rate so a burst of simultaneous triggers cannot overwhelm the relay.

package delivery

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/embermail/ember/internal/metrics"
)

// Gate bounds concurrent sends and rate-limits admissions.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewGate creates a gate admitting at most maxInFlight concurrent sends
// and perSecond admissions per second (with the given burst).
// Non-positive values disable the respective limit.
func NewGate(maxInFlight int, perSecond float64, burst int) *Gate {
	g := &Gate{}
	if maxInFlight > 0 {
		g.sem = semaphore.NewWeighted(int64(maxInFlight))
	}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return g
}

// Acquire admits one send, blocking until capacity is available or ctx
// expires. A context expiry counts as a gate rejection.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			metrics.GateRejectionsTotal.Inc()
			return fmt.Errorf("send rate limit: %w", err)
		}
	}
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			metrics.GateRejectionsTotal.Inc()
			return fmt.Errorf("send concurrency limit: %w", err)
		}
	}
	metrics.GateInFlight.Inc()
	return nil
}

// Release returns the admission taken by a successful Acquire.
func (g *Gate) Release() {
	metrics.GateInFlight.Dec()
	if g.sem != nil {
		g.sem.Release(1)
	}
}
