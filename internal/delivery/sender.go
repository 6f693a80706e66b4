// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// sender.go - retry policy and the retrying sender

package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/embermail/ember/internal/metrics"
)

// RetryPolicy controls how transient delivery failures are retried.
// Permanent failures never retry regardless of policy.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// Multiplier grows the backoff after each retry.
	Multiplier float64

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 attempts with
// exponential backoff starting at 2 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Second,
	}
}

// Backoff returns the wait before retry number `retry` (1-based).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Sender drives a transport through the admission gate and retry policy.
type Sender struct {
	transport Transport
	policy    RetryPolicy
	gate      *Gate
	logger    zerolog.Logger
}

// NewSender creates a retrying sender. A nil gate disables admission
// control.
func NewSender(transport Transport, policy RetryPolicy, gate *Gate, logger *zerolog.Logger) *Sender {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Sender{
		transport: transport,
		policy:    policy,
		gate:      gate,
		logger:    logger.With().Str("component", "sender").Logger(),
	}
}

// Send delivers the message, retrying transient failures per policy.
// Returns the last error when all attempts fail.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	if s.gate != nil {
		if err := s.gate.Acquire(ctx); err != nil {
			return err
		}
		defer s.gate.Release()
	}

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.SMTPRetriesTotal.Inc()
			select {
			case <-time.After(s.policy.Backoff(attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("send aborted during backoff: %w", ctx.Err())
			}
		}

		err := s.transport.Send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			s.logger.Warn().
				Err(err).
				Str("to", msg.To).
				Msg("Permanent delivery failure, not retrying")
			return err
		}

		s.logger.Warn().
			Err(err).
			Str("to", msg.To).
			Int("attempt", attempt).
			Int("max_attempts", s.policy.MaxAttempts).
			Msg("Transient delivery failure")
	}

	return fmt.Errorf("all %d delivery attempts failed: %w", s.policy.MaxAttempts, lastErr)
}
