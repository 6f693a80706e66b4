// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// logtransport.go - no-op transport for development

package delivery

import (
	"context"

	"github.com/rs/zerolog"
)

// LogTransport writes messages to the log instead of sending them.
// Selected only by the explicit log-only opt-in, so the full pipeline,
// streak tracking included, can run in development without an SMTP relay.
type LogTransport struct {
	logger zerolog.Logger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger *zerolog.Logger) *LogTransport {
	return &LogTransport{
		logger: logger.With().Str("component", "log-transport").Logger(),
	}
}

// Send logs the message and reports success.
func (t *LogTransport) Send(_ context.Context, msg *Message) error {
	t.logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.Body)).
		Msg("Log-only delivery, email not sent")
	return nil
}
