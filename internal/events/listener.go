// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// listener.go - bridges completed sends to the event bus

package events

import (
	"context"
	"time"
)

// Listener adapts send completions into published SendOutcome events.
type Listener struct {
	publisher *Publisher
}

// NewListener creates a Listener over the publisher.
func NewListener(publisher *Publisher) *Listener {
	return &Listener{publisher: publisher}
}

// SendCompleted publishes a SendOutcome event for the finished run.
func (l *Listener) SendCompleted(ctx context.Context, address, outcome string, streak int, at time.Time) {
	l.publisher.PublishSendOutcome(ctx, &SendOutcome{
		Address:   address,
		Outcome:   outcome,
		Streak:    streak,
		Timestamp: at.UTC(),
	})
}
