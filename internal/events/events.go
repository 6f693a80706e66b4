// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package events publishes send-outcome events for downstream consumers
// (analytics, notification fan-out). In-process pub/sub by default; NATS
// JetStream when a broker URL is configured.
package events

import (
	"time"

	"github.com/goccy/go-json"
)

// SendOutcome is published after every non-silent send invocation.
type SendOutcome struct {
	Address   string    `json:"address"`
	Outcome   string    `json:"outcome"` // success, failed, skipped, error
	Streak    int       `json:"streak"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes the event payload.
func (e *SendOutcome) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSendOutcome parses an event payload.
func UnmarshalSendOutcome(data []byte) (*SendOutcome, error) {
	var e SendOutcome
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
