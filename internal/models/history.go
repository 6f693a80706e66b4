// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// history.go - Message History and Delivery Attempt Records
//
// MessageHistory rows are written before transport is attempted so history
// reflects what was attempted even when the send later fails; the Sent flag
// is set only on confirmed delivery. DeliveryAttempt rows are immutable:
// created on every orchestrator outcome, never updated or deleted.
package models

import "time"

// MessageType classifies generated message content.
type MessageType string

const (
	// MessageTypeMotivation is the standard daily motivational message.
	MessageTypeMotivation MessageType = "motivation"

	// MessageTypeMilestone marks a streak milestone message.
	MessageTypeMilestone MessageType = "milestone"

	// MessageTypeFallback is the deterministic text used when generation fails.
	MessageTypeFallback MessageType = "fallback"
)

// MessageHistory is one generated message, persisted before transport.
type MessageHistory struct {
	// ID is a UUID assigned at insert time.
	ID string `json:"id"`

	// Address is the recipient the message was generated for.
	Address string `json:"address"`

	// Subject and Body are the rendered message.
	Subject string `json:"subject"`
	Body    string `json:"body"`

	// Type classifies the message content.
	Type MessageType `json:"type"`

	// Streak is the streak value computed for this send, embedded so the
	// message content and the recorded streak never diverge.
	Streak int `json:"streak"`

	// UsedFallback is true when the generator's fallback path produced
	// the text.
	UsedFallback bool `json:"used_fallback"`

	// ResearchSnippet is optional supporting material from the generator.
	ResearchSnippet string `json:"research_snippet,omitempty"`

	// Personality is the name of the voice used.
	Personality string `json:"personality"`

	// Sent is set only after the transport confirms delivery. A failed
	// send leaves the row in place with Sent=false.
	Sent bool `json:"sent"`

	CreatedAt time.Time `json:"created_at"`
}

// AttemptStatus is the outcome of one delivery attempt.
type AttemptStatus string

const (
	// AttemptSuccess means the transport confirmed delivery.
	AttemptSuccess AttemptStatus = "success"

	// AttemptFailed means the transport exhausted its retries.
	AttemptFailed AttemptStatus = "failed"
)

// DeliveryAttempt is one immutable entry in the delivery log.
type DeliveryAttempt struct {
	// ID is a UUID assigned at insert time.
	ID string `json:"id"`

	// Address is the recipient of the attempt.
	Address string `json:"address"`

	// Subject of the attempted message.
	Subject string `json:"subject"`

	// Status is success or failed.
	Status AttemptStatus `json:"status"`

	// Timestamp is the attempt time in UTC.
	Timestamp time.Time `json:"timestamp"`

	// LocalTimestamp is the attempt time in the timezone that was
	// resolved for the user at send time.
	LocalTimestamp time.Time `json:"local_timestamp"`

	// Timezone is the resolved IANA identifier LocalTimestamp uses.
	Timezone string `json:"timezone"`

	// Error holds the transport error detail for failed attempts.
	Error string `json:"error,omitempty"`
}
