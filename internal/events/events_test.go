// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	logger := zerolog.Nop()
	p, err := NewPublisher(Config{Topic: "test.sends"}, &logger)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSendOutcomeRoundTrip(t *testing.T) {
	orig := &SendOutcome{
		Address:   "user@example.com",
		Outcome:   "success",
		Streak:    7,
		Timestamp: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	}

	data, err := orig.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalSendOutcome(data)
	if err != nil {
		t.Fatalf("UnmarshalSendOutcome() error = %v", err)
	}
	if got.Address != orig.Address || got.Outcome != orig.Outcome || got.Streak != orig.Streak {
		t.Errorf("UnmarshalSendOutcome() = %+v, want %+v", got, orig)
	}
	if !got.Timestamp.Equal(orig.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, orig.Timestamp)
	}
}

func TestUnmarshalSendOutcomeInvalid(t *testing.T) {
	if _, err := UnmarshalSendOutcome([]byte("{not json")); err == nil {
		t.Error("UnmarshalSendOutcome() expected error for malformed payload")
	}
}

func TestPublisherInProcessRoundTrip(t *testing.T) {
	p := newTestPublisher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := p.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sent := &SendOutcome{
		Address:   "user@example.com",
		Outcome:   "success",
		Streak:    30,
		Timestamp: time.Now().UTC(),
	}
	p.PublishSendOutcome(ctx, sent)

	select {
	case msg := <-msgs:
		msg.Ack()
		got, err := UnmarshalSendOutcome(msg.Payload)
		if err != nil {
			t.Fatalf("UnmarshalSendOutcome() error = %v", err)
		}
		if got.Address != sent.Address || got.Streak != sent.Streak {
			t.Errorf("received event = %+v, want %+v", got, sent)
		}
		if addr := msg.Metadata.Get("address"); addr != sent.Address {
			t.Errorf("metadata address = %q, want %q", addr, sent.Address)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublisherClosedDropsEvents(t *testing.T) {
	p := newTestPublisher(t)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Double close is a no-op.
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// Must not panic or block after close.
	p.PublishSendOutcome(context.Background(), &SendOutcome{
		Address: "user@example.com",
		Outcome: "failed",
	})
}

func TestListenerPublishesOutcome(t *testing.T) {
	p := newTestPublisher(t)
	l := NewListener(p)

	ctx := context.Background()
	msgCh, err := p.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	at := time.Date(2024, 1, 15, 7, 30, 0, 0, time.FixedZone("EST", -5*3600))
	l.SendCompleted(ctx, "a@example.com", "success", 3, at)

	select {
	case msg := <-msgCh:
		got, err := UnmarshalSendOutcome(msg.Payload)
		if err != nil {
			t.Fatalf("UnmarshalSendOutcome() error = %v", err)
		}
		if got.Address != "a@example.com" || got.Outcome != "success" || got.Streak != 3 {
			t.Errorf("outcome = %+v, want a@example.com/success/3", got)
		}
		if !got.Timestamp.Equal(at) || got.Timestamp.Location() != time.UTC {
			t.Errorf("timestamp = %v, want %v in UTC", got.Timestamp, at)
		}
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}
