// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// publisher.go - resilient Watermill publisher
//
// Publishing is strictly fire-and-forget from the orchestrator's point of
// view: a broker outage must never fail a send that already went out, so
// errors are counted and logged but not returned upward. The circuit
// breaker stops hammering a dead broker.

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/embermail/ember/internal/metrics"
)

// Config holds publisher settings.
type Config struct {
	Topic string

	// NATSURL switches to JetStream publishing when non-empty.
	NATSURL string

	MaxReconnects int
	ReconnectWait time.Duration
}

// Publisher publishes send-outcome events with circuit breaker protection.
type Publisher struct {
	publisher message.Publisher
	cb        *gobreaker.CircuitBreaker[struct{}]
	topic     string
	logger    zerolog.Logger

	mu     sync.RWMutex
	closed bool

	// subscriber is non-nil only for the in-process bus, where the same
	// gochannel instance serves both ends.
	subscriber message.Subscriber
}

// NewPublisher creates the event publisher. An empty NATSURL selects the
// in-process gochannel bus.
func NewPublisher(cfg Config, logger *zerolog.Logger) (*Publisher, error) {
	log := logger.With().Str("component", "events").Logger()
	wmLogger := watermill.NewStdLogger(false, false)

	p := &Publisher{
		topic:  cfg.Topic,
		logger: log,
	}

	if cfg.NATSURL == "" {
		bus := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		p.publisher = bus
		p.subscriber = bus
	} else {
		if cfg.MaxReconnects == 0 {
			cfg.MaxReconnects = -1 // retry forever
		}
		if cfg.ReconnectWait <= 0 {
			cfg.ReconnectWait = 2 * time.Second
		}

		natsOpts := []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(cfg.MaxReconnects),
			natsgo.ReconnectWait(cfg.ReconnectWait),
			natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
				if err != nil {
					log.Error().Err(err).Msg("NATS disconnected")
				}
			}),
			natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		}

		pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
			URL:         cfg.NATSURL,
			NatsOptions: natsOpts,
			Marshaler:   &wmNats.NATSMarshaler{},
			JetStream: wmNats.JetStreamConfig{
				AutoProvision: true,
				TrackMsgId:    true,
			},
		}, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("create watermill publisher: %w", err)
		}
		p.publisher = pub
	}

	p.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "event-publisher",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return p, nil
}

// PublishSendOutcome publishes one event. Never returns an error to the
// caller; failures are recorded in metrics and logs.
func (p *Publisher) PublishSendOutcome(ctx context.Context, e *SendOutcome) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		metrics.EventsPublishedTotal.WithLabelValues(p.topic, "dropped").Inc()
		return
	}

	data, err := e.Marshal()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to marshal send outcome event")
		metrics.EventsPublishedTotal.WithLabelValues(p.topic, "error").Inc()
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("address", e.Address)
	msg.Metadata.Set("outcome", e.Outcome)

	_, err = p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.publisher.Publish(p.topic, msg)
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("outcome", e.Outcome).Msg("Failed to publish send outcome")
		metrics.EventsPublishedTotal.WithLabelValues(p.topic, "error").Inc()
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(p.topic, "ok").Inc()
}

// Subscribe returns a channel of events for the in-process bus. Returns an
// error when publishing goes to an external broker instead.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if p.subscriber == nil {
		return nil, fmt.Errorf("subscription only supported on the in-process bus")
	}
	return p.subscriber.Subscribe(ctx, p.topic)
}

// Close shuts the publisher down. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
