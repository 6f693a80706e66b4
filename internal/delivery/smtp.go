// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// smtp.go - SMTP transport with circuit breaker protection
//
// The breaker sits around the whole SMTP conversation: a flapping or dead
// relay opens the circuit after a 60% failure rate over at least 10
// requests, and sends fail fast with ErrorCodeCircuitOpen until the relay
// recovers.

package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/embermail/ember/internal/metrics"
)

// SMTPConfig holds relay connection settings.
type SMTPConfig struct {
	// Host and From empty together means delivery is disabled.
	Host     string `koanf:"host" validate:"omitempty,hostname|ip"`
	Port     int    `koanf:"port" validate:"min=0,max=65535"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from" validate:"omitempty,email"`
	FromName string `koanf:"from_name"`
	UseTLS   bool   `koanf:"use_tls"`

	// DialTimeout bounds establishing the TCP connection.
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// SMTPTransport delivers messages through an SMTP relay.
type SMTPTransport struct {
	config SMTPConfig
	cb     *gobreaker.CircuitBreaker[struct{}]
	logger zerolog.Logger
}

// NewSMTPTransport creates an SMTP transport with breaker protection.
func NewSMTPTransport(config SMTPConfig, logger *zerolog.Logger) *SMTPTransport {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 30 * time.Second
	}

	log := logger.With().Str("component", "smtp-transport").Logger()

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "smtp-relay",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		// Opens when failure rate >= 60% with minimum 10 requests
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("SMTP circuit breaker state transition")
			metrics.SMTPCircuitState.Set(stateToFloat(to))
		},
	})

	return &SMTPTransport{config: config, cb: cb, logger: log}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Send delivers one message. Validation failures are permanent; relay
// failures are classified for the retry layer.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return &TransportError{Code: ErrorCodeInvalidRecipient, Err: fmt.Errorf("invalid recipient %q: %w", msg.To, err)}
	}

	raw := t.buildMessage(msg)

	_, err := t.cb.Execute(func() (struct{}, error) {
		return struct{}{}, t.sendSMTP(ctx, msg.To, raw)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &TransportError{Code: ErrorCodeCircuitOpen, Err: err}
		}
		return Classify(err)
	}
	return nil
}

// buildMessage constructs the RFC 5322 payload.
func (t *SMTPTransport) buildMessage(msg *Message) string {
	var b strings.Builder

	fromName := t.config.FromName
	if fromName == "" {
		fromName = "Ember"
	}

	fmt.Fprintf(&b, "From: %s <%s>\r\n", fromName, t.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")

	for k, v := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	return b.String()
}

// sendSMTP runs the full SMTP conversation for one message.
func (t *SMTPTransport) sendSMTP(ctx context.Context, to, raw string) error {
	addr := fmt.Sprintf("%s:%d", t.config.Host, t.config.Port)

	dialer := &net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if t.config.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: t.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if t.config.Username != "" && t.config.Password != "" {
		auth := smtp.PlainAuth("", t.config.Username, t.config.Password, t.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(t.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(raw)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// QUIT failures after a completed DATA are harmless.
	if err := client.Quit(); err != nil {
		t.logger.Debug().Err(err).Msg("SMTP quit failed after successful send")
	}
	return nil
}
