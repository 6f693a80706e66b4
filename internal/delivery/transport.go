// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package delivery sends generated messages to users over SMTP.
//
// transport.go - transport abstraction and error classification
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one outbound email, fully rendered.
type Message struct {
	To      string
	Subject string
	Body    string

	// Headers are extra RFC 5322 headers, e.g. List-Unsubscribe.
	Headers map[string]string
}

// Transport delivers a single message. Implementations must be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidRecipient  = "invalid_recipient"
	ErrorCodeAuthFailed        = "auth_failed"
	ErrorCodeConnectionFailed  = "connection_failed"
	ErrorCodeTimeout           = "timeout"
	ErrorCodeRecipientRejected = "recipient_rejected"
	ErrorCodeRateLimited       = "rate_limited"
	ErrorCodeCircuitOpen       = "circuit_open"
	ErrorCodeUnknown           = "unknown"
)

// TransportError wraps a delivery failure with its classification.
type TransportError struct {
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery failed (%s): %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify wraps err in a TransportError with a code derived from the
// error text. SMTP libraries surface most failures as opaque strings, so
// classification is substring-based like it or not.
func Classify(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	errStr := err.Error()
	code := ErrorCodeUnknown
	switch {
	case strings.Contains(errStr, "authentication") || strings.Contains(errStr, "auth"):
		code = ErrorCodeAuthFailed
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "connect"):
		code = ErrorCodeConnectionFailed
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(errStr, "recipient") || strings.Contains(errStr, "mailbox"):
		code = ErrorCodeRecipientRejected
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "limit"):
		code = ErrorCodeRateLimited
	}

	return &TransportError{Code: code, Err: err}
}

// IsTransient reports whether an error is worth retrying. Permanent
// failures (bad recipient, bad credentials) retry forever without ever
// succeeding, so they fail fast instead.
func IsTransient(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		te = Classify(err)
	}
	switch te.Code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited:
		return true
	default:
		return false
	}
}
