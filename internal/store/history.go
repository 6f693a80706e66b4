// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// history.go - message history and delivery attempt persistence
//
// Message history rows are written before the transport runs, with sent
// flipped to true only on success. Delivery attempts are append-only.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/embermail/ember/internal/metrics"
	"github.com/embermail/ember/internal/models"
)

// InsertMessageHistory records a generated message. Generates the ID when
// absent.
func (db *DB) InsertMessageHistory(ctx context.Context, h *models.MessageHistory) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("insert", "message_history", start)

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO message_history (
			id, address, subject, body, type, streak, used_fallback,
			research_snippet, personality, sent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.conn.ExecContext(ctx, query,
		h.ID,
		h.Address,
		h.Subject,
		h.Body,
		string(h.Type),
		h.Streak,
		h.UsedFallback,
		h.ResearchSnippet,
		h.Personality,
		h.Sent,
		h.CreatedAt,
	)
	if err != nil {
		metrics.RecordDBError("insert", "message_history")
		return fmt.Errorf("failed to insert message history: %w", err)
	}
	return nil
}

// MarkHistorySent flips the sent flag after successful delivery.
func (db *DB) MarkHistorySent(ctx context.Context, id string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("mark_sent", "message_history", start)

	res, err := db.conn.ExecContext(ctx, `UPDATE message_history SET sent = true WHERE id = ?`, id)
	if err != nil {
		metrics.RecordDBError("mark_sent", "message_history")
		return fmt.Errorf("failed to mark history sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message history %s not found", id)
	}
	return nil
}

// ListMessageHistory returns a user's messages, newest first.
func (db *DB) ListMessageHistory(ctx context.Context, address string, limit int) ([]models.MessageHistory, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("list", "message_history", start)

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, address, subject, body, type, streak, used_fallback,
			research_snippet, personality, sent, created_at
		FROM message_history
		WHERE address = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := db.conn.QueryContext(ctx, query, address, limit)
	if err != nil {
		metrics.RecordDBError("list", "message_history")
		return nil, fmt.Errorf("failed to query message history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.MessageHistory
	for rows.Next() {
		var h models.MessageHistory
		var msgType string
		if err := rows.Scan(
			&h.ID, &h.Address, &h.Subject, &h.Body, &msgType, &h.Streak,
			&h.UsedFallback, &h.ResearchSnippet, &h.Personality, &h.Sent, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message history: %w", err)
		}
		h.Type = models.MessageType(msgType)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message history: %w", err)
	}
	return out, nil
}

// InsertDeliveryAttempt appends a delivery attempt record.
func (db *DB) InsertDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("insert", "delivery_attempts", start)

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO delivery_attempts (
			id, address, subject, status, timestamp, local_timestamp, timezone, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	// Stored as RFC3339 text so the local UTC offset survives the round
	// trip; TIMESTAMP columns would normalize it away.
	_, err := db.conn.ExecContext(ctx, query,
		a.ID,
		a.Address,
		a.Subject,
		string(a.Status),
		a.Timestamp,
		a.LocalTimestamp.Format(time.RFC3339),
		a.Timezone,
		a.Error,
	)
	if err != nil {
		metrics.RecordDBError("insert", "delivery_attempts")
		return fmt.Errorf("failed to insert delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns a user's delivery attempts, newest first.
func (db *DB) ListDeliveryAttempts(ctx context.Context, address string, limit int) ([]models.DeliveryAttempt, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("list", "delivery_attempts", start)

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, address, subject, status, timestamp, local_timestamp, timezone, error
		FROM delivery_attempts
		WHERE address = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`
	rows, err := db.conn.QueryContext(ctx, query, address, limit)
	if err != nil {
		metrics.RecordDBError("list", "delivery_attempts")
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var status, localTS string
		if err := rows.Scan(
			&a.ID, &a.Address, &a.Subject, &status, &a.Timestamp,
			&localTS, &a.Timezone, &a.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		a.Status = models.AttemptStatus(status)
		a.Timestamp = a.Timestamp.UTC()
		if localTS != "" {
			if t, err := time.Parse(time.RFC3339, localTS); err == nil {
				a.LocalTimestamp = t
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery attempts: %w", err)
	}
	return out, nil
}
