// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// users.go - user persistence
//
// This file contains CRUD operations for users:
//   - Create, read, update, delete
//   - Active-user listing for scheduler startup
//   - Atomic send-state updates (streak, counters, rotation index)
//   - Flag toggles (paused, skip_next)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/embermail/ember/internal/metrics"
	"github.com/embermail/ember/internal/models"
)

const userColumns = `
	address, name, goals, timezone, active, paused, skip_next,
	personalities, rotation_mode, current_personality_index,
	streak_count, last_email_sent, total_messages, schedule,
	created_at, updated_at
`

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("create", "users", start)

	goalsJSON, personalitiesJSON, scheduleJSON, err := marshalUserJSON(user)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.conn.ExecContext(ctx, query,
		user.Address,
		user.Name,
		goalsJSON,
		user.Timezone,
		user.Active,
		user.Paused,
		user.SkipNext,
		personalitiesJSON,
		string(user.RotationMode),
		user.CurrentPersonalityIndex,
		user.StreakCount,
		user.LastEmailSent,
		user.TotalMessages,
		scheduleJSON,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		metrics.RecordDBError("create", "users")
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by address. Returns ErrUserNotFound on miss.
func (db *DB) GetUser(ctx context.Context, address string) (*models.User, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("get", "users", start)

	query := `SELECT ` + userColumns + ` FROM users WHERE address = ?`
	row := db.conn.QueryRowContext(ctx, query, address)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		metrics.RecordDBError("get", "users")
		return nil, err
	}
	return user, nil
}

// UpdateUser replaces all mutable user fields.
func (db *DB) UpdateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("update", "users", start)

	goalsJSON, personalitiesJSON, scheduleJSON, err := marshalUserJSON(user)
	if err != nil {
		return err
	}

	user.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE users SET
			name = ?, goals = ?, timezone = ?, active = ?, paused = ?,
			skip_next = ?, personalities = ?, rotation_mode = ?,
			current_personality_index = ?, streak_count = ?,
			last_email_sent = ?, total_messages = ?, schedule = ?,
			updated_at = ?
		WHERE address = ?
	`
	res, err := db.conn.ExecContext(ctx, query,
		user.Name,
		goalsJSON,
		user.Timezone,
		user.Active,
		user.Paused,
		user.SkipNext,
		personalitiesJSON,
		string(user.RotationMode),
		user.CurrentPersonalityIndex,
		user.StreakCount,
		user.LastEmailSent,
		user.TotalMessages,
		scheduleJSON,
		user.UpdatedAt,
		user.Address,
	)
	if err != nil {
		metrics.RecordDBError("update", "users")
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res)
}

// DeleteUser removes a user. Deleting an unknown address is not an error.
func (db *DB) DeleteUser(ctx context.Context, address string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("delete", "users", start)

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE address = ?`, address); err != nil {
		metrics.RecordDBError("delete", "users")
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// ListActiveUsers returns every active user, paused included. Paused
// users keep their trigger set; the orchestrator silences their fires,
// so a restart while paused must still reinstall the job.
func (db *DB) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("list_active", "users", start)

	query := `SELECT ` + userColumns + ` FROM users WHERE active ORDER BY address`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		metrics.RecordDBError("list_active", "users")
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// UpdateSendState applies the post-send state transition in a single
// statement: last send timestamp, streak, message counter, and rotation
// index move together or not at all.
func (db *DB) UpdateSendState(ctx context.Context, address string, update models.SendStateUpdate) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("update_send_state", "users", start)

	query := `
		UPDATE users SET
			last_email_sent = ?,
			streak_count = ?,
			total_messages = ?,
			current_personality_index = ?,
			updated_at = ?
		WHERE address = ?
	`
	res, err := db.conn.ExecContext(ctx, query,
		update.LastEmailSent,
		update.StreakCount,
		update.TotalMessages,
		update.PersonalityIndex,
		time.Now().UTC(),
		address,
	)
	if err != nil {
		metrics.RecordDBError("update_send_state", "users")
		return fmt.Errorf("failed to update send state: %w", err)
	}
	return requireRow(res)
}

// SetSkipNext sets the skip-next flag.
func (db *DB) SetSkipNext(ctx context.Context, address string, skip bool) error {
	return db.setUserFlag(ctx, address, "skip_next", skip)
}

// SetPaused sets the paused flag.
func (db *DB) SetPaused(ctx context.Context, address string, paused bool) error {
	return db.setUserFlag(ctx, address, "paused", paused)
}

func (db *DB) setUserFlag(ctx context.Context, address, column string, value bool) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	start := time.Now()
	defer metrics.ObserveDBQuery("set_"+column, "users", start)

	// column is one of two compile-time constants, never caller input.
	query := fmt.Sprintf(`UPDATE users SET %s = ?, updated_at = ? WHERE address = ?`, column)
	res, err := db.conn.ExecContext(ctx, query, value, time.Now().UTC(), address)
	if err != nil {
		metrics.RecordDBError("set_"+column, "users")
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	return requireRow(res)
}

// requireRow converts a zero-row update into ErrUserNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func marshalUserJSON(user *models.User) (goals, personalities, schedule string, err error) {
	goalsB, err := json.Marshal(user.Goals)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal goals: %w", err)
	}
	persB, err := json.Marshal(user.Personalities)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal personalities: %w", err)
	}
	schedB, err := json.Marshal(user.Schedule)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal schedule: %w", err)
	}
	return string(goalsB), string(persB), string(schedB), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser scans one user row.
func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var goalsJSON, personalitiesJSON, scheduleJSON string
	var rotationMode string
	var lastEmailSent sql.NullTime

	err := row.Scan(
		&user.Address,
		&user.Name,
		&goalsJSON,
		&user.Timezone,
		&user.Active,
		&user.Paused,
		&user.SkipNext,
		&personalitiesJSON,
		&rotationMode,
		&user.CurrentPersonalityIndex,
		&user.StreakCount,
		&lastEmailSent,
		&user.TotalMessages,
		&scheduleJSON,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	user.RotationMode = models.RotationMode(rotationMode)
	if lastEmailSent.Valid {
		t := lastEmailSent.Time.UTC()
		user.LastEmailSent = &t
	}

	if err := json.Unmarshal([]byte(goalsJSON), &user.Goals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal goals: %w", err)
	}
	if err := json.Unmarshal([]byte(personalitiesJSON), &user.Personalities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal personalities: %w", err)
	}
	if err := json.Unmarshal([]byte(scheduleJSON), &user.Schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}

	return &user, nil
}
