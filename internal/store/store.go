// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package store provides DuckDB-backed persistence for users, message
// history, and delivery attempts.
//
// store.go - connection management and schema
//
// All operations use parameterized queries to prevent SQL injection.
// JSON columns are handled with proper marshaling/unmarshaling.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
)

// ErrUserNotFound is returned when a user lookup misses.
var ErrUserNotFound = errors.New("user not found")

// Config holds database connection settings.
type Config struct {
	// Path is the database file. Empty means in-memory.
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB's memory usage, e.g. "512MB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. Zero uses NumCPU.
	Threads int `koanf:"threads"`

	// QueryTimeout bounds individual queries when the caller's context
	// carries no deadline.
	QueryTimeout time.Duration `koanf:"query_timeout"`
}

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn   *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// New opens the database and initializes the schema.
func New(cfg Config, logger *zerolog.Logger) (*DB, error) {
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "512MB"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	if cfg.Path != "" {
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
	}

	connStr := cfg.Path
	if connStr != "" {
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, cfg.Threads, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DuckDB is embedded; a single writer connection avoids write conflicts.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if err := db.initialize(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// ensureContext attaches the default query timeout when the caller's
// context has no deadline.
func (db *DB) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.cfg.QueryTimeout)
}

// initialize creates the schema.
func (db *DB) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			address VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL DEFAULT '',
			goals VARCHAR NOT NULL DEFAULT '[]',
			timezone VARCHAR NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT true,
			paused BOOLEAN NOT NULL DEFAULT false,
			skip_next BOOLEAN NOT NULL DEFAULT false,
			personalities VARCHAR NOT NULL DEFAULT '[]',
			rotation_mode VARCHAR NOT NULL DEFAULT 'sequential',
			current_personality_index INTEGER NOT NULL DEFAULT 0,
			streak_count INTEGER NOT NULL DEFAULT 0,
			last_email_sent TIMESTAMP,
			total_messages INTEGER NOT NULL DEFAULT 0,
			schedule VARCHAR NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_history (
			id VARCHAR PRIMARY KEY,
			address VARCHAR NOT NULL,
			subject VARCHAR NOT NULL,
			body VARCHAR NOT NULL,
			type VARCHAR NOT NULL,
			streak INTEGER NOT NULL,
			used_fallback BOOLEAN NOT NULL DEFAULT false,
			research_snippet VARCHAR NOT NULL DEFAULT '',
			personality VARCHAR NOT NULL DEFAULT '',
			sent BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_address ON message_history(address)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id VARCHAR PRIMARY KEY,
			address VARCHAR NOT NULL,
			subject VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			local_timestamp VARCHAR NOT NULL DEFAULT '',
			timezone VARCHAR NOT NULL DEFAULT '',
			error VARCHAR NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_address ON delivery_attempts(address)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	db.logger.Debug().Msg("Database schema initialized")
	return nil
}
