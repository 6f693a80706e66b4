// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// voicecache.go - BadgerDB-backed voice description cache
//
// Expanding a personality into its full voice description is the expensive
// part of generation, so results are cached with a TTL. The cache is owned
// here; callers only see the VoiceSource interface.

package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/embermail/ember/internal/metrics"
	"github.com/embermail/ember/internal/models"
)

const voiceKeyPrefix = "voice:"

// VoiceBuilder computes the expanded voice description for a personality.
// Called on cache miss only.
type VoiceBuilder func(ctx context.Context, p models.Personality) (string, error)

// voiceEntry is the cached payload.
type voiceEntry struct {
	Voice     string    `json:"voice"`
	BuiltAt   time.Time `json:"built_at"`
	BuiltFrom string    `json:"built_from"` // personality description hash input, for debugging
}

// VoiceCache is a get-or-compute cache of voice descriptions backed by
// BadgerDB with native TTL expiry.
type VoiceCache struct {
	db    *badger.DB
	build VoiceBuilder
	ttl   time.Duration
}

// NewVoiceCache creates a voice cache. A non-positive ttl defaults to 24h.
func NewVoiceCache(db *badger.DB, build VoiceBuilder, ttl time.Duration) *VoiceCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &VoiceCache{db: db, build: build, ttl: ttl}
}

// Voice returns the cached voice description for a personality, computing
// and storing it on miss.
func (c *VoiceCache) Voice(ctx context.Context, p models.Personality) (string, error) {
	key := []byte(voiceKeyPrefix + p.Name)

	var entry voiceEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err == nil {
		metrics.VoiceCacheHits.Inc()
		return entry.Voice, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("voice cache read: %w", err)
	}

	metrics.VoiceCacheMisses.Inc()

	voice, err := c.build(ctx, p)
	if err != nil {
		return "", fmt.Errorf("building voice for %s: %w", p.Name, err)
	}

	entry = voiceEntry{
		Voice:     voice,
		BuiltAt:   time.Now().UTC(),
		BuiltFrom: p.Description,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return "", fmt.Errorf("marshal voice entry: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, data).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		// A write failure still leaves us with a usable voice.
		return voice, nil
	}
	return voice, nil
}

// Invalidate drops the cached voice for a personality. Missing keys are
// not an error.
func (c *VoiceCache) Invalidate(name string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(voiceKeyPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// DefaultVoiceBuilder expands a personality into its stock voice line.
// Stands in for a remote model call in this deployment.
func DefaultVoiceBuilder(ctx context.Context, p models.Personality) (string, error) {
	if p.Description == "" {
		return fmt.Sprintf("%s is here to keep you moving.", p.Name), nil
	}
	return p.Description, nil
}
