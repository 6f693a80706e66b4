// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/embermail/ember/internal/models"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestVoiceCacheGetOrCompute(t *testing.T) {
	db := openTestBadger(t)

	builds := 0
	cache := NewVoiceCache(db, func(ctx context.Context, p models.Personality) (string, error) {
		builds++
		return "built:" + p.Name, nil
	}, time.Hour)

	p := models.Personality{Name: "Coach", Description: "Direct."}

	got, err := cache.Voice(context.Background(), p)
	if err != nil {
		t.Fatalf("Voice() error = %v", err)
	}
	if got != "built:Coach" {
		t.Errorf("Voice() = %q, want %q", got, "built:Coach")
	}

	// Second call hits the cache.
	got, err = cache.Voice(context.Background(), p)
	if err != nil {
		t.Fatalf("Voice() error = %v", err)
	}
	if got != "built:Coach" {
		t.Errorf("Voice() = %q, want %q", got, "built:Coach")
	}
	if builds != 1 {
		t.Errorf("builder called %d times, want 1", builds)
	}
}

func TestVoiceCacheBuilderError(t *testing.T) {
	db := openTestBadger(t)

	wantErr := errors.New("model down")
	cache := NewVoiceCache(db, func(ctx context.Context, p models.Personality) (string, error) {
		return "", wantErr
	}, time.Hour)

	_, err := cache.Voice(context.Background(), models.Personality{Name: "Coach"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Voice() error = %v, want wrapped %v", err, wantErr)
	}
}

func TestVoiceCacheInvalidate(t *testing.T) {
	db := openTestBadger(t)

	builds := 0
	cache := NewVoiceCache(db, func(ctx context.Context, p models.Personality) (string, error) {
		builds++
		return "v", nil
	}, time.Hour)

	p := models.Personality{Name: "Coach"}
	ctx := context.Background()

	if _, err := cache.Voice(ctx, p); err != nil {
		t.Fatalf("Voice() error = %v", err)
	}
	if err := cache.Invalidate("Coach"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := cache.Voice(ctx, p); err != nil {
		t.Fatalf("Voice() error = %v", err)
	}
	if builds != 2 {
		t.Errorf("builder called %d times after invalidate, want 2", builds)
	}

	// Invalidating an absent key is fine.
	if err := cache.Invalidate("nobody"); err != nil {
		t.Errorf("Invalidate(missing) error = %v, want nil", err)
	}
}

func TestDefaultVoiceBuilder(t *testing.T) {
	got, err := DefaultVoiceBuilder(context.Background(), models.Personality{Name: "Zen", Description: "Calm."})
	if err != nil {
		t.Fatalf("DefaultVoiceBuilder() error = %v", err)
	}
	if got != "Calm." {
		t.Errorf("DefaultVoiceBuilder() = %q, want %q", got, "Calm.")
	}

	got, err = DefaultVoiceBuilder(context.Background(), models.Personality{Name: "Zen"})
	if err != nil {
		t.Fatalf("DefaultVoiceBuilder() error = %v", err)
	}
	if got == "" {
		t.Error("DefaultVoiceBuilder() empty for descriptionless personality")
	}
}
