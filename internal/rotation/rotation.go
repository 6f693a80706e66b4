// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package rotation selects the active personality for a send.
//
// Selection is stateless: the orchestrator alone persists the advanced
// index, and only on the sequential path after a confirmed successful
// delivery. A failed send never consumes a rotation slot.
package rotation

import (
	"math/rand"
	"time"

	"github.com/embermail/ember/internal/models"
)

// Select returns the personality to use for a send at nowLocal.
//
// An empty personality list yields models.DefaultPersonality; selection
// never fails. A stored index outside the list is clamped to 0 before any
// mode logic runs, so profile edits that shrank the list self-heal.
func Select(personalities []models.Personality, mode models.RotationMode, currentIndex int, nowLocal time.Time) models.Personality {
	if len(personalities) == 0 {
		return models.DefaultPersonality()
	}

	n := len(personalities)
	idx := ClampIndex(currentIndex, n)

	switch mode {
	case models.RotationSequential:
		return personalities[idx]

	case models.RotationRandom:
		return personalities[rand.Intn(n)]

	case models.RotationDailyFixed:
		// ISO weekday: Monday=1 .. Sunday=7.
		return personalities[isoWeekday(nowLocal)%n]

	case models.RotationWeeklyRotation:
		_, week := nowLocal.ISOWeek()
		return personalities[week%n]

	case models.RotationTimeBased:
		if nowLocal.Hour() < 12 {
			return personalities[0]
		}
		return personalities[ClampIndex(n/2, n)]

	case models.RotationFavoriteWeighted:
		// TODO: weighting needs per-personality favorite counts from the
		// reply ingestion pipeline; behaves as sequential until then.
		return personalities[idx]

	default:
		return personalities[idx]
	}
}

// NextIndex is the post-send advance rule for sequential mode: the caller
// applies it exactly once per successful send, never on failure.
func NextIndex(currentIndex, n int) int {
	if n <= 0 {
		return 0
	}
	return (ClampIndex(currentIndex, n) + 1) % n
}

// ClampIndex returns i if it is a valid index into a list of length n,
// otherwise 0.
func ClampIndex(i, n int) int {
	if i < 0 || i >= n {
		return 0
	}
	return i
}

// isoWeekday maps time.Weekday to ISO-8601 numbering (Monday=1, Sunday=7).
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
