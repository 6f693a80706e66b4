// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package models provides the data structures shared across the Ember engine:
// user profiles with schedule and rotation state, message history records,
// and the append-only delivery attempt log.
package models
