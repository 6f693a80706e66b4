// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package generator builds the subject and body of a motivational message.
//
// generator.go - message generation
//
// Generation never fails: when the configured generator cannot produce a
// message, the deterministic fallback text is returned with UsedFallback
// set so the caller can record the degradation without aborting the send.
package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/embermail/ember/internal/metrics"
	"github.com/embermail/ember/internal/models"
)

// GenerateRequest carries everything a generator needs for one message.
type GenerateRequest struct {
	User        *models.User
	Personality models.Personality
	Streak      int

	// ResearchSnippet is optional enrichment text surfaced in the body.
	ResearchSnippet string
}

// GenerateResult is the produced message. Always usable, never partial.
type GenerateResult struct {
	Subject      string
	Body         string
	Type         models.MessageType
	UsedFallback bool
}

// Generator produces a message for a send invocation. Implementations
// must not return errors; degraded output is signaled via UsedFallback.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) GenerateResult
}

// Streak counts that earn a milestone message instead of the daily one.
var milestoneStreaks = map[int]bool{
	7: true, 14: true, 30: true, 50: true, 100: true, 365: true,
}

// TemplateGenerator is the deterministic local generator. It doubles as
// the fallback path for richer generators.
type TemplateGenerator struct {
	// Voices optionally supplies an expanded voice description per
	// personality. Nil means the personality's own description is used.
	Voices VoiceSource
}

// VoiceSource resolves a personality to its expanded voice description.
type VoiceSource interface {
	Voice(ctx context.Context, p models.Personality) (string, error)
}

// NewTemplateGenerator creates the default generator.
func NewTemplateGenerator(voices VoiceSource) *TemplateGenerator {
	return &TemplateGenerator{Voices: voices}
}

// Generate builds a deterministic message from the personality voice, the
// user's goals, and the streak count.
func (g *TemplateGenerator) Generate(ctx context.Context, req GenerateRequest) GenerateResult {
	voice := req.Personality.Description
	if g.Voices != nil {
		if v, err := g.Voices.Voice(ctx, req.Personality); err == nil && v != "" {
			voice = v
		}
	}

	name := req.User.Name
	if name == "" {
		name = req.User.Address
	}

	msgType := models.MessageTypeMotivation
	if milestoneStreaks[req.Streak] {
		msgType = models.MessageTypeMilestone
	}

	var subject string
	switch {
	case msgType == models.MessageTypeMilestone:
		subject = fmt.Sprintf("%d days strong — a milestone, %s!", req.Streak, name)
	case req.Streak > 1:
		subject = fmt.Sprintf("Day %d — keep the streak alive, %s", req.Streak, name)
	default:
		subject = fmt.Sprintf("A fresh start, %s", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)

	if voice != "" {
		fmt.Fprintf(&b, "%s\n\n", voice)
	}

	switch msgType {
	case models.MessageTypeMilestone:
		fmt.Fprintf(&b, "Today marks %d consecutive days. That consistency is the whole game.\n\n", req.Streak)
	default:
		if req.Streak > 1 {
			fmt.Fprintf(&b, "You're on a %d-day streak. One more day is all today asks.\n\n", req.Streak)
		} else {
			b.WriteString("Every streak starts at one. Today is day one.\n\n")
		}
	}

	if len(req.User.Goals) > 0 {
		b.WriteString("Your goals:\n")
		for _, goal := range req.User.Goals {
			fmt.Fprintf(&b, "  - %s\n", goal)
		}
		b.WriteString("\n")
	}

	if req.ResearchSnippet != "" {
		fmt.Fprintf(&b, "Worth knowing: %s\n\n", req.ResearchSnippet)
	}

	fmt.Fprintf(&b, "— %s\n", req.Personality.Name)

	return GenerateResult{
		Subject: subject,
		Body:    b.String(),
		Type:    msgType,
	}
}

// WithFallback wraps a generator so that panics or empty output from the
// primary degrade to the template generator instead of failing the send.
type WithFallback struct {
	Primary  Generator
	Fallback *TemplateGenerator
}

// Generate tries the primary generator and falls back on any failure.
func (w *WithFallback) Generate(ctx context.Context, req GenerateRequest) (res GenerateResult) {
	defer func() {
		if r := recover(); r != nil {
			res = w.fallback(ctx, req)
		}
	}()

	if w.Primary == nil {
		return w.fallback(ctx, req)
	}

	res = w.Primary.Generate(ctx, req)
	if res.Subject == "" || res.Body == "" {
		return w.fallback(ctx, req)
	}
	return res
}

func (w *WithFallback) fallback(ctx context.Context, req GenerateRequest) GenerateResult {
	metrics.FallbacksTotal.Inc()
	res := w.Fallback.Generate(ctx, req)
	res.Type = models.MessageTypeFallback
	res.UsedFallback = true
	return res
}
