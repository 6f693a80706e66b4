// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// router.go - Chi route registration

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the shared rate limits.
type RouterConfig struct {
	// RateLimitRequests per RateLimitWindow per client IP. Zero disables
	// rate limiting, used in tests.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DefaultRouterConfig returns production limits.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RateLimitRequests: 120,
		RateLimitWindow:   time.Minute,
	}
}

// Setup builds the full route tree.
func Setup(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	rateLimit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitRequests > 0 {
		rateLimit = httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	// Health endpoints get a permissive limit so monitoring can poll
	// frequently without tripping the API limit.
	r.Route("/api/v1/health", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			r.Use(httprate.LimitByIP(1000, time.Minute))
		}
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	r.Route("/api/v1/users", func(r chi.Router) {
		r.Use(rateLimit)

		r.Get("/", h.ListUsers)
		r.Post("/", h.CreateUser)

		r.Route("/{address}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Put("/", h.UpdateUser)
			r.Delete("/", h.DeleteUser)

			r.Post("/send", h.SendNow)
			r.Post("/pause", h.PauseUser)
			r.Post("/resume", h.ResumeUser)
			r.Post("/skip", h.SkipNext)

			r.Get("/history", h.ListHistory)
			r.Get("/attempts", h.ListAttempts)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
