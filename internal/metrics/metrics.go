// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package provides instrumentation for:
// - Send pipeline outcomes and durations
// - Scheduler tick activity and admission gate saturation
// - SMTP retries and circuit breaker state
// - Message generation fallbacks and voice cache efficiency
// - Database query performance (DuckDB)

var (
	// Send Pipeline Metrics
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_sends_total",
			Help: "Total number of send invocations by outcome",
		},
		[]string{"outcome"}, // "success", "failed", "skipped", "paused", "inactive"
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ember_send_duration_seconds",
			Help:    "End-to-end duration of a send invocation in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	StreakObserved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ember_streak_days",
			Help:    "Streak counts observed at send time",
			Buckets: []float64{1, 2, 3, 7, 14, 30, 60, 100, 365},
		},
	)

	// Scheduler Metrics
	SchedulerFiresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_scheduler_fires_total",
			Help: "Total number of scheduled job fires",
		},
	)

	GateRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_gate_rejections_total",
			Help: "Total number of send invocations rejected by the admission gate",
		},
	)

	GateInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_gate_in_flight",
			Help: "Current number of sends admitted through the gate",
		},
	)

	// Delivery Metrics
	SMTPRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_smtp_retries_total",
			Help: "Total number of SMTP delivery retries",
		},
	)

	SMTPCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_smtp_circuit_state",
			Help: "SMTP circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Generation Metrics
	FallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_generation_fallbacks_total",
			Help: "Total number of messages built from the fallback template",
		},
	)

	VoiceCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_voice_cache_hits_total",
			Help: "Total number of voice profile cache hits",
		},
	)

	VoiceCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_voice_cache_misses_total",
			Help: "Total number of voice profile cache misses",
		},
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// Event Publishing Metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_events_published_total",
			Help: "Total number of domain events published",
		},
		[]string{"topic", "status"}, // status: "ok", "error", "dropped"
	)
)

// ObserveDBQuery records the duration of a database query.
func ObserveDBQuery(operation, table string, start time.Time) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
}

// RecordDBError increments the query error counter.
func RecordDBError(operation, table string) {
	DBQueryErrors.WithLabelValues(operation, table).Inc()
}
