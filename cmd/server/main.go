// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package main is the entry point for the Ember server.
//
// Ember delivers scheduled motivational emails written in configurable
// personality voices, tracking per-recipient streaks across timezones.
//
// # Application Architecture
//
// The server initializes components in this order:
//
//  1. Configuration: layered defaults, YAML file, environment (Koanf v2)
//  2. Database: DuckDB holding users, message history, delivery attempts
//  3. Generator: template generator with fallback and a Badger voice cache
//  4. Delivery: SMTP transport behind a circuit breaker, retry sender,
//     and an admission gate bounding concurrency and send rate
//  5. Events: Watermill publisher for send outcomes (in-process or NATS)
//  6. Orchestrator: the per-user send pipeline
//  7. Scheduler: cron-driven job registry firing send invocations
//  8. HTTP server: health probes, metrics, and user management API
//
// All long-running components run under a suture supervision tree with
// three layers (data, delivery, api) so a crash in one subsystem
// restarts only that subsystem.
//
// # Configuration
//
// Configuration keys follow the EMBER_ prefix convention, for example:
//
//	EMBER_SERVER_PORT=8484
//	EMBER_DATABASE_PATH=/data/ember.duckdb
//	EMBER_SMTP_HOST=smtp.example.com
//	EMBER_SMTP_FROM=coach@example.com
//	EMBER_EVENTS_NATS_URL=nats://localhost:4222
//
// Running without SMTP requires the explicit EMBER_DELIVERY_LOG_ONLY=true
// opt-in; messages are then logged instead of sent. Missing SMTP
// credentials without that flag fail startup.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the scheduler stops firing, and the database and
// caches are closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/embermail/ember/internal/api"
	"github.com/embermail/ember/internal/config"
	"github.com/embermail/ember/internal/delivery"
	"github.com/embermail/ember/internal/events"
	"github.com/embermail/ember/internal/generator"
	"github.com/embermail/ember/internal/logging"
	"github.com/embermail/ember/internal/orchestrator"
	"github.com/embermail/ember/internal/schedule"
	"github.com/embermail/ember/internal/store"
	"github.com/embermail/ember/internal/supervisor"
	"github.com/embermail/ember/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not configured yet.
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.Logging)
	logger := logging.Logger()
	logging.Info().
		Str("database", cfg.Database.Path).
		Bool("smtp", cfg.SMTPEnabled()).
		Bool("events", cfg.Events.Enabled).
		Msg("Starting Ember")

	// === DATA LAYER ===

	db, err := store.New(cfg.Database, &logger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close database")
		}
	}()

	voiceDB, err := openVoiceCache(cfg.Generator.VoiceCachePath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open voice cache")
	}
	defer func() {
		if err := voiceDB.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close voice cache")
		}
	}()

	// === GENERATOR ===

	voices := generator.NewVoiceCache(voiceDB, generator.DefaultVoiceBuilder, cfg.Generator.VoiceCacheTTL)
	gen := &generator.WithFallback{
		Primary: generator.NewTemplateGenerator(voices),
		// The fallback skips the voice cache so a cache failure can
		// never block a send.
		Fallback: generator.NewTemplateGenerator(nil),
	}

	// === DELIVERY ===

	var transport delivery.Transport
	if cfg.SMTPEnabled() {
		transport = delivery.NewSMTPTransport(cfg.SMTP, &logger)
		logging.Info().
			Str("host", cfg.SMTP.Host).
			Int("port", cfg.SMTP.Port).
			Msg("SMTP delivery enabled")
	} else {
		// Reaching here requires the explicit delivery.log_only opt-in;
		// Validate refuses configs with neither SMTP nor log-only.
		transport = delivery.NewLogTransport(&logger)
		logging.Warn().Msg("Log-only delivery enabled, messages will be logged instead of sent")
	}

	gate := delivery.NewGate(cfg.Delivery.MaxInFlight, cfg.Delivery.SendsPerSecond, cfg.Delivery.Burst)
	sender := delivery.NewSender(transport, cfg.Delivery.RetryPolicy(), gate, &logger)

	// === EVENTS ===

	var publisher *events.Publisher
	var listener *events.Listener
	if cfg.Events.Enabled {
		publisher, err = events.NewPublisher(events.Config{
			Topic:   cfg.Events.Topic,
			NATSURL: cfg.Events.NATSURL,
		}, &logger)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create event publisher")
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logging.Error().Err(err).Msg("Failed to close event publisher")
			}
		}()
		listener = events.NewListener(publisher)
	}

	// === ORCHESTRATOR & SCHEDULER ===

	var outcomeListener orchestrator.OutcomeListener
	if listener != nil {
		outcomeListener = listener
	}
	orch := orchestrator.New(db, gen, sender, outcomeListener, &logger)

	scheduler := schedule.NewScheduler(db, orch, &logger, cfg.Scheduler)
	// Successful sends advance the scheduler's interval bookkeeping,
	// with or without event publishing.
	orch.SetSentRecorder(scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loadCtx, loadCancel := context.WithTimeout(ctx, time.Minute)
	if err := scheduler.RescheduleAll(loadCtx); err != nil {
		loadCancel()
		logging.Fatal().Err(err).Msg("Failed to load user schedules")
	}
	loadCancel()
	logging.Info().Int("jobs", scheduler.JobCount()).Msg("User schedules loaded")

	// === HTTP SERVER ===

	handler := api.NewHandler(db, orch, scheduler, &logger)
	router := api.Setup(handler, api.RouterConfig{
		RateLimitRequests: cfg.Server.RateLimitReqs,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  2 * cfg.Server.Timeout,
	}

	// === SUPERVISOR TREE ===

	slogger := logging.NewSlogLogger(logger)
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())

	tree.AddDataService(services.NewBadgerGCService(voiceDB, 10*time.Minute, &logger))
	tree.AddDeliveryService(services.NewSchedulerService(scheduler))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Ember stopped gracefully")
}

// openVoiceCache opens the Badger database backing the voice cache. An
// empty path selects Badger's in-memory mode.
func openVoiceCache(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	// Badger's own logger is too chatty; supervisor and cache metrics
	// cover its health.
	opts = opts.WithLogger(nil)
	return badger.Open(opts)
}
