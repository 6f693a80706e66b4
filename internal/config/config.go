// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// Package config loads layered configuration: struct defaults, then an
// optional YAML file, then environment variables (highest priority).
//
// Environment variables use the EMBER_ prefix with underscores mapping to
// nesting: EMBER_SMTP_HOST -> smtp.host, EMBER_DATABASE_PATH -> database.path.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/embermail/ember/internal/delivery"
	"github.com/embermail/ember/internal/logging"
	"github.com/embermail/ember/internal/schedule"
	"github.com/embermail/ember/internal/store"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/ember/config.yaml",
	"/etc/ember/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "EMBER_CONFIG_PATH"

// envPrefix namespaces Ember's environment variables.
const envPrefix = "EMBER_"

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DeliveryConfig holds retry and admission settings for the sender.
type DeliveryConfig struct {
	// LogOnly opts in to running without SMTP: messages are logged
	// instead of sent, but streaks and history still advance. Without
	// this flag, missing SMTP credentials are a startup error so a
	// misconfigured deployment cannot silently fabricate sends.
	LogOnly bool `koanf:"log_only"`

	MaxInFlight    int           `koanf:"max_in_flight"`
	SendsPerSecond float64       `koanf:"sends_per_second"`
	Burst          int           `koanf:"burst"`
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	BackoffFactor  float64       `koanf:"backoff_factor"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// RetryPolicy converts the config into the sender's policy object.
func (c DeliveryConfig) RetryPolicy() delivery.RetryPolicy {
	return delivery.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		Multiplier:     c.BackoffFactor,
		MaxBackoff:     c.MaxBackoff,
	}
}

// GeneratorConfig holds voice cache settings.
type GeneratorConfig struct {
	// VoiceCachePath is the BadgerDB directory. Empty uses in-memory.
	VoiceCachePath string        `koanf:"voice_cache_path"`
	VoiceCacheTTL  time.Duration `koanf:"voice_cache_ttl"`
}

// EventsConfig holds the send-outcome event publisher settings.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Topic   string `koanf:"topic"`

	// NATSURL switches from the in-process bus to NATS JetStream when set.
	NATSURL string `koanf:"nats_url"`
}

// Config is the complete application configuration.
type Config struct {
	Logging   logging.Config        `koanf:"logging"`
	Database  store.Config          `koanf:"database"`
	SMTP      delivery.SMTPConfig   `koanf:"smtp"`
	Scheduler schedule.Config       `koanf:"scheduler"`
	Delivery  DeliveryConfig        `koanf:"delivery"`
	Generator GeneratorConfig       `koanf:"generator"`
	Events    EventsConfig          `koanf:"events"`
	Server    ServerConfig          `koanf:"server"`
}

// defaultConfig returns the full default configuration. Defaults are
// applied first, then overridden by file and environment.
func defaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Database: store.Config{
			Path:         "/data/ember.duckdb",
			MaxMemory:    "512MB",
			Threads:      0, // 0 = runtime.NumCPU()
			QueryTimeout: 30 * time.Second,
		},
		SMTP: delivery.SMTPConfig{
			Port:        587,
			FromName:    "Ember",
			UseTLS:      true,
			DialTimeout: 30 * time.Second,
		},
		Scheduler: schedule.Config{
			TickInterval:       time.Minute,
			MaxConcurrentSends: 10,
			InvocationTimeout:  2 * time.Minute,
			Enabled:            true,
		},
		Delivery: DeliveryConfig{
			MaxInFlight:    10,
			SendsPerSecond: 5,
			Burst:          10,
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
			BackoffFactor:  2.0,
			MaxBackoff:     30 * time.Second,
		},
		Generator: GeneratorConfig{
			VoiceCachePath: "/data/voices",
			VoiceCacheTTL:  24 * time.Hour,
		},
		Events: EventsConfig{
			Enabled: true,
			Topic:   "ember.sends",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8484,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
	}
}

// Load builds the configuration from defaults, file, and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables
	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths:
// EMBER_SMTP_HOST -> smtp.host, EMBER_DELIVERY_MAX_ATTEMPTS ->
// delivery.max_attempts. The first underscore separates the section; the
// rest of the name keeps its underscores.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

// SMTPEnabled reports whether delivery is configured. Without SMTP
// credentials Ember refuses to start unless delivery.log_only is set.
func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.From != ""
}

// Validate checks field constraints and cross-field invariants.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}

	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}
	if !c.SMTPEnabled() && !c.Delivery.LogOnly {
		return fmt.Errorf("smtp is not configured; set smtp.host and smtp.from, or delivery.log_only to log messages instead of sending")
	}
	if c.Delivery.BackoffFactor < 1 {
		return fmt.Errorf("delivery.backoff_factor must be >= 1, got %g", c.Delivery.BackoffFactor)
	}
	if c.Events.Enabled && c.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when events are enabled")
	}
	return nil
}
