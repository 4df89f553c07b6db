// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

// Package config loads Kindred configuration.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in defaults for every optional setting
//  2. Config File: optional YAML file (CONFIG_PATH, config.yaml, /etc/kindred/config.yaml)
//  3. Environment Variables: explicit KINDRED_* and legacy names override anything
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import "time"

// Config holds all runtime configuration of the sync engine.
type Config struct {
	Session SessionConfig `koanf:"session"`
	Channel ChannelConfig `koanf:"channel"`
	Dedup   DedupConfig   `koanf:"dedup"`
	API     APIConfig     `koanf:"api"`
	Tabs    TabsConfig    `koanf:"tabs"`
	Alerts  AlertsConfig  `koanf:"alerts"`
	Storage StorageConfig `koanf:"storage"`
	Outbox  OutboxConfig  `koanf:"outbox"`
	NATS    NATSConfig    `koanf:"nats"`
	Status  StatusConfig  `koanf:"status"`
	Logging LoggingConfig `koanf:"logging"`
}

// SessionConfig identifies the signed-in user.
// Token is opaque; it is never logged unsanitized.
type SessionConfig struct {
	Token  string `koanf:"token"`
	UserID int64  `koanf:"user_id"`
}

// ChannelConfig configures the realtime push channel.
type ChannelConfig struct {
	URL              string        `koanf:"url"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	MaxRetries       int           `koanf:"max_retries"`
	InitialBackoff   time.Duration `koanf:"initial_backoff"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`
	PingInterval     time.Duration `koanf:"ping_interval"`
	PongWait         time.Duration `koanf:"pong_wait"`
	WriteWait        time.Duration `koanf:"write_wait"`
	TypingRate       float64       `koanf:"typing_rate"`  // typing signals per second
	TypingBurst      int           `koanf:"typing_burst"` // bucket size
}

// DedupConfig configures the event deduplicator.
type DedupConfig struct {
	Window    time.Duration `koanf:"window"`
	Retention time.Duration `koanf:"retention"`
}

// APIConfig configures the REST collaborator client.
type APIConfig struct {
	BaseURL         string        `koanf:"base_url"`
	Timeout         time.Duration `koanf:"timeout"`
	PageSize        int           `koanf:"page_size"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// TabsConfig configures the chat tab multiplexer.
type TabsConfig struct {
	MaxOpen int `koanf:"max_open"`
}

// AlertsConfig configures the ephemeral alert queue.
type AlertsConfig struct {
	MaxVisible int `koanf:"max_visible"`
}

// StorageConfig configures local persistence.
// An empty Path keeps everything in memory.
type StorageConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// OutboxConfig configures replay of unacknowledged optimistic mutations.
type OutboxConfig struct {
	RetryInterval time.Duration `koanf:"retry_interval"`
	MaxAttempts   int           `koanf:"max_attempts"`
}

// NATSConfig configures the event tap when built with -tags nats.
type NATSConfig struct {
	Enabled     bool   `koanf:"enabled"`
	URL         string `koanf:"url"`
	TopicPrefix string `koanf:"topic_prefix"`
}

// StatusConfig configures the local status HTTP API.
type StatusConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	RateLimitReqs   int           `koanf:"rate_limit_requests"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Load reads configuration from defaults, an optional config file and the
// environment, then validates it. See LoadWithKoanf.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
