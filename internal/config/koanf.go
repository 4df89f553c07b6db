// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/kindred/config.yaml",
	"/etc/kindred/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with every default applied.
func defaultConfig() *Config {
	return &Config{
		Channel: ChannelConfig{
			URL:              "",
			HandshakeTimeout: 10 * time.Second,
			MaxRetries:       5,
			InitialBackoff:   100 * time.Millisecond,
			MaxBackoff:       time.Second,
			PingInterval:     25 * time.Second,
			PongWait:         60 * time.Second,
			WriteWait:        10 * time.Second,
			TypingRate:       1,
			TypingBurst:      2,
		},
		Dedup: DedupConfig{
			Window:    2 * time.Second,
			Retention: 5 * time.Second,
		},
		API: APIConfig{
			BaseURL:         "",
			Timeout:         15 * time.Second,
			PageSize:        20,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Tabs:   TabsConfig{MaxOpen: 3},
		Alerts: AlertsConfig{MaxVisible: 5},
		Storage: StorageConfig{
			Path:     "/data/kindred",
			InMemory: false,
		},
		Outbox: OutboxConfig{
			RetryInterval: 30 * time.Second,
			MaxAttempts:   5,
		},
		NATS: NATSConfig{
			Enabled:     false,
			URL:         "nats://127.0.0.1:4222",
			TopicPrefix: "kindred.events",
		},
		Status: StatusConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            7420,
			RateLimitReqs:   60,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables
	//   KINDRED_WS_URL -> channel.url
	//   LOG_LEVEL      -> logging.level
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
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

// findConfigFile returns the first config file found, or "" when none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envMappings maps environment variable names (lowercased) to koanf paths.
// Unmapped variables are ignored so the process environment cannot pollute config.
var envMappings = map[string]string{
	"kindred_token":   "session.token",
	"kindred_user_id": "session.user_id",

	"kindred_ws_url":                "channel.url",
	"kindred_ws_handshake_timeout":  "channel.handshake_timeout",
	"kindred_ws_max_retries":        "channel.max_retries",
	"kindred_ws_initial_backoff":    "channel.initial_backoff",
	"kindred_ws_max_backoff":        "channel.max_backoff",
	"kindred_ws_ping_interval":      "channel.ping_interval",
	"kindred_ws_pong_wait":          "channel.pong_wait",
	"kindred_ws_write_wait":         "channel.write_wait",
	"kindred_typing_rate":           "channel.typing_rate",
	"kindred_typing_burst":          "channel.typing_burst",
	"kindred_dedup_window":          "dedup.window",
	"kindred_dedup_retention":       "dedup.retention",
	"kindred_api_url":               "api.base_url",
	"kindred_api_timeout":           "api.timeout",
	"kindred_api_page_size":         "api.page_size",
	"kindred_api_breaker_failures":  "api.breaker_failures",
	"kindred_api_breaker_timeout":   "api.breaker_timeout",
	"kindred_max_tabs":              "tabs.max_open",
	"kindred_max_alerts":            "alerts.max_visible",
	"kindred_storage_path":          "storage.path",
	"kindred_storage_in_memory":     "storage.in_memory",
	"kindred_outbox_retry_interval": "outbox.retry_interval",
	"kindred_outbox_max_attempts":   "outbox.max_attempts",
	"kindred_status_enabled":        "status.enabled",
	"kindred_status_host":           "status.host",
	"kindred_status_port":           "status.port",
	"kindred_status_rate_limit":     "status.rate_limit_requests",
	"kindred_status_rate_window":    "status.rate_limit_window",

	"nats_enabled":      "nats.enabled",
	"nats_url":          "nats.url",
	"nats_topic_prefix": "nats.topic_prefix",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc transforms environment variable names to koanf config paths.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
