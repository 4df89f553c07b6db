// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kindred-app/kindred/internal/logging"
)

// Validate checks that required configuration is present and valid
func (c *Config) Validate() error {
	if err := c.validateSession(); err != nil {
		return err
	}
	if err := c.validateChannel(); err != nil {
		return err
	}
	if err := c.validateDedup(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateBounds(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	if err := c.validateStatus(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateSession() error {
	if strings.TrimSpace(c.Session.Token) == "" {
		return fmt.Errorf("KINDRED_TOKEN is required")
	}
	if c.Session.UserID <= 0 {
		return fmt.Errorf("KINDRED_USER_ID must be a positive user id, got %d", c.Session.UserID)
	}
	return nil
}

func (c *Config) validateChannel() error {
	if err := validateURL("KINDRED_WS_URL", c.Channel.URL, "ws", "wss"); err != nil {
		return err
	}
	if c.Channel.MaxRetries < 0 {
		return fmt.Errorf("KINDRED_WS_MAX_RETRIES must be non-negative, got %d", c.Channel.MaxRetries)
	}
	if c.Channel.InitialBackoff <= 0 {
		return fmt.Errorf("KINDRED_WS_INITIAL_BACKOFF must be positive, got %v", c.Channel.InitialBackoff)
	}
	if c.Channel.MaxBackoff < c.Channel.InitialBackoff {
		return fmt.Errorf("KINDRED_WS_MAX_BACKOFF (%v) must be >= KINDRED_WS_INITIAL_BACKOFF (%v)",
			c.Channel.MaxBackoff, c.Channel.InitialBackoff)
	}
	if c.Channel.PingInterval <= 0 || c.Channel.PongWait <= c.Channel.PingInterval {
		return fmt.Errorf("KINDRED_WS_PONG_WAIT (%v) must exceed KINDRED_WS_PING_INTERVAL (%v)",
			c.Channel.PongWait, c.Channel.PingInterval)
	}
	if c.Channel.TypingRate <= 0 || c.Channel.TypingBurst < 1 {
		return fmt.Errorf("typing throttle requires a positive rate and burst")
	}
	return nil
}

func (c *Config) validateDedup() error {
	if c.Dedup.Window <= 0 {
		return fmt.Errorf("KINDRED_DEDUP_WINDOW must be positive, got %v", c.Dedup.Window)
	}
	if c.Dedup.Retention < c.Dedup.Window {
		return fmt.Errorf("KINDRED_DEDUP_RETENTION (%v) must be >= KINDRED_DEDUP_WINDOW (%v)",
			c.Dedup.Retention, c.Dedup.Window)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if err := validateURL("KINDRED_API_URL", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.API.PageSize < 1 || c.API.PageSize > 100 {
		return fmt.Errorf("KINDRED_API_PAGE_SIZE must be between 1 and 100, got %d", c.API.PageSize)
	}
	if c.API.BreakerFailures == 0 {
		return fmt.Errorf("KINDRED_API_BREAKER_FAILURES must be at least 1")
	}
	return nil
}

func (c *Config) validateBounds() error {
	if c.Tabs.MaxOpen < 1 {
		return fmt.Errorf("KINDRED_MAX_TABS must be at least 1, got %d", c.Tabs.MaxOpen)
	}
	if c.Alerts.MaxVisible < 1 {
		return fmt.Errorf("KINDRED_MAX_ALERTS must be at least 1, got %d", c.Alerts.MaxVisible)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("KINDRED_OUTBOX_MAX_ATTEMPTS must be at least 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.RetryInterval <= 0 {
		return fmt.Errorf("KINDRED_OUTBOX_RETRY_INTERVAL must be positive, got %v", c.Outbox.RetryInterval)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("KINDRED_STORAGE_PATH is required unless KINDRED_STORAGE_IN_MEMORY=true")
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if err := validateURL("NATS_URL", c.NATS.URL, "nats", "tls"); err != nil {
		return err
	}
	if c.NATS.TopicPrefix == "" {
		return fmt.Errorf("NATS_TOPIC_PREFIX is required when NATS_ENABLED=true")
	}
	return nil
}

func (c *Config) validateStatus() error {
	if !c.Status.Enabled {
		return nil
	}
	if c.Status.Port < 1 || c.Status.Port > 65535 {
		return fmt.Errorf("KINDRED_STATUS_PORT must be between 1 and 65535, got %d", c.Status.Port)
	}
	if c.Status.RateLimitReqs < 1 || c.Status.RateLimitWindow <= 0 {
		return fmt.Errorf("status rate limit requires positive requests and window")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
}

func validateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v with a host, got %q", name, schemes, logging.SanitizeURL(raw))
}
