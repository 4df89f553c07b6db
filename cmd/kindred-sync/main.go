// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

// Package main is the entry point for kindred-sync.
//
// kindred-sync keeps one signed-in user's notifications, conversations,
// chat tabs and alerts in sync with the dating service over its realtime
// push channel, reconciling with the REST API after every (re)connect.
//
// # Startup Order
//
//  1. Configuration: defaults, optional config.yaml, KINDRED_* environment (Koanf v2)
//  2. Storage: BadgerDB for the acknowledgement outbox and chat tab layout
//  3. Event tap: in-process pub/sub, or NATS JetStream when built with -tags nats
//  4. REST client behind a circuit breaker
//  5. Realtime channel over gorilla/websocket
//  6. Sync engine
//  7. Supervisor tree with the outbox replay loop and the status API
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the supervisor tree. The engine disconnects the
// channel and waits for in-flight acknowledgements; unacknowledged ones stay
// in the outbox and are replayed on the next start.
//
// # Example Usage
//
//	export KINDRED_TOKEN=eyJhbGciOi...
//	export KINDRED_USER_ID=1234
//	export KINDRED_WS_URL=wss://api.example.com/ws
//	export KINDRED_API_URL=https://api.example.com
//	./kindred-sync
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kindred-app/kindred/internal/api"
	"github.com/kindred-app/kindred/internal/channel"
	"github.com/kindred-app/kindred/internal/config"
	"github.com/kindred-app/kindred/internal/eventprocessor"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/models"
	"github.com/kindred-app/kindred/internal/storage"
	"github.com/kindred-app/kindred/internal/supervisor"
	"github.com/kindred-app/kindred/internal/supervisor/services"
	"github.com/kindred-app/kindred/internal/sync"

	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("kindred-sync failed")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	session := models.Session{Token: cfg.Session.Token, UserID: cfg.Session.UserID}
	if err := session.Validate(time.Now()); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	event := logging.Info().
		Int64("user_id", session.UserID).
		Str("token", logging.SanitizeToken(session.Token)).
		Str("channel_url", logging.SanitizeURL(cfg.Channel.URL)).
		Str("api_url", cfg.API.BaseURL)
	if exp, ok := session.ExpiresAt(); ok {
		event = event.Time("session_expires", exp)
	}
	event.Msg("Starting kindred-sync")

	// === STORAGE ===

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close storage")
		}
	}()
	outbox := storage.NewOutbox(db, cfg.Outbox.MaxAttempts)

	// === EVENT TAP ===

	pub := eventprocessor.NewPublisher(cfg.NATS.Enabled, eventprocessor.NATSConfig{URL: cfg.NATS.URL})
	tap := eventprocessor.NewTap(pub, eventprocessor.TapConfig{
		TopicPrefix: cfg.NATS.TopicPrefix,
		UserID:      session.UserID,
	})
	defer func() {
		if err := tap.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close event tap")
		}
	}()

	// === REST + CHANNEL ===

	client := sync.NewCircuitBreakerClient(
		sync.NewHTTPClient(sync.HTTPClientConfig{
			BaseURL: cfg.API.BaseURL,
			Token:   session.Token,
			Timeout: cfg.API.Timeout,
		}),
		sync.CircuitBreakerConfig{
			ConsecutiveFailures: cfg.API.BreakerFailures,
			Timeout:             cfg.API.BreakerTimeout,
		},
	)

	dialer := channel.NewWebSocketDialer(cfg.Channel.URL)
	if cfg.Channel.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.Channel.HandshakeTimeout
	}
	if cfg.Channel.WriteWait > 0 {
		dialer.WriteWait = cfg.Channel.WriteWait
	}
	if cfg.Channel.PongWait > 0 {
		dialer.PongWait = cfg.Channel.PongWait
	}
	if cfg.Channel.PingInterval > 0 {
		dialer.PingInterval = cfg.Channel.PingInterval
	}
	manager := channel.NewManager(dialer, channel.Config{
		MaxRetries:     cfg.Channel.MaxRetries,
		InitialBackoff: cfg.Channel.InitialBackoff,
		MaxBackoff:     cfg.Channel.MaxBackoff,
		TypingRate:     rate.Limit(cfg.Channel.TypingRate),
		TypingBurst:    cfg.Channel.TypingBurst,
	})

	// === ENGINE ===

	engine, err := sync.NewEngine(sync.Deps{
		Channel: manager,
		API:     client,
		Outbox:  outbox,
		Layout:  storage.NewLayoutStore(db),
		Tap:     tap,
	}, sync.Config{
		Session:        session,
		PageSize:       cfg.API.PageSize,
		DedupWindow:    cfg.Dedup.Window,
		DedupRetention: cfg.Dedup.Retention,
		MaxTabs:        cfg.Tabs.MaxOpen,
		MaxAlerts:      cfg.Alerts.MaxVisible,
	})
	if err != nil {
		return fmt.Errorf("create sync engine: %w", err)
	}

	// === SUPERVISOR TREE ===

	tree := supervisor.NewTree(logging.NewSlogLoggerForComponent("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddStorageService(sync.NewOutboxService(engine, cfg.Outbox.RetryInterval))
	tree.AddRealtimeService(engine)
	tree.AddRealtimeService(tap)

	if cfg.Status.Enabled {
		server := &http.Server{
			Addr: net.JoinHostPort(cfg.Status.Host, strconv.Itoa(cfg.Status.Port)),
			Handler: api.NewRouter(api.MiddlewareConfig{
				RateLimitRequests: cfg.Status.RateLimitReqs,
				RateLimitWindow:   cfg.Status.RateLimitWindow,
			}, engine),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
		logging.Info().Str("addr", server.Addr).Msg("Status API enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	stop()

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
	}

	// Stop is idempotent; it covers the case where the engine never served.
	engine.Stop()
	logging.Info().Msg("kindred-sync stopped")
	return nil
}

func openStorage(cfg config.StorageConfig) (*storage.DB, error) {
	if cfg.InMemory || cfg.Path == "" {
		db, err := storage.OpenInMemory()
		if err != nil {
			return nil, fmt.Errorf("open in-memory storage: %w", err)
		}
		logging.Warn().Msg("Storage is in memory; pending acknowledgements are lost on exit")
		return db, nil
	}
	db, err := storage.Open(storage.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return db, nil
}
