// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// EventLogger provides specialized logging for inbound channel events.
// Every accepted, suppressed or rejected event goes through one of its
// Log* methods so the event pipeline logs with consistent field names.
type EventLogger struct {
	logger zerolog.Logger
}

// NewEventLogger creates an EventLogger on top of the global logger.
func NewEventLogger() *EventLogger {
	return &EventLogger{
		logger: With().Str("component", "events").Logger(),
	}
}

// NewEventLoggerWithLogger creates an EventLogger with a custom logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewEventLoggerWithLogger(logger zerolog.Logger) *EventLogger {
	return &EventLogger{
		logger: logger.With().Str("component", "events").Logger(),
	}
}

func (e *EventLogger) withContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return e.logger
	}
	if id := CorrelationIDFromContext(ctx); id != "" {
		return e.logger.With().Str("correlation_id", id).Logger()
	}
	return e.logger
}

// LogEventReceived logs an event accepted for fan-out.
func (e *EventLogger) LogEventReceived(ctx context.Context, event, fingerprint string) {
	l := e.withContext(ctx)
	l.Debug().
		Str("event", event).
		Str("fingerprint", fingerprint).
		Msg("event received")
}

// LogDuplicate logs an event suppressed by the deduplicator.
func (e *EventLogger) LogDuplicate(ctx context.Context, event, fingerprint string) {
	l := e.withContext(ctx)
	l.Debug().
		Str("event", event).
		Str("fingerprint", fingerprint).
		Msg("duplicate event suppressed")
}

// LogMalformed logs an event dropped because its payload failed to decode
// or validate.
func (e *EventLogger) LogMalformed(ctx context.Context, event string, err error) {
	l := e.withContext(ctx)
	l.Warn().
		Str("event", event).
		Err(err).
		Msg("malformed event dropped")
}

// LogStale logs an asynchronous result rejected by a freshness check.
func (e *EventLogger) LogStale(ctx context.Context, what string, token, current uint64) {
	l := e.withContext(ctx)
	l.Debug().
		Str("payload", what).
		Uint64("token", token).
		Uint64("current", current).
		Msg("stale payload ignored")
}

// LogServerError logs an error event pushed by the server.
func (e *EventLogger) LogServerError(ctx context.Context, message string) {
	l := e.withContext(ctx)
	l.Warn().
		Str("server_message", TruncateContent(message, 200)).
		Msg("server reported error")
}

// LogTapFailed logs a failure to republish an accepted event.
func (e *EventLogger) LogTapFailed(ctx context.Context, event string, err error) {
	l := e.withContext(ctx)
	l.Warn().
		Str("event", event).
		Err(err).
		Msg("event tap publish failed")
}
