// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

// Package metrics holds the Prometheus instrumentation of the sync engine:
// channel connectivity, event deduplication, store sizes, REST calls, the
// acknowledgement outbox and the event tap. Metrics register with the
// default registry through promauto and are served on /metrics by the
// status API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel Metrics
	ChannelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindred_channel_state",
			Help: "Push channel state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting)",
		},
	)

	ChannelConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_channel_connects_total",
			Help: "Total number of successful channel connections",
		},
		[]string{"kind"}, // "initial", "reconnect"
	)

	ChannelReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_channel_reconnect_attempts_total",
			Help: "Total number of dial attempts made while retrying",
		},
	)

	ChannelFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_channel_failures_total",
			Help: "Total number of times the retry budget was exhausted",
		},
	)

	ChannelFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_channel_frames_received_total",
			Help: "Total number of frames received on the push channel",
		},
		[]string{"event"},
	)

	ChannelFramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_channel_frames_sent_total",
			Help: "Total number of frames sent on the push channel",
		},
		[]string{"event"},
	)

	ChannelTypingDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_channel_typing_dropped_total",
			Help: "Total number of typing signals dropped by the throttle",
		},
	)

	// Event Pipeline Metrics
	EventsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_events_accepted_total",
			Help: "Total number of inbound events accepted for fan-out",
		},
		[]string{"kind"},
	)

	EventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_events_suppressed_total",
			Help: "Total number of inbound events suppressed as duplicates",
		},
		[]string{"kind"},
	)

	EventsMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_events_malformed_total",
			Help: "Total number of inbound events dropped for invalid payloads",
		},
		[]string{"kind"},
	)

	StalePayloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_stale_payloads_total",
			Help: "Total number of asynchronous results rejected by freshness checks",
		},
		[]string{"payload"}, // "notifications", "conversations"
	)

	// Store Metrics
	NotificationsHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindred_notifications_held",
			Help: "Current number of notifications held in memory",
		},
	)

	NotificationsUnread = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindred_notifications_unread",
			Help: "Current notification unread counter",
		},
	)

	ConversationsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindred_conversations_tracked",
			Help: "Current number of known conversations",
		},
	)

	ChatTabsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindred_chat_tabs_open",
			Help: "Current number of open chat tabs",
		},
	)

	ChatTabEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_chat_tab_evictions_total",
			Help: "Total number of chat tabs evicted to make room for a new one",
		},
	)

	AlertsVisible = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindred_alerts_visible",
			Help: "Current number of visible ephemeral alerts",
		},
	)

	AlertsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_alerts_removed_total",
			Help: "Total number of alerts removed by reason",
		},
		[]string{"reason"}, // "expired", "dismissed", "evicted"
	)

	// REST Client Metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kindred_api_request_duration_seconds",
			Help:    "Duration of REST collaborator calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_api_requests_total",
			Help: "Total number of REST collaborator calls",
		},
		[]string{"operation", "result"}, // result: "success", "error"
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kindred_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Outbox Metrics
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kindred_outbox_pending",
			Help: "Current number of unacknowledged optimistic mutations",
		},
	)

	OutboxResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_outbox_results_total",
			Help: "Total number of outbox delivery outcomes",
		},
		[]string{"result"}, // "confirmed", "retry", "dropped"
	)

	// Event Tap Metrics
	TapPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_tap_published_total",
			Help: "Total number of accepted events republished to the event tap",
		},
	)

	TapErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kindred_tap_errors_total",
			Help: "Total number of event tap publish failures",
		},
	)

	// Status API Metrics
	StatusRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindred_status_requests_total",
			Help: "Total number of status API requests",
		},
		[]string{"route", "status"},
	)
)

// RecordAPIRequest records a REST collaborator call.
func RecordAPIRequest(operation string, duration time.Duration, err error) {
	APIRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	APIRequestsTotal.WithLabelValues(operation, result).Inc()
}

// RecordEvent records the pipeline outcome of an inbound event.
func RecordEvent(kind string, accepted bool) {
	if accepted {
		EventsAccepted.WithLabelValues(kind).Inc()
		return
	}
	EventsSuppressed.WithLabelValues(kind).Inc()
}

// RecordConnect records a successful channel connection.
func RecordConnect(reconnect bool) {
	if reconnect {
		ChannelConnects.WithLabelValues("reconnect").Inc()
		return
	}
	ChannelConnects.WithLabelValues("initial").Inc()
}

// RecordAlertRemoved records an alert leaving the visible queue.
func RecordAlertRemoved(reason string) {
	AlertsRemoved.WithLabelValues(reason).Inc()
}
