// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package eventprocessor republishes accepted interaction events to a
Watermill publisher, the event tap.

The engine enqueues events without blocking; a single worker drains the
queue and publishes each event as a Watermill message on
"<prefix>.<event-kind>". The publisher is an in-process GoChannel by
default, or NATS JetStream when built with -tags nats and enabled in
configuration. Publishing goes through a circuit breaker so an unavailable
broker does not back up the queue.
*/
package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kindred-app/kindred/internal/breaker"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
)

// DefaultTopicPrefix prefixes tap topics.
const DefaultTopicPrefix = "kindred.events"

const defaultQueueSize = 256

// ErrTapClosed is returned when publishing to a closed tap.
var ErrTapClosed = errors.New("event tap closed")

// TapEvent is the message body published for an accepted event.
type TapEvent struct {
	EventID     string          `json:"event_id"`
	Kind        string          `json:"kind"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	UserID      int64           `json:"user_id"`
	ReceivedAt  time.Time       `json:"received_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Topic returns the topic for an event kind under prefix.
func Topic(prefix string, kind models.EventKind) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "." + string(kind)
}

// TapConfig configures a Tap.
type TapConfig struct {
	TopicPrefix string
	QueueSize   int
	UserID      int64
}

// Tap queues accepted events and publishes them from one worker.
type Tap struct {
	pub    message.Publisher
	cb     *gobreaker.CircuitBreaker[struct{}]
	prefix string
	userID int64

	queue chan TapEvent

	mu     sync.RWMutex
	closed bool
}

// NewTap creates a tap publishing through pub.
func NewTap(pub message.Publisher, cfg TapConfig) *Tap {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	return &Tap{
		pub:    pub,
		cb:     breaker.New[struct{}](breaker.Config{Name: "event-tap", ConsecutiveFailures: 5, Timeout: 30 * time.Second}, nil),
		prefix: cfg.TopicPrefix,
		userID: cfg.UserID,
		queue:  make(chan TapEvent, cfg.QueueSize),
	}
}

// NewGoChannelPubSub creates the in-process publisher/subscriber used when
// no broker is configured.
func NewGoChannelPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: defaultQueueSize},
		NewWatermillLogger(),
	)
}

// NewWatermillLogger adapts the process logger for Watermill components.
func NewWatermillLogger() watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logging.NewSlogLoggerForComponent("watermill"))
}

// Enqueue queues ev for publishing without blocking. Events are dropped
// when the queue is full or the tap is closed.
func (t *Tap) Enqueue(ev models.Event, fingerprint string) bool {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		metrics.TapErrors.Inc()
		logging.Warn().Err(err).Str("event", string(ev.Kind)).Msg("failed to encode tap event")
		return false
	}

	te := TapEvent{
		EventID:     uuid.New().String(),
		Kind:        string(ev.Kind),
		Fingerprint: fingerprint,
		UserID:      t.userID,
		ReceivedAt:  ev.ReceivedAt,
		Payload:     payload,
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	select {
	case t.queue <- te:
		return true
	default:
		metrics.TapErrors.Inc()
		logging.Warn().Str("event", te.Kind).Msg("event tap queue full, dropping event")
		return false
	}
}

// Serve publishes queued events until ctx is canceled.
func (t *Tap) Serve(ctx context.Context) error {
	logging.Info().Str("prefix", t.prefix).Msg("event tap started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("event tap stopped")
			return ctx.Err()
		case te := <-t.queue:
			if err := t.publish(te); err != nil {
				metrics.TapErrors.Inc()
				logging.Debug().Err(err).Str("event", te.Kind).Msg("event tap publish failed")
				continue
			}
			metrics.TapPublished.Inc()
		}
	}
}

// String identifies the tap as a supervised service.
func (t *Tap) String() string { return "event-tap" }

func (t *Tap) publish(te TapEvent) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTapClosed
	}

	data, err := json.Marshal(&te)
	if err != nil {
		return fmt.Errorf("marshal tap event: %w", err)
	}
	msg := message.NewMessage(te.EventID, data)
	msg.Metadata.Set("kind", te.Kind)
	if te.Fingerprint != "" {
		msg.Metadata.Set("fingerprint", te.Fingerprint)
	}

	topic := Topic(t.prefix, models.EventKind(te.Kind))
	_, err = breaker.Execute(t.cb, func() (struct{}, error) {
		return struct{}{}, t.pub.Publish(topic, msg)
	})
	return err
}

// Close stops accepting events and closes the publisher.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.pub.Close()
}
