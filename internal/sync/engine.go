// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kindred-app/kindred/internal/alerts"
	"github.com/kindred-app/kindred/internal/cache"
	"github.com/kindred-app/kindred/internal/channel"
	"github.com/kindred-app/kindred/internal/chattabs"
	"github.com/kindred-app/kindred/internal/conversations"
	"github.com/kindred-app/kindred/internal/eventprocessor"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/models"
	"github.com/kindred-app/kindred/internal/notifications"
	"github.com/kindred-app/kindred/internal/storage"
)

// Defaults for Config fields left zero.
const (
	DefaultPageSize   = 20
	DefaultAckTimeout = 10 * time.Second
	rateWindow        = time.Minute
	rateBuckets       = 12
)

// Config configures an Engine.
type Config struct {
	Session        models.Session
	PageSize       int
	DedupWindow    time.Duration
	DedupRetention time.Duration
	MaxTabs        int
	MaxAlerts      int
	AckTimeout     time.Duration
	Clock          cache.Clock
}

// Deps are the collaborators an Engine drives. Channel and API are
// required. Outbox, Layout and Tap are optional.
type Deps struct {
	Channel *channel.Manager
	API     APIClient
	Outbox  *storage.Outbox
	Layout  chattabs.LayoutStore
	Tap     *eventprocessor.Tap
}

// Engine composes the channel, stores and queues into one session-scoped
// sync engine. All exported methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	session models.Session
	clock   cache.Clock

	channel *channel.Manager
	api     APIClient
	outbox  *storage.Outbox
	tap     *eventprocessor.Tap

	notifications *notifications.Store
	conversations *conversations.Registry
	tabs          *chattabs.Multiplexer
	alerts        *alerts.Queue
	dedup         *cache.Deduplicator[models.Fingerprint]
	events        *logging.EventLogger

	eventRate     *cache.SlidingWindowCounter
	reconnectRate *cache.SlidingWindowCounter

	// lifecycle scopes async work; canceled by Stop.
	lifecycle context.Context
	cancel    context.CancelFunc

	mu      stdsync.Mutex
	started bool
	stopped bool
	unsubs  []func()
	wg      stdsync.WaitGroup
}

// NewEngine wires an engine for cfg.Session. Call Start to connect.
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Channel == nil {
		return nil, errors.New("sync engine requires a channel manager")
	}
	if deps.API == nil {
		return nil, errors.New("sync engine requires an API client")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:           cfg,
		session:       cfg.Session,
		clock:         cfg.Clock,
		channel:       deps.Channel,
		api:           deps.API,
		outbox:        deps.Outbox,
		tap:           deps.Tap,
		tabs:          chattabs.New(cfg.MaxTabs, deps.Layout),
		events:        logging.NewEventLogger(),
		eventRate:     cache.NewSlidingWindowCounter(rateWindow, rateBuckets, cfg.Clock),
		reconnectRate: cache.NewSlidingWindowCounter(rateWindow, rateBuckets, cfg.Clock),
		lifecycle:     lifecycle,
		cancel:        cancel,
	}

	dedupOpts := []cache.DedupOption{cache.WithClock(cfg.Clock)}
	if cfg.DedupWindow > 0 {
		dedupOpts = append(dedupOpts, cache.WithWindow(cfg.DedupWindow))
	}
	if cfg.DedupRetention > 0 {
		dedupOpts = append(dedupOpts, cache.WithRetention(cfg.DedupRetention))
	}
	e.dedup = cache.NewDeduplicator[models.Fingerprint](dedupOpts...)

	alertOpts := []alerts.Option{alerts.WithClock(cfg.Clock)}
	if cfg.MaxAlerts > 0 {
		alertOpts = append(alertOpts, alerts.WithMaxVisible(cfg.MaxAlerts))
	}
	e.alerts = alerts.NewQueue(alertOpts...)

	e.notifications = notifications.NewStore(e)
	e.conversations = conversations.NewRegistry(cfg.Session.UserID, e)
	return e, nil
}

// Start restores chat tabs, registers channel handlers, connects and
// reconciles notifications and conversations. A connection failure is
// surfaced as an alert and does not fail Start; session errors do.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if n := e.tabs.Restore(ctx); n > 0 {
		logging.Info().Int("tabs", n).Msg("restored chat tabs")
	}

	e.register()

	if err := e.channel.Connect(e.lifecycle, e.session); err != nil {
		if !errors.Is(err, channel.ErrConnectionFailed) {
			e.unregister()
			return fmt.Errorf("connect channel: %w", err)
		}
		e.onConnectionFailed(err)
	}

	e.replayOutbox(ctx)
	e.reconcile(ctx)

	logging.Info().
		Int64("user_id", e.session.UserID).
		Str("channel_state", e.channel.State().String()).
		Msg("sync engine started")
	return nil
}

// Serve runs the engine until ctx is canceled. It implements suture.Service.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (e *Engine) String() string { return "sync-engine" }

// Stop disconnects the channel, cancels in-flight acknowledgements and
// stops the alert timers. It is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	e.channel.Disconnect()
	e.cancel()
	e.wg.Wait()
	e.alerts.Close()
	logging.Info().Msg("sync engine stopped")
}

// register subscribes to every inbound event and to channel lifecycle
// callbacks.
func (e *Engine) register() {
	unsubs := make([]func(), 0, len(models.InboundEventKinds)+2)
	for _, kind := range models.InboundEventKinds {
		if kind == models.EventHeartbeat {
			continue
		}
		unsubs = append(unsubs, e.channel.On(string(kind), func(data json.RawMessage) {
			e.handleFrame(kind, data)
		}))
	}
	unsubs = append(unsubs,
		e.channel.OnConnected(e.onConnected),
		e.channel.OnConnectionFailed(e.onConnectionFailed),
	)

	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubs...)
	e.mu.Unlock()
}

// unregister drops the channel handlers after a failed Start so the
// supervisor can retry it.
func (e *Engine) unregister() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.started = false
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (e *Engine) onConnected(reconnect bool) {
	if !reconnect {
		return
	}
	e.reconnectRate.Increment()
	e.goAsync(func(ctx context.Context) {
		e.replayOutbox(ctx)
		e.reconcile(ctx)
	})
}

func (e *Engine) onConnectionFailed(err error) {
	logging.Error().Err(err).Msg("realtime channel unavailable, continuing with REST state")
	e.pushAlert(alerts.Alert{
		Kind:    alerts.KindError,
		Title:   "Chat degraded",
		Message: "Live updates are unavailable. Refresh to reconnect.",
	})
}

// goAsync runs fn on the lifecycle context unless the engine is stopped.
func (e *Engine) goAsync(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.lifecycle)
	}()
}

// RequestSnapshot implements conversations.SnapshotRequester.
func (e *Engine) RequestSnapshot(reason string) {
	logging.Debug().Str("reason", reason).Msg("conversation snapshot requested")
	e.goAsync(func(ctx context.Context) {
		if err := e.RefreshConversations(ctx); err != nil {
			logging.Warn().Err(err).Str("reason", reason).Msg("conversation snapshot failed")
		}
	})
}

func (e *Engine) pushAlert(a alerts.Alert) string {
	return e.alerts.Push(a)
}

// Notifications returns the notification store.
func (e *Engine) Notifications() *notifications.Store { return e.notifications }

// Conversations returns the conversation registry.
func (e *Engine) Conversations() *conversations.Registry { return e.conversations }

// Tabs returns the chat tab multiplexer.
func (e *Engine) Tabs() *chattabs.Multiplexer { return e.tabs }

// Alerts returns the alert queue.
func (e *Engine) Alerts() *alerts.Queue { return e.alerts }

// Snapshot is a point-in-time view of engine state.
type Snapshot struct {
	UserID              int64                 `json:"user_id"`
	ChannelState        string                `json:"channel_state"`
	UnreadNotifications int                   `json:"unread_notifications"`
	HeldNotifications   int                   `json:"held_notifications"`
	Conversations       int                   `json:"conversations"`
	UnreadMessages      int                   `json:"unread_messages"`
	Tabs                []chattabs.Tab        `json:"tabs"`
	Alerts              []alerts.Alert        `json:"alerts"`
	OutboxPending       int                   `json:"outbox_pending"`
	EventsPerMinute     int64                 `json:"events_per_minute"`
	ReconnectsPerMinute int64                 `json:"reconnects_per_minute"`
	Dedup               cache.DedupStats      `json:"dedup"`
	Recent              []models.Conversation `json:"recent_conversations,omitempty"`
}

// recentLimit bounds the conversations included in a Snapshot.
const recentLimit = 10

// Snapshot returns the current engine state.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		UserID:              e.session.UserID,
		ChannelState:        e.channel.State().String(),
		UnreadNotifications: e.notifications.UnreadCount(),
		HeldNotifications:   e.notifications.Len(),
		Conversations:       e.conversations.Len(),
		UnreadMessages:      e.conversations.TotalUnread(),
		Tabs:                e.tabs.Tabs(),
		Alerts:              e.alerts.Visible(),
		EventsPerMinute:     e.eventRate.Count(),
		ReconnectsPerMinute: e.reconnectRate.Count(),
		Dedup:               e.dedup.Stats(),
	}
	if e.outbox != nil {
		s.OutboxPending = e.outbox.Len(ctx)
	}
	recent := e.conversations.List()
	if len(recent) > recentLimit {
		recent = recent[:recentLimit]
	}
	s.Recent = recent
	return s
}
