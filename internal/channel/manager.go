// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package channel owns the single push-channel connection of a session.

The Manager connects through a Dialer, retries dial and read failures with
a short capped exponential backoff, announces presence on every successful
(re)connect, acknowledges server heartbeats and fans inbound frames out to
registered handlers from one read goroutine, in transport order.

State machine:

	disconnected -> connecting -> connected
	connected -> disconnected            (Disconnect)
	connected -> reconnecting -> connecting -> connected
	reconnecting -> disconnected         (retry budget exhausted)

After the budget is exhausted no further automatic attempts are made; the
caller may invoke Connect again.
*/
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
)

// State is the connection state.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by Send when no connection is established.
	ErrNotConnected = errors.New("channel not connected")

	// ErrConnectionFailed is the terminal condition after the retry budget
	// is exhausted.
	ErrConnectionFailed = errors.New("channel connection failed")
)

// Handler receives the raw data of an inbound frame.
type Handler func(data json.RawMessage)

// Config tunes retry and throttling behavior.
type Config struct {
	// MaxRetries is the number of retries after a failed dial or a lost
	// connection before giving up.
	MaxRetries int

	// InitialBackoff is the delay before the first retry; it doubles up to
	// MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// TypingRate and TypingBurst throttle outbound typing-start signals.
	TypingRate  rate.Limit
	TypingBurst int
}

// DefaultConfig returns 5 retries with 100ms doubling backoff capped at 1s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		TypingRate:     rate.Limit(1),
		TypingBurst:    2,
	}
}

// backoff returns the delay before retry attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

type handlerEntry struct {
	fn Handler
}

type stateEntry struct {
	fn func(from, to State)
}

type connectedEntry struct {
	fn func(reconnect bool)
}

type failedEntry struct {
	fn func(err error)
}

// Manager owns the push channel of one session.
type Manager struct {
	dialer Dialer
	cfg    Config
	typing *rate.Limiter

	mu      sync.Mutex
	state   State
	session models.Session
	conn    Conn
	cancel  context.CancelFunc
	gen     uint64 // incremented by every Connect and Disconnect

	// Listener slices are replaced, never mutated, so a snapshot taken
	// under listenersMu can be iterated without the lock.
	listenersMu sync.RWMutex
	handlers    map[string][]*handlerEntry
	onState     []*stateEntry
	onConnected []*connectedEntry
	onFailed    []*failedEntry
}

// NewManager creates a Manager dialing through dialer.
func NewManager(dialer Dialer, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.TypingRate <= 0 {
		cfg.TypingRate = def.TypingRate
	}
	if cfg.TypingBurst < 1 {
		cfg.TypingBurst = def.TypingBurst
	}
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		typing:   rate.NewLimiter(cfg.TypingRate, cfg.TypingBurst),
		handlers: make(map[string][]*handlerEntry),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection for session, retrying dial failures
// within the retry budget. It is a no-op while connecting or connected.
// The connection lives until Disconnect or until ctx is canceled.
func (m *Manager) Connect(ctx context.Context, session models.Session) error {
	if err := session.Validate(time.Now()); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.session = session
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.transition(gen, StateConnecting)

	conn, err := m.dial(runCtx, gen, session)
	if err == nil {
		if m.install(gen, conn, false) {
			go m.run(runCtx, gen, conn)
			return nil
		}
		_ = conn.Close()
		cancel()
		return nil // superseded by Disconnect
	}

	m.mu.Lock()
	if m.gen == gen {
		m.cancel = nil
	}
	m.mu.Unlock()
	cancel()

	m.transition(gen, StateDisconnected)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	metrics.ChannelFailures.Inc()
	logging.Error().Err(err).Int("retries", m.cfg.MaxRetries).Msg("channel connection failed")
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

// dial makes one immediate attempt followed by up to MaxRetries retries.
func (m *Manager) dial(ctx context.Context, gen uint64, session models.Session) (Conn, error) {
	conn, err := m.dialer.Dial(ctx, session)
	if err == nil {
		return conn, nil
	}
	logging.Debug().Err(err).Msg("channel dial failed, retrying")
	return m.retry(ctx, gen, session, err)
}

// retry runs the backoff loop. Between attempts the state is reconnecting;
// during an attempt it is connecting.
func (m *Manager) retry(ctx context.Context, gen uint64, session models.Session, lastErr error) (Conn, error) {
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if !m.transition(gen, StateReconnecting) {
			return nil, context.Canceled
		}

		timer := time.NewTimer(m.cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if !m.transition(gen, StateConnecting) {
			return nil, context.Canceled
		}
		metrics.ChannelReconnectAttempts.Inc()

		conn, err := m.dialer.Dial(ctx, session)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logging.Debug().Err(err).Int("attempt", attempt).Msg("channel retry failed")
	}
	return nil, lastErr
}

// install makes conn the active connection and announces presence. It
// reports false when gen has been superseded.
func (m *Manager) install(gen uint64, conn Conn, reconnect bool) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	userID := m.session.UserID
	m.mu.Unlock()

	m.transition(gen, StateConnected)
	metrics.RecordConnect(reconnect)

	if err := m.writeFrame(conn, models.OutUserOnlineUpdate, map[string]int64{"userId": userID}); err != nil {
		logging.Warn().Err(err).Msg("failed to announce presence")
	}
	logging.Info().Bool("reconnect", reconnect).Msg("channel connected")

	for _, e := range m.connectedSnapshot() {
		e.fn(reconnect)
	}
	return true
}

// run is the single read goroutine of a connection generation. It
// dispatches frames in order and reconnects after read failures.
func (m *Manager) run(ctx context.Context, gen uint64, conn Conn) {
	for {
		err := m.readLoop(ctx, gen, conn)
		_ = conn.Close()

		if ctx.Err() != nil || !m.current(gen) {
			return
		}
		logging.Warn().Err(err).Msg("channel connection lost")

		m.mu.Lock()
		if m.gen == gen {
			m.conn = nil
		}
		session := m.session
		m.mu.Unlock()

		next, rerr := m.retry(ctx, gen, session, err)
		if rerr != nil {
			if ctx.Err() != nil || !m.current(gen) {
				return
			}
			m.fail(gen, rerr)
			return
		}
		if !m.install(gen, next, true) {
			_ = next.Close()
			return
		}
		conn = next
	}
}

// readLoop reads and dispatches frames until the connection fails.
func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if ctx.Err() != nil || !m.current(gen) {
			return ctx.Err()
		}
		metrics.ChannelFramesReceived.WithLabelValues(frame.Event).Inc()

		if frame.Event == string(models.EventHeartbeat) {
			if err := m.writeFrame(conn, models.OutHeartbeatAck, frame.Data); err != nil {
				logging.Debug().Err(err).Msg("heartbeat ack failed")
			}
		}
		m.dispatch(frame)
	}
}

// fail moves to the terminal disconnected state and notifies listeners.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.transition(gen, StateDisconnected)
	metrics.ChannelFailures.Inc()

	err := fmt.Errorf("%w: %w", ErrConnectionFailed, cause)
	logging.Error().Err(err).Int("retries", m.cfg.MaxRetries).Msg("channel reconnect budget exhausted")

	m.listenersMu.RLock()
	listeners := m.onFailed
	m.listenersMu.RUnlock()
	for _, e := range listeners {
		e.fn(err)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// transition sets the state for generation gen and notifies listeners
// outside the lock. It reports false when gen has been superseded.
func (m *Manager) transition(gen uint64, to State) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return true
	}
	metrics.ChannelState.Set(float64(to))

	m.listenersMu.RLock()
	listeners := m.onState
	m.listenersMu.RUnlock()
	for _, e := range listeners {
		e.fn(from, to)
	}
	return true
}

// Disconnect emits user-offline-force then user-disconnect best-effort,
// closes the transport and stops any retry in progress. Safe to call from a
// handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	conn := m.conn
	cancel := m.cancel
	userID := m.session.UserID
	m.conn = nil
	m.cancel = nil
	m.mu.Unlock()

	if conn != nil {
		presence := map[string]int64{"userId": userID}
		if err := m.writeFrame(conn, models.OutUserOfflineForce, presence); err != nil {
			logging.Debug().Err(err).Msg("offline signal not delivered")
		} else if err := m.writeFrame(conn, models.OutUserDisconnect, presence); err != nil {
			logging.Debug().Err(err).Msg("disconnect signal not delivered")
		}
		if err := conn.Close(); err != nil {
			logging.Debug().Err(err).Msg("failed to close channel connection")
		}
	}
	if cancel != nil {
		cancel()
	}

	m.transition(gen, StateDisconnected)
	logging.Info().Msg("channel disconnected")
}

// Send emits event with payload on the active connection. Typing-start
// signals beyond the throttle are dropped and reported as sent.
func (m *Manager) Send(event string, payload any) error {
	if event == models.OutTypingStart && !m.typing.Allow() {
		metrics.ChannelTypingDropped.Inc()
		return nil
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}
	return m.writeFrame(conn, event, payload)
}

func (m *Manager) writeFrame(conn Conn, event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	metrics.ChannelFramesSent.WithLabelValues(event).Inc()
	return nil
}

// On registers handler for event and returns a function that removes it.
// Registration and removal are safe during dispatch; a handler removed
// mid-dispatch may still receive the frame being dispatched.
func (m *Manager) On(event string, handler Handler) (unsubscribe func()) {
	entry := &handlerEntry{fn: handler}

	m.listenersMu.Lock()
	current := m.handlers[event]
	next := make([]*handlerEntry, len(current), len(current)+1)
	copy(next, current)
	m.handlers[event] = append(next, entry)
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			m.handlers[event] = without(m.handlers[event], entry)
		})
	}
}

// OnStateChange registers fn for state transitions.
func (m *Manager) OnStateChange(fn func(from, to State)) (unsubscribe func()) {
	entry := &stateEntry{fn: fn}
	m.listenersMu.Lock()
	m.onState = appendCopy(m.onState, entry)
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			m.onState = without(m.onState, entry)
		})
	}
}

// OnConnected registers fn for every successful connect; reconnect is
// true when the connection replaces one that was lost.
func (m *Manager) OnConnected(fn func(reconnect bool)) (unsubscribe func()) {
	entry := &connectedEntry{fn: fn}
	m.listenersMu.Lock()
	m.onConnected = appendCopy(m.onConnected, entry)
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			m.onConnected = without(m.onConnected, entry)
		})
	}
}

// OnConnectionFailed registers fn for background retry exhaustion.
func (m *Manager) OnConnectionFailed(fn func(err error)) (unsubscribe func()) {
	entry := &failedEntry{fn: fn}
	m.listenersMu.Lock()
	m.onFailed = appendCopy(m.onFailed, entry)
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			defer m.listenersMu.Unlock()
			m.onFailed = without(m.onFailed, entry)
		})
	}
}

func (m *Manager) connectedSnapshot() []*connectedEntry {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	return m.onConnected
}

// dispatch fans a frame out to a snapshot of its handlers.
func (m *Manager) dispatch(frame Frame) {
	m.listenersMu.RLock()
	handlers := m.handlers[frame.Event]
	m.listenersMu.RUnlock()

	for _, h := range handlers {
		m.invoke(frame.Event, h.fn, frame.Data)
	}
}

// invoke runs one handler, containing panics so a faulty handler cannot
// kill the read goroutine.
func (m *Manager) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Str("event", event).Interface("panic", r).Msg("channel handler panicked")
		}
	}()
	fn(data)
}

func appendCopy[T any](s []*T, v *T) []*T {
	next := make([]*T, len(s), len(s)+1)
	copy(next, s)
	return append(next, v)
}

func without[T any](s []*T, v *T) []*T {
	next := make([]*T, 0, len(s))
	for _, e := range s {
		if e != v {
			next = append(next, e)
		}
	}
	return next
}
