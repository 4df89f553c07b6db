// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/kindred-app/kindred/internal/channel"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/models"
	"github.com/kindred-app/kindred/internal/storage"
)

func init() {
	logging.Init(logging.Config{Level: "disabled"})
}

const selfID int64 = 1

var testSession = models.Session{Token: "test-session-token", UserID: selfID}

var errUnavailable = errors.New("service unavailable")

// fakeConn is an in-memory channel.Conn driven by the test.
type fakeConn struct {
	in      chan channel.Frame
	dropped chan struct{}
	closed  chan struct{}

	dropOnce  stdsync.Once
	closeOnce stdsync.Once

	mu   stdsync.Mutex
	sent []channel.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan channel.Frame, 32),
		dropped: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (channel.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.dropped:
		return channel.Frame{}, errors.New("connection reset by peer")
	case <-c.closed:
		return channel.Frame{}, channel.ErrConnClosed
	}
}

func (c *fakeConn) WriteFrame(f channel.Frame) error {
	select {
	case <-c.closed:
		return channel.ErrConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

func (c *fakeConn) push(event models.EventKind, data string) {
	c.in <- channel.Frame{Event: string(event), Data: json.RawMessage(data)}
}

func (c *fakeConn) sentEvents(event string) []channel.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []channel.Frame
	for _, f := range c.sent {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// connDialer hands out conns in order and refuses once they run out.
type connDialer struct {
	mu    stdsync.Mutex
	conns []*fakeConn
}

func (d *connDialer) Dial(context.Context, models.Session) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

// fakeAPI is a scripted APIClient.
type fakeAPI struct {
	mu stdsync.Mutex

	page          models.NotificationPage
	conversations models.ConversationSnapshot
	messages      []models.Message
	ackErr        error

	// fetchHook, when set, runs before FetchNotifications returns.
	fetchHook func(ctx context.Context, call int) error

	notificationCalls int
	snapshotCalls     int
	acks              []string
}

func (a *fakeAPI) FetchNotifications(ctx context.Context, page, _ int, _ string) (models.NotificationPage, error) {
	a.mu.Lock()
	a.notificationCalls++
	call := a.notificationCalls
	hook := a.fetchHook
	out := a.page
	a.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return models.NotificationPage{}, err
		}
	}
	out.Page = page
	return out, nil
}

func (a *fakeAPI) FetchUnreadCount(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.page.UnreadCount, nil
}

func (a *fakeAPI) FetchConversations(context.Context) (models.ConversationSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshotCalls++
	return a.conversations, nil
}

func (a *fakeAPI) FetchMessages(context.Context, int64, int64, int) ([]models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.messages, nil
}

func (a *fakeAPI) ack(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, op)
	return a.ackErr
}

func (a *fakeAPI) MarkNotificationRead(context.Context, int64) error {
	return a.ack("mark-read")
}

func (a *fakeAPI) MarkAllNotificationsRead(context.Context) error {
	return a.ack("mark-all-read")
}

func (a *fakeAPI) DeleteNotification(context.Context, int64) error {
	return a.ack("delete")
}

func (a *fakeAPI) setAckErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ackErr = err
}

func (a *fakeAPI) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

func (a *fakeAPI) calls() (notifications, snapshots int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notificationCalls, a.snapshotCalls
}

func fastChannelConfig() channel.Config {
	return channel.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		TypingRate:     rate.Limit(1),
		TypingBurst:    2,
	}
}

type testEngine struct {
	*Engine
	api    *fakeAPI
	outbox *storage.Outbox
}

// newTestEngine builds an engine over dialer and api with an in-memory
// outbox. It is stopped on cleanup.
func newTestEngine(t *testing.T, dialer channel.Dialer, api *fakeAPI) *testEngine {
	t.Helper()

	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	outbox := storage.NewOutbox(db, 3)

	e, err := NewEngine(Deps{
		Channel: channel.NewManager(dialer, fastChannelConfig()),
		API:     api,
		Outbox:  outbox,
		Layout:  storage.NewLayoutStore(db),
	}, Config{Session: testSession, AckTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() {
		e.Stop()
		_ = db.Close()
	})
	return &testEngine{Engine: e, api: api, outbox: outbox}
}

// startedEngine returns a started engine connected over a fresh fakeConn.
func startedEngine(t *testing.T, api *fakeAPI) (*testEngine, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	e := newTestEngine(t, &connDialer{conns: []*fakeConn{conn}}, api)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.channel.State() != channel.StateConnected {
		t.Fatalf("channel state = %v, want connected", e.channel.State())
	}
	return e, conn
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func peer(id int64, name string) models.UserSummary {
	return models.UserSummary{ID: id, Name: name}
}

func knownPeers(ids ...int64) models.ConversationSnapshot {
	s := models.ConversationSnapshot{}
	for _, id := range ids {
		s.Conversations = append(s.Conversations, models.Conversation{Peer: peer(id, "peer")})
	}
	return s
}
