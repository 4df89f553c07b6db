// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package sync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kindred-app/kindred/internal/alerts"
	"github.com/kindred-app/kindred/internal/cache"
	"github.com/kindred-app/kindred/internal/channel"
	"github.com/kindred-app/kindred/internal/models"
	"github.com/kindred-app/kindred/internal/notifications"
)

const (
	likeFrame         = `{"user":{"id":5,"name":"Sam"}}`
	likeNotification  = `{"id":100,"type":"like","content":"Sam liked you","is_read":false,"data":{"fromUserId":5}}`
	messageFromPeer2  = `{"id":10,"senderId":2,"receiverId":1,"content":"hey there","createdAt":"2026-03-01T12:00:00Z"}`
	messageNotifyPeer = `{"id":101,"type":"message","content":"New message","is_read":false,"data":{"fromUserId":2,"messageId":10}}`
)

func checkAlerts(t *testing.T, e *testEngine, want int) []alerts.Alert {
	t.Helper()
	got := e.alerts.Visible()
	if len(got) != want {
		t.Fatalf("visible alerts = %d (%+v), want %d", len(got), got, want)
	}
	return got
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(Deps{API: &fakeAPI{}}, Config{}); err == nil {
		t.Error("expected error without channel")
	}
	m := channel.NewManager(&connDialer{}, fastChannelConfig())
	if _, err := NewEngine(Deps{Channel: m}, Config{}); err == nil {
		t.Error("expected error without API client")
	}
}

func TestEngine_StartReconcilesInitialState(t *testing.T) {
	api := &fakeAPI{
		page: models.NotificationPage{
			Notifications: []models.Notification{{ID: 1, Type: models.NotificationLike}},
			UnreadCount:   7,
		},
		conversations: knownPeers(2, 3),
	}
	e, conn := startedEngine(t, api)

	if got := e.notifications.UnreadCount(); got != 7 {
		t.Errorf("UnreadCount() = %d, want 7", got)
	}
	if got := e.conversations.Len(); got != 2 {
		t.Errorf("conversations = %d, want 2", got)
	}
	if got := len(conn.sentEvents(models.OutUserOnlineUpdate)); got != 1 {
		t.Errorf("presence announcements = %d, want 1", got)
	}
}

func TestEngine_StartRejectsInvalidSession(t *testing.T) {
	e := newTestEngine(t, &connDialer{}, &fakeAPI{})
	e.session = models.Session{}
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start should fail for an empty session")
	}
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("a retried Start should re-run the session check")
	}
}

func TestEngine_ConnectFailureDegradesWithoutFailing(t *testing.T) {
	api := &fakeAPI{page: models.NotificationPage{UnreadCount: 2}}
	e := newTestEngine(t, &connDialer{}, api)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.channel.State() != channel.StateDisconnected {
		t.Errorf("state = %v, want disconnected", e.channel.State())
	}
	got := checkAlerts(t, e, 1)
	if got[0].Kind != alerts.KindError || got[0].Title != "Chat degraded" {
		t.Errorf("alert = %+v", got[0])
	}
	if e.notifications.UnreadCount() != 2 {
		t.Error("notifications should still be reconciled over REST")
	}
}

func TestEngine_LikeAndNotificationAlertOnce(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{})

	conn.push(models.EventNewLike, likeFrame)
	conn.push(models.EventNewNotification, likeNotification)
	eventually(t, func() bool { return e.notifications.Len() == 1 }, "notification held")

	got := checkAlerts(t, e, 1)
	if got[0].Kind != alerts.KindLike || !strings.Contains(got[0].Message, "Sam") {
		t.Errorf("alert = %+v", got[0])
	}
	if e.notifications.UnreadCount() != 1 {
		t.Errorf("UnreadCount() = %d, want 1", e.notifications.UnreadCount())
	}
}

func TestEngine_NotificationFirstThenLike(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{})

	conn.push(models.EventNewNotification, likeNotification)
	conn.push(models.EventNewLike, likeFrame)
	conn.push(models.EventUnreadCountUpdate, `{"count":4}`)
	eventually(t, func() bool { return e.notifications.UnreadCount() == 4 }, "unread count update")

	checkAlerts(t, e, 1)
}

func TestEngine_DuplicateLikeAfterWindowAlertsAgain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	conn := newFakeConn()
	e := newTestEngine(t, &connDialer{conns: []*fakeConn{conn}}, &fakeAPI{})
	e.cfg.Clock = clock
	e.clock = clock
	e.dedup = cache.NewDeduplicator[models.Fingerprint](cache.WithClock(clock))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.handleFrame(models.EventNewLike, []byte(likeFrame))
	e.handleFrame(models.EventNewLike, []byte(likeFrame))
	checkAlerts(t, e, 1)

	now = now.Add(3 * time.Second)
	e.handleFrame(models.EventNewLike, []byte(likeFrame))
	checkAlerts(t, e, 2)
}

func TestEngine_MessageNotificationDoesNotSuppressMessage(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{conversations: knownPeers(2)})

	conn.push(models.EventNewNotification, messageNotifyPeer)
	conn.push(models.EventNewMessage, messageFromPeer2)
	eventually(t, func() bool {
		c, ok := e.conversations.Get(2)
		return ok && c.LastMessage != nil
	}, "message applied")

	c, _ := e.conversations.Get(2)
	if c.UnreadCount != 1 || c.LastMessage.ID != 10 {
		t.Errorf("conversation = %+v", c)
	}
	got := checkAlerts(t, e, 1)
	if got[0].Kind != alerts.KindMessage || got[0].Action == nil || got[0].Action.Link != "/messages/2" {
		t.Errorf("alert = %+v", got[0])
	}
	if e.notifications.Len() != 1 {
		t.Errorf("notifications held = %d, want 1", e.notifications.Len())
	}
}

func TestEngine_DuplicateMessageAppliedOnce(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{conversations: knownPeers(2)})

	conn.push(models.EventNewMessage, messageFromPeer2)
	conn.push(models.EventNewMessage, messageFromPeer2)
	conn.push(models.EventUnreadCountUpdate, `{"count":9}`)
	eventually(t, func() bool { return e.notifications.UnreadCount() == 9 }, "frames processed")

	c, _ := e.conversations.Get(2)
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}
	checkAlerts(t, e, 1)
}

func TestEngine_MessageToVisibleTabMarksRead(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{conversations: knownPeers(2)})
	ctx := context.Background()

	e.OpenChat(ctx, peer(2, "Robin"))
	if len(conn.sentEvents(models.OutJoinConversation)) != 1 || len(conn.sentEvents(models.OutMarkAllRead)) != 1 {
		t.Fatal("opening a chat should join and mark read")
	}

	delivered := make(chan models.Message, 1)
	if _, err := e.tabs.RegisterMessageHandler(2, func(m models.Message) { delivered <- m }); err != nil {
		t.Fatal(err)
	}

	conn.push(models.EventNewMessage, messageFromPeer2)
	select {
	case m := <-delivered:
		if m.ID != 10 {
			t.Errorf("delivered message %d", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not routed to tab")
	}

	eventually(t, func() bool { return len(conn.sentEvents(models.OutMessageRead)) == 1 }, "read receipt")
	var receipt map[string]int64
	if err := json.Unmarshal(conn.sentEvents(models.OutMessageRead)[0].Data, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt["messageId"] != 10 {
		t.Errorf("receipt = %v", receipt)
	}
	if c, _ := e.conversations.Get(2); c.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", c.UnreadCount)
	}
	checkAlerts(t, e, 0)
}

func TestEngine_MessageToMinimizedTabSurfacesIt(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{conversations: knownPeers(2)})
	ctx := context.Background()

	e.OpenChat(ctx, peer(2, "Robin"))
	if minimized, err := e.ToggleChat(ctx, 2); err != nil || !minimized {
		t.Fatalf("ToggleChat = %v, %v", minimized, err)
	}

	conn.push(models.EventNewMessage, messageFromPeer2)
	eventually(t, func() bool { return len(conn.sentEvents(models.OutMessageRead)) == 1 }, "read receipt")

	if !e.tabs.IsVisible(2) {
		t.Error("an incoming message should restore its tab")
	}
	checkAlerts(t, e, 0)
}

func TestEngine_OpenChatEvictsOldestTab(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{})
	ctx := context.Background()

	for id := int64(2); id <= 5; id++ {
		e.OpenChat(ctx, peer(id, "peer"))
	}

	if e.tabs.IsOpen(2) {
		t.Error("oldest tab should have been evicted")
	}
	leaves := conn.sentEvents(models.OutLeaveConversation)
	if len(leaves) != 1 || !strings.Contains(string(leaves[0].Data), `"conversationId":2`) {
		t.Errorf("leave frames = %v", leaves)
	}

	if !e.CloseChat(ctx, 5) || e.CloseChat(ctx, 5) {
		t.Error("CloseChat should report the tab once")
	}
	if len(conn.sentEvents(models.OutLeaveConversation)) != 2 {
		t.Error("closing should leave the room")
	}
}

func TestEngine_PresenceReversalWithinWindow(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{conversations: knownPeers(2)})

	conn.push(models.EventUserOnline, `{"userId":2}`)
	conn.push(models.EventUserOffline, `{"userId":2}`)
	conn.push(models.EventUserOnline, `{"userId":2}`)
	conn.push(models.EventUnreadCountUpdate, `{"count":3}`)
	eventually(t, func() bool { return e.notifications.UnreadCount() == 3 }, "frames processed")

	c, _ := e.conversations.Get(2)
	if !c.Peer.IsOnline {
		t.Error("peer should end online")
	}
}

func TestEngine_MalformedPayloadDropped(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{conversations: knownPeers(2)})

	conn.push(models.EventNewMessage, `{"id":"not-a-number"`)
	conn.push(models.EventNewLike, `{"user":{"id":0}}`)
	conn.push(models.EventNewMessage, messageFromPeer2)
	eventually(t, func() bool {
		c, _ := e.conversations.Get(2)
		return c.LastMessage != nil
	}, "valid message after malformed ones")

	checkAlerts(t, e, 1)
}

func TestEngine_ServerErrorRaisesAlert(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{})

	conn.push(models.EventError, `{"message":"rate limited"}`)
	eventually(t, func() bool { return len(e.alerts.Visible()) == 1 }, "error alert")

	if got := e.alerts.Visible()[0]; got.Kind != alerts.KindError || got.Message != "rate limited" {
		t.Errorf("alert = %+v", got)
	}
}

func TestEngine_ReconnectReplaysAndRefreshes(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	api := &fakeAPI{conversations: knownPeers(2)}
	e := newTestEngine(t, &connDialer{conns: []*fakeConn{first, second}}, api)
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first.push(models.EventNewMessage, messageFromPeer2)
	eventually(t, func() bool {
		c, ok := e.conversations.Get(2)
		return ok && c.LastMessage != nil && c.LastMessage.ID == 10
	}, "message on first connection")

	// After the drop the server snapshot reflects the delivered message.
	api.mu.Lock()
	api.conversations = models.ConversationSnapshot{Conversations: []models.Conversation{
		{Peer: peer(2, "Robin"), UnreadCount: 1},
	}}
	api.mu.Unlock()

	first.drop()
	eventually(t, func() bool {
		n, s := api.calls()
		return n >= 2 && s >= 2
	}, "refresh after reconnect")

	if len(second.sentEvents(models.OutUserOnlineUpdate)) != 1 {
		t.Error("presence should be announced once on the new connection")
	}

	// The server re-sends the message on the new connection.
	second.push(models.EventNewMessage, messageFromPeer2)
	second.push(models.EventNewLike, likeFrame)
	eventually(t, func() bool { return len(e.alerts.Visible()) == 2 }, "frames on second connection")

	c, _ := e.conversations.Get(2)
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", c.UnreadCount)
	}
	messageAlerts := 0
	for _, a := range e.alerts.Visible() {
		if a.Kind == alerts.KindMessage {
			messageAlerts++
		}
	}
	if messageAlerts != 1 {
		t.Errorf("message alerts = %d, want 1", messageAlerts)
	}
}

func TestEngine_UnreadCountFallbackWhenPageFails(t *testing.T) {
	api := &fakeAPI{page: models.NotificationPage{UnreadCount: 4}}
	api.fetchHook = func(context.Context, int) error { return errUnavailable }
	e := newTestEngine(t, &connDialer{}, api)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := e.notifications.UnreadCount(); got != 4 {
		t.Errorf("UnreadCount() = %d, want 4 from the count endpoint", got)
	}
	if e.notifications.Len() != 0 {
		t.Errorf("notifications held = %d, want 0", e.notifications.Len())
	}
}

func TestEngine_StaleNotificationFetchDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	api := &fakeAPI{}
	api.fetchHook = func(ctx context.Context, call int) error {
		if call == 1 {
			close(started)
			<-release
		}
		return nil
	}
	api.page = models.NotificationPage{UnreadCount: 5}
	e := newTestEngine(t, &connDialer{}, api)
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() { slow <- e.RefreshNotifications(ctx, 1, 20, "") }()
	<-started

	if err := e.RefreshNotifications(ctx, 1, 20, ""); err != nil {
		t.Fatalf("fresh fetch: %v", err)
	}
	e.notifications.IngestPush(models.Notification{ID: 50, Type: models.NotificationVisit})
	close(release)

	if err := <-slow; !errors.Is(err, ErrStale) {
		t.Errorf("slow fetch = %v, want ErrStale", err)
	}
	if got := e.notifications.UnreadCount(); got != 6 {
		t.Errorf("UnreadCount() = %d, want 6", got)
	}
}

func TestEngine_MarkReadAcknowledged(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, &connDialer{}, api)
	ctx := context.Background()
	e.notifications.IngestPush(models.Notification{ID: 7, Type: models.NotificationLike})

	if err := e.MarkNotificationRead(ctx, 7); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return api.ackCount() == 1 && e.outbox.Len(ctx) == 0 }, "acknowledgement confirmed")

	if err := e.MarkNotificationRead(ctx, 99); !errors.Is(err, notifications.ErrNotFound) {
		t.Errorf("unknown id = %v", err)
	}
}

func TestEngine_AckFailureStaysPendingUntilReplay(t *testing.T) {
	api := &fakeAPI{ackErr: errUnavailable}
	e := newTestEngine(t, &connDialer{}, api)
	ctx := context.Background()
	e.notifications.IngestPush(models.Notification{ID: 7, Type: models.NotificationLike})

	if err := e.DeleteNotification(ctx, 7); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(e.alerts.Visible()) == 1 }, "failure alert")

	if e.notifications.Len() != 0 {
		t.Error("local delete must not be rolled back")
	}
	if e.outbox.Len(ctx) != 1 {
		t.Fatalf("outbox = %d, want 1 pending", e.outbox.Len(ctx))
	}

	api.setAckErr(nil)
	res, err := e.ReplayOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Confirmed != 1 || e.outbox.Len(ctx) != 0 {
		t.Errorf("replay = %+v, pending = %d", res, e.outbox.Len(ctx))
	}
}

func TestEngine_AckNotFoundConfirms(t *testing.T) {
	api := &fakeAPI{ackErr: &APIError{Operation: "mark_all_notifications_read", StatusCode: http.StatusNotFound}}
	e := newTestEngine(t, &connDialer{}, api)
	ctx := context.Background()

	e.MarkAllNotificationsRead(ctx)
	eventually(t, func() bool { return api.ackCount() == 1 && e.outbox.Len(ctx) == 0 }, "not-found confirmed")
	checkAlerts(t, e, 0)
}

func TestEngine_SendMessage(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{})

	if _, err := e.SendMessage(2, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message = %v", err)
	}

	tempID, err := e.SendMessage(2, "hello")
	if err != nil {
		t.Fatal(err)
	}
	frames := conn.sentEvents(models.OutSendMessage)
	if len(frames) != 1 {
		t.Fatalf("send-message frames = %d", len(frames))
	}
	var body struct {
		ReceiverID int64  `json:"receiverId"`
		Content    string `json:"content"`
		TempID     string `json:"tempId"`
	}
	if err := json.Unmarshal(frames[0].Data, &body); err != nil {
		t.Fatal(err)
	}
	if body.ReceiverID != 2 || body.Content != "hello" || body.TempID != tempID {
		t.Errorf("body = %+v, tempID = %q", body, tempID)
	}
}

func TestEngine_SendMessageWhileDisconnected(t *testing.T) {
	e := newTestEngine(t, &connDialer{}, &fakeAPI{})
	if _, err := e.SendMessage(2, "hello"); !errors.Is(err, channel.ErrNotConnected) {
		t.Errorf("SendMessage = %v, want ErrNotConnected", err)
	}
}

func TestEngine_SetTypingThrottlesStartOnly(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{})

	for range 5 {
		if err := e.SetTyping(2, true); err != nil {
			t.Fatal(err)
		}
		if err := e.SetTyping(2, false); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(conn.sentEvents(models.OutTypingStart)); got != 2 {
		t.Errorf("typing-start frames = %d, want 2", got)
	}
	if got := len(conn.sentEvents(models.OutTypingStop)); got != 5 {
		t.Errorf("typing-stop frames = %d, want 5", got)
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	e, conn := startedEngine(t, &fakeAPI{})

	e.Stop()
	e.Stop()

	if e.channel.State() != channel.StateDisconnected {
		t.Errorf("state = %v", e.channel.State())
	}
	if len(conn.sentEvents(models.OutUserOfflineForce)) != 1 {
		t.Error("Stop should announce going offline once")
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Start after Stop = %v", err)
	}
}

func TestEngine_SnapshotReportsState(t *testing.T) {
	e, _ := startedEngine(t, &fakeAPI{conversations: knownPeers(2, 3)})
	e.OpenChat(context.Background(), peer(2, "Robin"))

	s := e.Snapshot(context.Background())
	if s.UserID != selfID || s.ChannelState != "connected" {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Conversations != 2 || len(s.Tabs) != 1 || len(s.Recent) != 2 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestEngine_ServeStopsOnCancel(t *testing.T) {
	conn := newFakeConn()
	e := newTestEngine(t, &connDialer{conns: []*fakeConn{conn}}, &fakeAPI{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	eventually(t, func() bool { return e.channel.State() == channel.StateConnected }, "connected")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if e.channel.State() != channel.StateDisconnected {
		t.Errorf("state = %v", e.channel.State())
	}
}
