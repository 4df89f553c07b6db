// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package models

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		kind    EventKind
		data    string
		wantErr error
	}{
		{"new message", EventNewMessage, `{"id":10,"senderId":2,"receiverId":1,"content":"hi"}`, nil},
		{"message missing sender", EventNewMessage, `{"id":10,"receiverId":1}`, ErrMalformedPayload},
		{"message sent", EventMessageSent, `{"id":11,"senderId":1,"receiverId":2,"tempId":"t-1"}`, nil},
		{"read receipt", EventMessageReadUpdate, `{"messageId":10,"readerId":2}`, nil},
		{"presence", EventUserOnline, `{"userId":5}`, nil},
		{"presence zero user", EventUserOffline, `{"userId":0}`, ErrMalformedPayload},
		{"like", EventNewLike, `{"user":{"id":5,"name":"Sam"},"timestamp":"2026-03-01T12:00:00Z"}`, nil},
		{"like without user", EventNewLike, `{"timestamp":"2026-03-01T12:00:00Z"}`, ErrMalformedPayload},
		{"notification", EventNewNotification, `{"id":3,"type":"like","content":"x","is_read":false,"data":{"fromUserId":5}}`, nil},
		{"unread count", EventUnreadCountUpdate, `{"count":4}`, nil},
		{"negative unread count", EventUnreadCountUpdate, `{"count":-1}`, ErrMalformedPayload},
		{"heartbeat null", EventHeartbeat, `null`, nil},
		{"heartbeat empty", EventHeartbeat, ``, nil},
		{"error", EventError, `{"message":"rate limited"}`, nil},
		{"not json", EventNewMessage, `{"id":`, ErrMalformedPayload},
		{"unknown", EventKind("poke"), `{}`, ErrUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent(tt.kind, []byte(tt.data), testNow)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind != tt.kind || !ev.ReceivedAt.Equal(testNow) {
				t.Errorf("unexpected event header %+v", ev)
			}
		})
	}
}

func TestDecodePresenceSetsOnline(t *testing.T) {
	on, err := DecodeEvent(EventUserOnline, []byte(`{"userId":5}`), testNow)
	if err != nil {
		t.Fatal(err)
	}
	off, err := DecodeEvent(EventUserOffline, []byte(`{"userId":5}`), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if !on.Payload.(*Presence).Online || off.Payload.(*Presence).Online {
		t.Error("online flag should follow the event kind")
	}
}

func mustDecode(t *testing.T, kind EventKind, data string) Event {
	t.Helper()
	ev, err := DecodeEvent(kind, []byte(data), testNow)
	if err != nil {
		t.Fatalf("DecodeEvent(%s): %v", kind, err)
	}
	return ev
}

func TestFingerprintLogicalKinds(t *testing.T) {
	like := mustDecode(t, EventNewLike, `{"user":{"id":5}}`)
	likeNotification := mustDecode(t, EventNewNotification, `{"id":99,"type":"like","data":{"fromUserId":5}}`)

	a, ok := like.Fingerprint()
	if !ok {
		t.Fatal("like should carry a fingerprint")
	}
	b, ok := likeNotification.Fingerprint()
	if !ok {
		t.Fatal("notification should carry a fingerprint")
	}
	if a != b {
		t.Errorf("like event %v and like notification %v should share a fingerprint", a, b)
	}
	if a.String() != "like:5:" {
		t.Errorf("unexpected fingerprint string %q", a.String())
	}
}

func TestFingerprintMessageNotificationMatchesMessage(t *testing.T) {
	msg := mustDecode(t, EventNewMessage, `{"id":10,"senderId":2,"receiverId":1}`)
	n := mustDecode(t, EventNewNotification, `{"id":4,"type":"message","data":{"messageId":10,"fromUserId":2}}`)

	a, _ := msg.Fingerprint()
	b, _ := n.Fingerprint()
	if a != b {
		t.Errorf("expected %v == %v", a, b)
	}
}

func TestFingerprintDistinguishesKinds(t *testing.T) {
	like := mustDecode(t, EventNewLike, `{"user":{"id":5}}`)
	visit := mustDecode(t, EventProfileVisit, `{"user":{"id":5}}`)
	system := mustDecode(t, EventNewNotification, `{"id":7,"type":"system"}`)
	sent := mustDecode(t, EventMessageSent, `{"id":11,"senderId":1,"receiverId":2,"tempId":"t-1"}`)

	a, _ := like.Fingerprint()
	b, _ := visit.Fingerprint()
	if a == b {
		t.Error("like and visit from the same user must not collide")
	}
	if fp, _ := system.Fingerprint(); fp.Kind != FingerprintNotification || fp.Primary != "7" {
		t.Errorf("system notification fingerprint = %v", fp)
	}
	if fp, _ := sent.Fingerprint(); fp != (Fingerprint{Kind: FingerprintMessageSent, Primary: "t-1", Secondary: "11"}) {
		t.Errorf("message-sent fingerprint = %v", fp)
	}
}

func TestFingerprintStateEventsBypass(t *testing.T) {
	for _, kind := range []EventKind{EventUnreadCountUpdate, EventHeartbeat, EventError} {
		ev := mustDecode(t, kind, `{}`)
		if _, ok := ev.Fingerprint(); ok {
			t.Errorf("%s should not carry a fingerprint", kind)
		}
	}
}

func TestMessagePeerID(t *testing.T) {
	m := &Message{ID: 1, SenderID: 2, ReceiverID: 1}
	if m.PeerID(1) != 2 || !m.IsFromPeer(1) {
		t.Error("inbound message peer should be the sender")
	}
	if m.PeerID(2) != 1 || m.IsFromPeer(2) {
		t.Error("self-sent message peer should be the receiver")
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		wantErr error
	}{
		{"opaque token", Session{Token: "opaque-session-token", UserID: 1}, nil},
		{"empty token", Session{Token: "", UserID: 1}, ErrInvalidSession},
		{"no user", Session{Token: "opaque", UserID: 0}, ErrInvalidSession},
		{"live jwt", Session{Token: signedToken(t, testNow.Add(time.Hour)), UserID: 1}, nil},
		{"expired jwt", Session{Token: signedToken(t, testNow.Add(-time.Minute)), UserID: 1}, ErrSessionExpired},
		{"dotted but not jwt", Session{Token: "a.b.c", UserID: 1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate(testNow)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
