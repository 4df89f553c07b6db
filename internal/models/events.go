// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package models

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kindred-app/kindred/internal/validation"
)

// EventKind is the wire name of an inbound channel event.
type EventKind string

// Inbound event kinds.
const (
	EventNewMessage        EventKind = "new-message"
	EventMessageSent       EventKind = "message-sent"
	EventMessageReadUpdate EventKind = "message-read-update"
	EventUserOnline        EventKind = "user-online"
	EventUserOffline       EventKind = "user-offline"
	EventNewLike           EventKind = "new-like"
	EventNewMatch          EventKind = "new-match"
	EventProfileVisit      EventKind = "profile-visit"
	EventUnlike            EventKind = "unlike"
	EventNewNotification   EventKind = "new-notification"
	EventUnreadCountUpdate EventKind = "unread-count-update"
	EventHeartbeat         EventKind = "heartbeat"
	EventError             EventKind = "error"
)

// InboundEventKinds lists every kind DecodeEvent understands.
var InboundEventKinds = []EventKind{
	EventNewMessage,
	EventMessageSent,
	EventMessageReadUpdate,
	EventUserOnline,
	EventUserOffline,
	EventNewLike,
	EventNewMatch,
	EventProfileVisit,
	EventUnlike,
	EventNewNotification,
	EventUnreadCountUpdate,
	EventHeartbeat,
	EventError,
}

// Outbound event names.
const (
	OutSendMessage        = "send-message"
	OutMessageRead        = "message-read"
	OutMarkAllRead        = "mark-all-read"
	OutTypingStart        = "typing-start"
	OutTypingStop         = "typing-stop"
	OutJoinConversation   = "join-conversation"
	OutLeaveConversation  = "leave-conversation"
	OutUserOnlineUpdate   = "user-online-update"
	OutUserOfflineForce   = "user-offline-force"
	OutUserDisconnect     = "user-disconnect"
	OutHeartbeatAck       = "heartbeat-ack"
	OutNotificationRead   = "notification-read"
	OutNotificationsRead  = "notifications-all-read"
	OutNotificationDelete = "notification-deleted"
)

var (
	// ErrUnknownEvent is returned for an event name with no payload mapping.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrMalformedPayload is returned when a payload fails to decode or validate.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// ReadReceipt reports that ReaderID has read MessageID.
type ReadReceipt struct {
	MessageID int64     `json:"messageId" validate:"required,gt=0"`
	ReaderID  int64     `json:"readerId" validate:"required,gt=0"`
	SenderID  int64     `json:"senderId,omitempty"`
	ReadAt    time.Time `json:"readAt"`
}

// Presence reports a user going online or offline.
// Online is derived from the event kind, not the wire payload.
type Presence struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
	Online bool  `json:"-"`
}

// Interaction is a like, match, profile visit or unlike by another user.
type Interaction struct {
	User      UserSummary `json:"user" validate:"required"`
	MatchID   int64       `json:"matchId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// UnreadCount is the server's authoritative notification unread count.
type UnreadCount struct {
	Count int `json:"count" validate:"gte=0"`
}

// Heartbeat is the server keepalive signal.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ServerError is an error pushed by the server.
type ServerError struct {
	Message string `json:"message"`
}

// Event is a decoded inbound channel event. Payload holds one of
// *Message, *ReadReceipt, *Presence, *Interaction, *Notification,
// *UnreadCount, *Heartbeat or *ServerError depending on Kind.
type Event struct {
	Kind       EventKind
	ReceivedAt time.Time
	Payload    any
}

// Message returns the payload of new-message and message-sent events.
func (e Event) Message() (*Message, bool) {
	m, ok := e.Payload.(*Message)
	return m, ok
}

// Notification returns the payload of new-notification events.
func (e Event) Notification() (*Notification, bool) {
	n, ok := e.Payload.(*Notification)
	return n, ok
}

func newPayload(kind EventKind) (any, error) {
	switch kind {
	case EventNewMessage, EventMessageSent:
		return &Message{}, nil
	case EventMessageReadUpdate:
		return &ReadReceipt{}, nil
	case EventUserOnline, EventUserOffline:
		return &Presence{}, nil
	case EventNewLike, EventNewMatch, EventProfileVisit, EventUnlike:
		return &Interaction{}, nil
	case EventNewNotification:
		return &Notification{}, nil
	case EventUnreadCountUpdate:
		return &UnreadCount{}, nil
	case EventHeartbeat:
		return &Heartbeat{}, nil
	case EventError:
		return &ServerError{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
}

// DecodeEvent decodes and validates the payload of an inbound event.
// Empty or null data is accepted for kinds whose payload has no required fields.
func DecodeEvent(kind EventKind, data []byte, receivedAt time.Time) (Event, error) {
	payload, err := newPayload(kind)
	if err != nil {
		return Event{}, err
	}

	if len(bytes.TrimSpace(data)) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, payload); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, kind, err)
		}
	}

	if p, ok := payload.(*Presence); ok {
		p.Online = kind == EventUserOnline
	}

	if err := validation.ValidateStruct(payload); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, kind, err)
	}

	return Event{Kind: kind, ReceivedAt: receivedAt, Payload: payload}, nil
}
