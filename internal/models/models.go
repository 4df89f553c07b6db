// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package models defines the data structures shared by the sync engine.

Model Categories:

 1. Domain state:
    - UserSummary: the peer shown in conversation lists and chat tabs
    - Message: a chat message, inbound or self-sent
    - Notification: a server-assigned notification (like, match, visit, message)
    - Conversation: peer, last message and unread count

 2. REST responses:
    - NotificationPage: one page of notifications with the authoritative unread count
    - ConversationSnapshot: the full conversation list

 3. Channel events:
    - Event: tagged union over every inbound event kind
    - Fingerprint: logical identity used for duplicate suppression

 4. Session: auth token and user id driving channel identity

JSON field names follow the server's wire format. Payload constraints are
expressed as validator tags and checked by DecodeEvent.
*/
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// UserSummary is the public view of another user.
type UserSummary struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Name     string `json:"name"`
	PhotoURL string `json:"profilePhoto,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

// Message is a chat message between the session user and a peer.
type Message struct {
	ID         int64        `json:"id" validate:"required,gt=0"`
	SenderID   int64        `json:"senderId" validate:"required,gt=0"`
	ReceiverID int64        `json:"receiverId" validate:"required,gt=0"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"createdAt"`
	IsRead     bool         `json:"isRead"`
	TempID     string       `json:"tempId,omitempty"`
	Sender     *UserSummary `json:"sender,omitempty"`
}

// PeerID returns the counterparty of the message from selfID's point of view.
func (m *Message) PeerID(selfID int64) int64 {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// IsFromPeer reports whether the message was sent by someone other than selfID.
func (m *Message) IsFromPeer(selfID int64) bool {
	return m.SenderID != selfID
}

// NotificationType is the server-side category of a notification.
type NotificationType string

// Notification types.
const (
	NotificationLike    NotificationType = "like"
	NotificationMatch   NotificationType = "match"
	NotificationVisit   NotificationType = "visit"
	NotificationUnlike  NotificationType = "unlike"
	NotificationMessage NotificationType = "message"
	NotificationSystem  NotificationType = "system"
)

// Notification is a server-assigned notification. ID is stable.
type Notification struct {
	ID        int64            `json:"id" validate:"required,gt=0"`
	Type      NotificationType `json:"type" validate:"required"`
	Content   string           `json:"content"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// notificationData holds the type-specific fields the engine inspects.
type notificationData struct {
	FromUserID int64 `json:"fromUserId"`
	UserID     int64 `json:"userId"`
	MessageID  int64 `json:"messageId"`
}

func (n *Notification) data() notificationData {
	var d notificationData
	if len(n.Data) == 0 {
		return d
	}
	// Unknown shapes leave d zeroed; data is advisory.
	_ = json.Unmarshal(n.Data, &d)
	return d
}

// SubjectUserID returns the user the notification is about (liker, visitor,
// match), or 0 when the payload does not name one.
func (n *Notification) SubjectUserID() int64 {
	d := n.data()
	if d.FromUserID != 0 {
		return d.FromUserID
	}
	return d.UserID
}

// MessageID returns the message a message notification refers to, or 0.
func (n *Notification) MessageID() int64 {
	return n.data().MessageID
}

// Conversation is the projection of a chat with one peer.
type Conversation struct {
	Peer        UserSummary `json:"user" validate:"required"`
	LastMessage *Message    `json:"lastMessage,omitempty"`
	UnreadCount int         `json:"unreadCount" validate:"gte=0"`
}

// NotificationPage is one page of the paginated notification fetch.
type NotificationPage struct {
	Notifications []Notification `json:"notifications" validate:"dive"`
	UnreadCount   int            `json:"unread_count" validate:"gte=0"`
	Page          int            `json:"page"`
	HasMore       bool           `json:"hasMore"`
}

// ConversationSnapshot is the full conversation list.
type ConversationSnapshot struct {
	Conversations []Conversation `json:"conversations" validate:"dive"`
	TotalUnread   int            `json:"total_unread" validate:"gte=0"`
}
