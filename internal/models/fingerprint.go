// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package models

import "strconv"

// Fingerprint is the logical identity of an event occurrence, used only to
// suppress duplicate delivery. Kinds are logical rather than wire names, so a
// new-like frame and a like notification for the same liker collide.
type Fingerprint struct {
	Kind      string
	Primary   string
	Secondary string
}

// String renders the fingerprint as kind:primary:secondary.
func (f Fingerprint) String() string {
	return f.Kind + ":" + f.Primary + ":" + f.Secondary
}

// Logical fingerprint kinds.
const (
	FingerprintMessage         = "message"
	FingerprintMessageSent     = "message-sent"
	FingerprintMessageRead     = "message-read"
	FingerprintPresenceOnline  = "presence-online"
	FingerprintPresenceOffline = "presence-offline"
	FingerprintLike            = "like"
	FingerprintMatch           = "match"
	FingerprintVisit           = "visit"
	FingerprintUnlike          = "unlike"
	FingerprintNotification    = "notification"
)

func id(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

// PresenceFingerprint returns the fingerprint of a presence transition.
func PresenceFingerprint(userID int64, online bool) Fingerprint {
	if online {
		return Fingerprint{Kind: FingerprintPresenceOnline, Primary: id(userID)}
	}
	return Fingerprint{Kind: FingerprintPresenceOffline, Primary: id(userID)}
}

// Fingerprint derives the event's fingerprint. State-carrying events
// (unread-count-update, heartbeat, error) have none and report false.
func (e Event) Fingerprint() (Fingerprint, bool) {
	switch p := e.Payload.(type) {
	case *Message:
		if e.Kind == EventMessageSent {
			return Fingerprint{Kind: FingerprintMessageSent, Primary: p.TempID, Secondary: id(p.ID)}, true
		}
		return Fingerprint{Kind: FingerprintMessage, Primary: id(p.ID)}, true
	case *ReadReceipt:
		return Fingerprint{Kind: FingerprintMessageRead, Primary: id(p.MessageID), Secondary: id(p.ReaderID)}, true
	case *Presence:
		return PresenceFingerprint(p.UserID, p.Online), true
	case *Interaction:
		return Fingerprint{Kind: interactionKind(e.Kind), Primary: id(p.User.ID)}, true
	case *Notification:
		return notificationFingerprint(p), true
	default:
		return Fingerprint{}, false
	}
}

func interactionKind(kind EventKind) string {
	switch kind {
	case EventNewMatch:
		return FingerprintMatch
	case EventProfileVisit:
		return FingerprintVisit
	case EventUnlike:
		return FingerprintUnlike
	default:
		return FingerprintLike
	}
}

// notificationFingerprint maps a notification onto the same logical
// fingerprint as the dedicated event describing the same occurrence.
func notificationFingerprint(n *Notification) Fingerprint {
	subject := n.SubjectUserID()
	switch n.Type {
	case NotificationLike, NotificationMatch, NotificationVisit, NotificationUnlike:
		if subject != 0 {
			return Fingerprint{Kind: string(n.Type), Primary: id(subject)}
		}
	case NotificationMessage:
		if msgID := n.MessageID(); msgID != 0 {
			return Fingerprint{Kind: FingerprintMessage, Primary: id(msgID)}
		}
	}
	return Fingerprint{Kind: FingerprintNotification, Primary: id(n.ID)}
}
