// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package sync

import (
	"context"
	"strconv"

	"github.com/kindred-app/kindred/internal/alerts"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
)

// alertPreviewLength bounds message text shown in alerts.
const alertPreviewLength = 80

// handleFrame decodes, deduplicates and applies one inbound event.
// Malformed payloads are dropped with a warning.
func (e *Engine) handleFrame(kind models.EventKind, data []byte) {
	ctx := logging.ContextWithNewCorrelationID(e.lifecycle)
	e.eventRate.Increment()

	ev, err := models.DecodeEvent(kind, data, e.clock())
	if err != nil {
		metrics.EventsMalformed.WithLabelValues(string(kind)).Inc()
		e.events.LogMalformed(ctx, string(kind), err)
		return
	}

	fp, fingerprinted := ev.Fingerprint()
	if fingerprinted && !e.admit(ev, fp) {
		e.events.LogDuplicate(ctx, string(kind), fp.String())
		// The store is idempotent by id; a colliding like or match
		// notification still has to be held.
		if n, ok := ev.Notification(); ok {
			e.notifications.IngestPush(*n)
		}
		return
	}
	if fingerprinted {
		e.events.LogEventReceived(ctx, string(kind), fp.String())
	} else {
		metrics.RecordEvent(string(kind), true)
	}

	e.apply(ctx, ev)

	if e.tap != nil {
		tapFP := ""
		if fingerprinted {
			tapFP = fp.String()
		}
		e.tap.Enqueue(ev, tapFP)
	}
}

// admit runs the deduplicator for ev. Message notifications bypass it so
// they never consume the fingerprint of the message event itself.
func (e *Engine) admit(ev models.Event, fp models.Fingerprint) bool {
	accepted := true
	if n, ok := ev.Notification(); !ok || n.Type != models.NotificationMessage {
		accepted = e.dedup.ShouldProcess(fp)
	}
	metrics.RecordEvent(string(ev.Kind), accepted)
	return accepted
}

func (e *Engine) apply(ctx context.Context, ev models.Event) {
	switch p := ev.Payload.(type) {
	case *models.Message:
		e.applyMessage(ctx, ev.Kind, *p)
	case *models.ReadReceipt:
		e.conversations.ApplyReadReceipt(*p)
	case *models.Presence:
		e.conversations.PresenceChanged(p.UserID, p.Online)
		e.tabs.PresenceChanged(p.UserID, p.Online)
		// Let the reverse transition through even inside the window.
		e.dedup.Forget(models.PresenceFingerprint(p.UserID, !p.Online))
	case *models.Interaction:
		e.applyInteraction(ev.Kind, *p)
	case *models.Notification:
		e.applyNotification(*p)
	case *models.UnreadCount:
		e.notifications.SetUnreadCount(p.Count)
	case *models.ServerError:
		e.events.LogServerError(ctx, p.Message)
		e.pushAlert(alerts.Alert{
			Kind:    alerts.KindError,
			Title:   "Something went wrong",
			Message: orDefault(p.Message, "The server reported an error."),
		})
	}
}

func (e *Engine) applyMessage(ctx context.Context, kind models.EventKind, msg models.Message) {
	self := e.session.UserID
	peerID := msg.PeerID(self)

	e.conversations.UpsertFromMessage(msg)
	routed := e.tabs.RouteInbound(ctx, msg, self)

	if kind != models.EventNewMessage || !msg.IsFromPeer(self) {
		return
	}

	if routed && e.tabs.IsVisible(peerID) {
		e.conversations.MarkReadForPeer(peerID)
		if err := e.channel.Send(models.OutMessageRead, map[string]int64{"messageId": msg.ID}); err != nil {
			logging.Debug().Err(err).Int64("message_id", msg.ID).Msg("read receipt not sent")
		}
		return
	}
	if routed {
		return
	}

	title := "New message"
	if msg.Sender != nil && msg.Sender.Name != "" {
		title = msg.Sender.Name
	} else if conv, ok := e.conversations.Get(peerID); ok && conv.Peer.Name != "" {
		title = conv.Peer.Name
	}
	e.pushAlert(alerts.Alert{
		Kind:    alerts.KindMessage,
		Title:   title,
		Message: logging.TruncateContent(msg.Content, alertPreviewLength),
		Action:  &alerts.Action{Label: "Reply", Link: chatLink(peerID)},
	})
}

func (e *Engine) applyInteraction(kind models.EventKind, in models.Interaction) {
	name := orDefault(in.User.Name, "Someone")
	switch kind {
	case models.EventNewLike:
		e.pushAlert(alerts.Alert{
			Kind:    alerts.KindLike,
			Title:   "New like",
			Message: name + " liked your profile",
			Action:  &alerts.Action{Label: "View profile", Link: profileLink(in.User.ID)},
		})
	case models.EventNewMatch:
		e.pushAlert(alerts.Alert{
			Kind:    alerts.KindMatch,
			Title:   "It's a match!",
			Message: "You and " + name + " liked each other",
			Action:  &alerts.Action{Label: "Send a message", Link: chatLink(in.User.ID)},
		})
	case models.EventProfileVisit:
		e.pushAlert(alerts.Alert{
			Kind:    alerts.KindVisit,
			Title:   "Profile visit",
			Message: name + " viewed your profile",
			Action:  &alerts.Action{Label: "View profile", Link: profileLink(in.User.ID)},
		})
	case models.EventUnlike:
		logging.Debug().Int64("user_id", in.User.ID).Msg("unlike received")
	}
}

// applyNotification holds n and raises an alert when it is new and unread.
// Message notifications never alert; the message event does.
func (e *Engine) applyNotification(n models.Notification) {
	if !e.notifications.IngestPush(n) || n.IsRead {
		return
	}
	kind, ok := notificationAlertKind(n.Type)
	if !ok {
		return
	}
	e.pushAlert(alerts.Alert{
		Kind:    kind,
		Title:   notificationTitle(n.Type),
		Message: logging.TruncateContent(n.Content, alertPreviewLength),
	})
}

func notificationAlertKind(t models.NotificationType) (alerts.Kind, bool) {
	switch t {
	case models.NotificationLike:
		return alerts.KindLike, true
	case models.NotificationMatch:
		return alerts.KindMatch, true
	case models.NotificationVisit:
		return alerts.KindVisit, true
	case models.NotificationMessage, models.NotificationUnlike:
		return "", false
	default:
		return alerts.KindInfo, true
	}
}

func notificationTitle(t models.NotificationType) string {
	switch t {
	case models.NotificationLike:
		return "New like"
	case models.NotificationMatch:
		return "It's a match!"
	case models.NotificationVisit:
		return "Profile visit"
	default:
		return "Notification"
	}
}

func chatLink(peerID int64) string {
	return "/messages/" + strconv.FormatInt(peerID, 10)
}

func profileLink(userID int64) string {
	return "/profile/" + strconv.FormatInt(userID, 10)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
