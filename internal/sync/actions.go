// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kindred-app/kindred/internal/alerts"
	"github.com/kindred-app/kindred/internal/channel"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
	"github.com/kindred-app/kindred/internal/storage"
)

var (
	// ErrEngineStopped is returned by Start after Stop.
	ErrEngineStopped = errors.New("sync engine stopped")

	// ErrEmptyMessage is returned by SendMessage for blank content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrStale is returned when a fetch result was superseded by a newer
	// fetch and discarded.
	ErrStale = errors.New("fetch result superseded")
)

// OpenChat opens a chat tab for peer, marks the conversation read and joins
// the conversation room. A tab evicted to make room leaves its room.
func (e *Engine) OpenChat(ctx context.Context, peer models.UserSummary) {
	evicted, ok := e.tabs.Open(ctx, peer)
	if ok {
		e.sendBestEffort(models.OutLeaveConversation, conversationPayload(evicted))
	}

	if prev := e.conversations.MarkReadForPeer(peer.ID); prev > 0 {
		logging.Debug().Int64("peer", peer.ID).Int("unread", prev).Msg("conversation marked read")
	}
	e.sendBestEffort(models.OutMarkAllRead, map[string]int64{"senderId": peer.ID})
	e.sendBestEffort(models.OutJoinConversation, conversationPayload(peer.ID))
}

// CloseChat closes the tab for peerID and leaves its room. It reports
// whether a tab was open.
func (e *Engine) CloseChat(ctx context.Context, peerID int64) bool {
	if !e.tabs.Close(ctx, peerID) {
		return false
	}
	e.sendBestEffort(models.OutLeaveConversation, conversationPayload(peerID))
	return true
}

// ToggleChat minimizes or restores the tab for peerID. Restoring a tab
// marks its conversation read.
func (e *Engine) ToggleChat(ctx context.Context, peerID int64) (minimized bool, err error) {
	minimized, err = e.tabs.ToggleMinimize(ctx, peerID)
	if err != nil {
		return false, err
	}
	if !minimized && e.conversations.MarkReadForPeer(peerID) > 0 {
		e.sendBestEffort(models.OutMarkAllRead, map[string]int64{"senderId": peerID})
	}
	return minimized, nil
}

// SendMessage emits a chat message and returns the temporary id the
// server echoes back in message-sent.
func (e *Engine) SendMessage(receiverID int64, content string) (tempID string, err error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	tempID = uuid.New().String()
	err = e.channel.Send(models.OutSendMessage, map[string]any{
		"receiverId": receiverID,
		"content":    content,
		"tempId":     tempID,
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return tempID, nil
}

// SetTyping emits a typing indicator. Typing-start is rate limited by the
// channel; dropped indicators are not errors.
func (e *Engine) SetTyping(receiverID int64, typing bool) error {
	event := models.OutTypingStop
	if typing {
		event = models.OutTypingStart
	}
	return e.channel.Send(event, map[string]int64{"receiverId": receiverID})
}

// MarkNotificationRead marks one notification read optimistically.
func (e *Engine) MarkNotificationRead(ctx context.Context, id int64) error {
	return e.notifications.MarkRead(ctx, id)
}

// MarkAllNotificationsRead marks every notification read optimistically.
func (e *Engine) MarkAllNotificationsRead(ctx context.Context) {
	e.notifications.MarkAllRead(ctx)
}

// DeleteNotification removes one notification optimistically.
func (e *Engine) DeleteNotification(ctx context.Context, id int64) error {
	return e.notifications.Delete(ctx, id)
}

// RefreshNotifications fetches one page and reconciles it into the store.
// Page 1 replaces the held set; later pages append. A result superseded by
// a newer fetch is discarded and reported as ErrStale.
func (e *Engine) RefreshNotifications(ctx context.Context, page, limit int, notificationType string) error {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = e.cfg.PageSize
	}

	token := e.notifications.BeginFetch()
	result, err := e.api.FetchNotifications(ctx, page, limit, notificationType)
	if err != nil {
		e.restFailed(ctx, "Couldn't load notifications", err)
		return fmt.Errorf("fetch notifications: %w", err)
	}
	if !e.notifications.ReconcileFetched(token, result, page == 1) {
		metrics.StalePayloads.WithLabelValues("notifications").Inc()
		e.events.LogStale(ctx, "notifications", token, 0)
		return ErrStale
	}
	return nil
}

// RefreshUnreadCount fetches only the unread counter. It is the fallback
// when the first notification page cannot be loaded.
func (e *Engine) RefreshUnreadCount(ctx context.Context) error {
	token := e.notifications.BeginFetch()
	n, err := e.api.FetchUnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("fetch unread count: %w", err)
	}
	if !e.notifications.ReconcileFetchedCount(token, n) {
		metrics.StalePayloads.WithLabelValues("unread_count").Inc()
		e.events.LogStale(ctx, "unread_count", token, 0)
		return ErrStale
	}
	return nil
}

// reconcile refreshes notification page 1 and the conversation snapshot
// after a (re)connect. A failed page fetch falls back to the unread count.
func (e *Engine) reconcile(ctx context.Context) {
	if err := e.RefreshNotifications(ctx, 1, e.cfg.PageSize, ""); err != nil {
		logging.Warn().Err(err).Msg("notification refresh failed")
		if !errors.Is(err, ErrStale) && !errors.Is(err, context.Canceled) {
			if err := e.RefreshUnreadCount(ctx); err != nil {
				logging.Warn().Err(err).Msg("unread count refresh failed")
			}
		}
	}
	if err := e.RefreshConversations(ctx); err != nil {
		logging.Warn().Err(err).Msg("conversation refresh failed")
	}
}

// RefreshConversations fetches the conversation snapshot and applies it
// unless a newer snapshot fetch has started.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	token := e.conversations.BeginSnapshot()
	snapshot, err := e.api.FetchConversations(ctx)
	if err != nil {
		e.restFailed(ctx, "Couldn't load conversations", err)
		return fmt.Errorf("fetch conversations: %w", err)
	}
	if !e.conversations.ApplySnapshot(token, snapshot) {
		metrics.StalePayloads.WithLabelValues("conversations").Inc()
		e.events.LogStale(ctx, "conversations", token, 0)
		return ErrStale
	}
	return nil
}

// LoadMessages fetches message history with peerID older than beforeID
// (0 for the latest page). History does not alter the registry.
func (e *Engine) LoadMessages(ctx context.Context, peerID, beforeID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = e.cfg.PageSize
	}
	msgs, err := e.api.FetchMessages(ctx, peerID, beforeID, limit)
	if err != nil {
		e.restFailed(ctx, "Couldn't load messages", err)
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return msgs, nil
}

// restFailed logs a REST failure and raises a transient error alert.
// Cancellation during shutdown is silent.
func (e *Engine) restFailed(ctx context.Context, title string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	logging.Ctx(ctx).Warn().Err(err).Msg(strings.ToLower(title))
	e.pushAlert(alerts.Alert{Kind: alerts.KindError, Title: title, Message: "Please try again shortly."})
}

// sendBestEffort emits an outbound event, logging rather than returning
// failures while the channel is down.
func (e *Engine) sendBestEffort(event string, payload any) {
	if err := e.channel.Send(event, payload); err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			logging.Debug().Str("event", event).Msg("channel down, event not sent")
			return
		}
		logging.Warn().Err(err).Str("event", event).Msg("failed to send event")
	}
}

func conversationPayload(peerID int64) map[string]int64 {
	return map[string]int64{"conversationId": peerID}
}

// AckRead implements notifications.Acknowledger.
func (e *Engine) AckRead(ctx context.Context, id int64) {
	e.sendBestEffort(models.OutNotificationRead, map[string]int64{"notificationId": id})
	e.acknowledge(ctx, storage.OpMarkRead, id)
}

// AckAllRead implements notifications.Acknowledger.
func (e *Engine) AckAllRead(ctx context.Context) {
	e.sendBestEffort(models.OutNotificationsRead, struct{}{})
	e.acknowledge(ctx, storage.OpMarkAllRead, 0)
}

// AckDelete implements notifications.Acknowledger.
func (e *Engine) AckDelete(ctx context.Context, id int64) {
	e.sendBestEffort(models.OutNotificationDelete, map[string]int64{"notificationId": id})
	e.acknowledge(ctx, storage.OpDelete, id)
}

// acknowledge records the mutation in the outbox and confirms it with the
// REST API in the background. Local state is never rolled back.
func (e *Engine) acknowledge(ctx context.Context, op storage.Op, id int64) {
	entry := storage.Entry{Op: op, NotificationID: id}
	if e.outbox != nil {
		added, err := e.outbox.Add(ctx, op, id)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).Str("op", string(op)).Msg("failed to record pending acknowledgement")
		} else {
			entry = added
		}
	}

	e.goAsync(func(lifecycle context.Context) {
		ackCtx, cancel := context.WithTimeout(lifecycle, e.cfg.AckTimeout)
		defer cancel()

		err := e.deliver(ackCtx, entry)
		if entry.ID == "" {
			if err != nil {
				e.ackFailed(op, id, err)
			}
			return
		}
		if err == nil {
			if cerr := e.outbox.Confirm(lifecycle, entry.ID); cerr != nil && !errors.Is(cerr, context.Canceled) {
				logging.Warn().Err(cerr).Str("entry_id", entry.ID).Msg("failed to confirm acknowledgement")
			}
			return
		}
		if errors.Is(err, context.Canceled) {
			// Stays pending for the next replay.
			return
		}
		if _, ferr := e.outbox.Fail(lifecycle, entry.ID, err); ferr != nil && !errors.Is(ferr, context.Canceled) {
			logging.Warn().Err(ferr).Str("entry_id", entry.ID).Msg("failed to record acknowledgement failure")
		}
		e.ackFailed(op, id, err)
	})
}

func (e *Engine) ackFailed(op storage.Op, id int64, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	logging.Warn().Err(err).Str("op", string(op)).Int64("notification_id", id).Msg("notification update not acknowledged")
	e.pushAlert(alerts.Alert{
		Kind:    alerts.KindError,
		Title:   "Update not saved yet",
		Message: "We'll retry when the connection recovers.",
	})
}

// deliver performs the REST call for one outbox entry. A missing
// notification counts as delivered.
func (e *Engine) deliver(ctx context.Context, entry storage.Entry) error {
	var err error
	switch entry.Op {
	case storage.OpMarkRead:
		err = e.api.MarkNotificationRead(ctx, entry.NotificationID)
	case storage.OpMarkAllRead:
		err = e.api.MarkAllNotificationsRead(ctx)
	case storage.OpDelete:
		err = e.api.DeleteNotification(ctx, entry.NotificationID)
	default:
		return fmt.Errorf("unknown outbox op %q", entry.Op)
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ReplayOutbox delivers every pending acknowledgement.
func (e *Engine) ReplayOutbox(ctx context.Context) (storage.ReplayResult, error) {
	if e.outbox == nil {
		return storage.ReplayResult{}, nil
	}
	return e.outbox.Replay(ctx, e.deliver)
}

func (e *Engine) replayOutbox(ctx context.Context) {
	if _, err := e.ReplayOutbox(ctx); err != nil &&
		!errors.Is(err, storage.ErrReplayInProgress) &&
		!errors.Is(err, context.Canceled) {
		logging.Warn().Err(err).Msg("outbox replay failed")
	}
}
