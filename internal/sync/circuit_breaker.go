// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package sync

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kindred-app/kindred/internal/breaker"
	"github.com/kindred-app/kindred/internal/models"
)

// Ensure CircuitBreakerClient implements APIClient
var _ APIClient = (*CircuitBreakerClient)(nil)

// CircuitBreakerConfig configures the REST circuit breaker.
type CircuitBreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
}

// CircuitBreakerClient wraps an APIClient with a circuit breaker so an
// unavailable API fails fast instead of stacking timeouts. 404 responses
// and caller cancellations do not count as failures.
type CircuitBreakerClient struct {
	client APIClient
	cb     *gobreaker.CircuitBreaker[any]
}

// NewCircuitBreakerClient wraps client.
func NewCircuitBreakerClient(client APIClient, cfg CircuitBreakerConfig) *CircuitBreakerClient {
	cb := breaker.New[any](breaker.Config{
		Name:                "rest-api",
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		Timeout:             cfg.Timeout,
		MaxRequests:         1,
	}, func(err error) bool {
		return err == nil ||
			errors.Is(err, ErrNotFound) ||
			errors.Is(err, context.Canceled)
	})
	return &CircuitBreakerClient{client: client, cb: cb}
}

// State returns the breaker state.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.cb.State()
}

func (c *CircuitBreakerClient) execute(fn func() (any, error)) (any, error) {
	return breaker.Execute(c.cb, fn)
}

// FetchNotifications fetches a page with circuit breaker protection.
func (c *CircuitBreakerClient) FetchNotifications(ctx context.Context, page, limit int, notificationType string) (models.NotificationPage, error) {
	result, err := c.execute(func() (any, error) {
		return c.client.FetchNotifications(ctx, page, limit, notificationType)
	})
	if err != nil {
		return models.NotificationPage{}, err
	}
	return result.(models.NotificationPage), nil
}

// FetchUnreadCount fetches the unread count with circuit breaker protection.
func (c *CircuitBreakerClient) FetchUnreadCount(ctx context.Context) (int, error) {
	result, err := c.execute(func() (any, error) {
		return c.client.FetchUnreadCount(ctx)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// FetchConversations fetches the snapshot with circuit breaker protection.
func (c *CircuitBreakerClient) FetchConversations(ctx context.Context) (models.ConversationSnapshot, error) {
	result, err := c.execute(func() (any, error) {
		return c.client.FetchConversations(ctx)
	})
	if err != nil {
		return models.ConversationSnapshot{}, err
	}
	return result.(models.ConversationSnapshot), nil
}

// FetchMessages fetches message history with circuit breaker protection.
func (c *CircuitBreakerClient) FetchMessages(ctx context.Context, peerID, beforeID int64, limit int) ([]models.Message, error) {
	result, err := c.execute(func() (any, error) {
		return c.client.FetchMessages(ctx, peerID, beforeID, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Message), nil
}

// MarkNotificationRead acknowledges a read with circuit breaker protection.
func (c *CircuitBreakerClient) MarkNotificationRead(ctx context.Context, id int64) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.client.MarkNotificationRead(ctx, id)
	})
	return err
}

// MarkAllNotificationsRead acknowledges read-all with circuit breaker protection.
func (c *CircuitBreakerClient) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.client.MarkAllNotificationsRead(ctx)
	})
	return err
}

// DeleteNotification acknowledges a delete with circuit breaker protection.
func (c *CircuitBreakerClient) DeleteNotification(ctx context.Context, id int64) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.client.DeleteNotification(ctx, id)
	})
	return err
}
