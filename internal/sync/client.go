// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
client.go - REST collaborator client

This file implements the HTTP client for the notification and conversation
endpoints used to reconcile state and acknowledge mutations.
*/

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
	"github.com/kindred-app/kindred/internal/validation"
)

// ErrNotFound is matched by API errors for 404 responses.
var ErrNotFound = errors.New("resource not found")

// APIClient defines the REST operations the engine depends on.
// Both HTTPClient and CircuitBreakerClient implement this interface.
type APIClient interface {
	FetchNotifications(ctx context.Context, page, limit int, notificationType string) (models.NotificationPage, error)
	FetchUnreadCount(ctx context.Context) (int, error)
	FetchConversations(ctx context.Context) (models.ConversationSnapshot, error)
	FetchMessages(ctx context.Context, peerID, beforeID int64, limit int) ([]models.Message, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id int64) error
}

// Ensure HTTPClient implements APIClient
var _ APIClient = (*HTTPClient)(nil)

// APIError is a non-2xx response.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Is matches ErrNotFound for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPClient calls the REST API with a bearer token.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// maxErrorBody bounds the error body kept in APIError.
const maxErrorBody = 512

// NewHTTPClient creates a REST client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchNotifications retrieves one page of notifications, newest first.
// An empty notificationType returns all types.
func (c *HTTPClient) FetchNotifications(ctx context.Context, page, limit int, notificationType string) (models.NotificationPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if notificationType != "" {
		q.Set("type", notificationType)
	}

	var out models.NotificationPage
	if err := c.do(ctx, "fetch_notifications", http.MethodGet, "/api/notifications", q, &out); err != nil {
		return models.NotificationPage{}, err
	}
	if out.Page == 0 {
		out.Page = max(page, 1)
	}
	if err := validation.ValidateStruct(&out); err != nil {
		return models.NotificationPage{}, fmt.Errorf("invalid notifications page: %w", err)
	}
	return out, nil
}

// FetchUnreadCount retrieves the notification unread count.
func (c *HTTPClient) FetchUnreadCount(ctx context.Context) (int, error) {
	var out models.UnreadCount
	if err := c.do(ctx, "fetch_unread_count", http.MethodGet, "/api/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return max(out.Count, 0), nil
}

// FetchConversations retrieves the full conversation list.
func (c *HTTPClient) FetchConversations(ctx context.Context) (models.ConversationSnapshot, error) {
	var out models.ConversationSnapshot
	if err := c.do(ctx, "fetch_conversations", http.MethodGet, "/api/messages/conversations", nil, &out); err != nil {
		return models.ConversationSnapshot{}, err
	}
	if err := validation.ValidateStruct(&out); err != nil {
		return models.ConversationSnapshot{}, fmt.Errorf("invalid conversation snapshot: %w", err)
	}
	return out, nil
}

// FetchMessages retrieves the message history with peerID, older than
// beforeID when non-zero.
func (c *HTTPClient) FetchMessages(ctx context.Context, peerID, beforeID int64, limit int) ([]models.Message, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Messages []models.Message `json:"messages"`
	}
	path := "/api/messages/" + strconv.FormatInt(peerID, 10)
	if err := c.do(ctx, "fetch_messages", http.MethodGet, path, q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// MarkNotificationRead marks one notification read on the server.
func (c *HTTPClient) MarkNotificationRead(ctx context.Context, id int64) error {
	path := "/api/notifications/" + strconv.FormatInt(id, 10) + "/read"
	return c.do(ctx, "mark_notification_read", http.MethodPut, path, nil, nil)
}

// MarkAllNotificationsRead marks every notification read on the server.
func (c *HTTPClient) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "mark_all_notifications_read", http.MethodPut, "/api/notifications/read-all", nil, nil)
}

// DeleteNotification deletes one notification on the server.
func (c *HTTPClient) DeleteNotification(ctx context.Context, id int64) error {
	path := "/api/notifications/" + strconv.FormatInt(id, 10)
	return c.do(ctx, "delete_notification", http.MethodDelete, path, nil, nil)
}

// do executes a request and decodes a JSON response into out when non-nil.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, out any) (err error) {
	start := time.Now()
	defer func() { metrics.RecordAPIRequest(op, time.Since(start), err) }()

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("%s: create request failed: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
