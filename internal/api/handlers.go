// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package api

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/kindred-app/kindred/internal/channel"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/sync"
)

// StateProvider is the engine surface read by the status API.
type StateProvider interface {
	Snapshot(ctx context.Context) sync.Snapshot
}

// Response is the envelope for every status API response.
type Response struct {
	Status   string       `json:"status"`
	Data     interface{}  `json:"data"`
	Metadata Metadata     `json:"metadata"`
	Error    *ErrorDetail `json:"error,omitempty"`
}

// Metadata carries per-response bookkeeping.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthStatus is the payload of GET /health.
type HealthStatus struct {
	Status        string  `json:"status"` // "healthy" or "degraded"
	ChannelState  string  `json:"channel_state"`
	UserID        int64   `json:"user_id"`
	OutboxPending int     `json:"outbox_pending"`
	Uptime        float64 `json:"uptime_seconds"`
}

// Handler serves the status endpoints.
type Handler struct {
	state     StateProvider
	startTime time.Time
}

// NewHandler creates a Handler reading from state.
func NewHandler(state StateProvider) *Handler {
	return &Handler{state: state, startTime: time.Now()}
}

// Health reports liveness. The process is alive whenever it answers; a
// channel that is not connected reports "degraded" with 200 OK.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot(r.Context())

	status := "healthy"
	if snap.ChannelState != channel.StateConnected.String() {
		status = "degraded"
	}

	respondJSON(w, r, http.StatusOK, HealthStatus{
		Status:        status,
		ChannelState:  snap.ChannelState,
		UserID:        snap.UserID,
		OutboxPending: snap.OutboxPending,
		Uptime:        time.Since(h.startTime).Seconds(),
	})
}

// State returns the full engine snapshot.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, h.state.Snapshot(r.Context()))
}

// NotFound answers unknown routes with the error envelope.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found")
}

// MethodNotAllowed answers known routes hit with the wrong method.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeEnvelope(w, r, status, &Response{
		Status: "success",
		Data:   data,
		Metadata: Metadata{
			Timestamp: time.Now().UTC(),
			RequestID: chimiddleware.GetReqID(r.Context()),
		},
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeEnvelope(w, r, status, &Response{
		Status: "error",
		Metadata: Metadata{
			Timestamp: time.Now().UTC(),
			RequestID: chimiddleware.GetReqID(r.Context()),
		},
		Error: &ErrorDetail{Code: code, Message: message},
	})
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, response *Response) {
	data, err := json.Marshal(response)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to write JSON response")
	}
}
