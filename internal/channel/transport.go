// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package channel

import (
	"context"
	"errors"

	"github.com/goccy/go-json"

	"github.com/kindred-app/kindred/internal/models"
)

// Frame is one message on the push channel:
//
//	{"event": "new-message", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrConnClosed is returned by Conn methods after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn is a single established transport connection. ReadFrame is only
// called from one goroutine; WriteFrame may be called concurrently with
// ReadFrame and with itself.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer opens transport connections for a session.
type Dialer interface {
	Dial(ctx context.Context, session models.Session) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, session models.Session) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, session models.Session) (Conn, error) {
	return f(ctx, session)
}

// encodeFrame builds a frame from an event name and payload. A nil payload
// produces a frame without data.
func encodeFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Data = data
	return f, nil
}
