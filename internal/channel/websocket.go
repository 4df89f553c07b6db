// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/models"
)

// Transport timing defaults.
const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultPingInterval     = (defaultPongWait * 9) / 10

	maxFrameSize = 1 << 20
)

// WebSocketDialer dials the push channel over gorilla/websocket.
// The session token travels in the token query parameter and as a bearer
// Authorization header.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
}

// NewWebSocketDialer creates a dialer for rawURL with default timings.
func NewWebSocketDialer(rawURL string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:              rawURL,
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteWait:        defaultWriteWait,
		PongWait:         defaultPongWait,
		PingInterval:     defaultPingInterval,
	}
}

// Dial opens a websocket connection for session.
func (d *WebSocketDialer) Dial(ctx context.Context, session models.Session) (Conn, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url: %w", err)
	}
	q := target.Query()
	q.Set("token", session.Token)
	target.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout:  orDefault(d.HandshakeTimeout, defaultHandshakeTimeout),
		EnableCompression: true,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.Token)

	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Debug().Err(cerr).Msg("failed to close handshake response body")
		}
	}

	logging.Debug().Str("url", logging.SanitizeURL(target.String())).Msg("websocket connected")
	return newWSConn(conn, d), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// wsConn adapts *websocket.Conn to Conn and keeps the connection alive
// with pings.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	pongWait  time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWSConn(conn *websocket.Conn, d *WebSocketDialer) *wsConn {
	c := &wsConn{
		conn:      conn,
		writeWait: orDefault(d.WriteWait, defaultWriteWait),
		pongWait:  orDefault(d.PongWait, defaultPongWait),
		done:      make(chan struct{}),
	}

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	interval := orDefault(d.PingInterval, defaultPingInterval)
	if interval >= c.pongWait {
		interval = (c.pongWait * 9) / 10
	}
	c.wg.Add(1)
	go c.pingLoop(interval)
	return c
}

// ReadFrame blocks for the next text frame. Any application message
// extends the read deadline like a pong would.
func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return Frame{}, ErrConnClosed
			default:
			}
			return Frame{}, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			logging.Warn().Int("bytes", len(data)).Msg("dropping unparseable channel frame")
			continue
		}
		return f, nil
	}
}

// WriteFrame sends f as a text message.
func (c *wsConn) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame %s: %w", f.Event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop sends websocket pings until the connection closes.
func (c *wsConn) pingLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.writeMu.Unlock()
			if err != nil {
				logging.Debug().Err(err).Msg("websocket ping failed")
				// The read side observes the broken connection.
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Close sends a close frame and tears down the connection. Safe to call
// more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		if werr := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); werr != nil {
			logging.Debug().Err(werr).Msg("failed to send close message")
		}
		c.writeMu.Unlock()

		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
