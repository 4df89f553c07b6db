// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package chattabs manages the small set of simultaneously open chat tabs and
routes inbound messages to them.

At most MaxTabs tabs are open. Opening one more evicts the least recently
opened tab. Each tab owns a handler cell: re-registering a handler swaps the
cell content, and routing reads the cell at dispatch time, so a handler
registered late still receives the next message.

The layout (peer, minimized, order) is persisted through a LayoutStore after
every change and restored on start.
*/
package chattabs

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"

	"github.com/kindred-app/kindred/internal/cache"
	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
)

// DefaultMaxTabs is the maximum number of open tabs.
const DefaultMaxTabs = 3

// ErrNoSuchTab is returned when an operation targets a peer without an open tab.
var ErrNoSuchTab = errors.New("no open chat tab for peer")

// MessageHandler receives messages routed to a tab.
type MessageHandler func(msg models.Message)

// Tab is the public view of an open tab.
type Tab struct {
	Peer      models.UserSummary `json:"peer"`
	Minimized bool               `json:"minimized"`
	Position  int                `json:"position"`
}

// LayoutStore persists the serialized tab layout. Load returns nil data
// without error when nothing was saved.
type LayoutStore interface {
	LoadLayout(ctx context.Context) ([]byte, error)
	SaveLayout(ctx context.Context, data []byte) error
}

// handlerCell holds the current handler of a tab. gen identifies the
// registration so a stale unregister leaves a newer handler in place.
type handlerCell struct {
	fn  MessageHandler
	gen uint64
}

type tab struct {
	peer      models.UserSummary
	minimized bool
	cell      *handlerCell
}

// layoutEntry is the persisted form of a tab.
type layoutEntry struct {
	Peer      models.UserSummary `json:"peer"`
	Minimized bool               `json:"minimized"`
}

// Multiplexer owns the open tabs. Safe for concurrent use.
type Multiplexer struct {
	store LayoutStore

	mu   sync.Mutex
	tabs *cache.Ring[*tab] // oldest opened first
	gen  uint64

	saveMu sync.Mutex
}

// New creates a multiplexer holding at most maxTabs tabs. A nil store
// disables persistence.
func New(maxTabs int, store LayoutStore) *Multiplexer {
	if maxTabs <= 0 {
		maxTabs = DefaultMaxTabs
	}
	return &Multiplexer{
		store: store,
		tabs:  cache.NewRing[*tab](maxTabs),
	}
}

// Open opens a tab for peer. Re-opening an open tab un-minimizes it and keeps
// its position. When the limit is reached the least recently opened tab is
// evicted and its peer id returned with true.
func (m *Multiplexer) Open(ctx context.Context, peer models.UserSummary) (evicted int64, ok bool) {
	m.mu.Lock()
	if i := m.index(peer.ID); i >= 0 {
		t := m.tabs.At(i)
		t.minimized = false
		if peer.Name != "" {
			t.peer = peer
		}
		m.mu.Unlock()
		m.persist(ctx)
		return 0, false
	}

	old, ok := m.tabs.Push(&tab{peer: peer, cell: &handlerCell{}})
	if ok {
		evicted = old.peer.ID
		metrics.ChatTabEvictions.Inc()
	}
	m.observe()
	m.mu.Unlock()

	if ok {
		logging.Debug().Int64("peer", evicted).Msg("chat tab evicted")
	}
	m.persist(ctx)
	return evicted, ok
}

// Close closes the tab for peerID. It reports whether a tab was open.
func (m *Multiplexer) Close(ctx context.Context, peerID int64) bool {
	m.mu.Lock()
	i := m.index(peerID)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	m.tabs.RemoveAt(i)
	m.observe()
	m.mu.Unlock()

	m.persist(ctx)
	return true
}

// ToggleMinimize flips the minimized flag of the tab for peerID and returns
// the new value.
func (m *Multiplexer) ToggleMinimize(ctx context.Context, peerID int64) (bool, error) {
	m.mu.Lock()
	i := m.index(peerID)
	if i < 0 {
		m.mu.Unlock()
		return false, ErrNoSuchTab
	}
	t := m.tabs.At(i)
	t.minimized = !t.minimized
	minimized := t.minimized
	m.mu.Unlock()

	m.persist(ctx)
	return minimized, nil
}

// RegisterMessageHandler installs handler in the cell of the tab for peerID,
// replacing any previous handler. The returned function clears the cell
// unless a newer handler has been registered since.
func (m *Multiplexer) RegisterMessageHandler(peerID int64, handler MessageHandler) (unregister func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(peerID)
	if i < 0 {
		return nil, ErrNoSuchTab
	}
	cell := m.tabs.At(i).cell
	m.gen++
	gen := m.gen
	cell.fn = handler
	cell.gen = gen

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cell.gen == gen {
			cell.fn = nil
		}
	}, nil
}

// RouteInbound delivers msg to the tab of its peer, un-minimizing it. The
// handler runs synchronously outside the lock. It reports false when no tab
// is open for the peer.
func (m *Multiplexer) RouteInbound(ctx context.Context, msg models.Message, selfID int64) bool {
	peerID := msg.PeerID(selfID)

	m.mu.Lock()
	i := m.index(peerID)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	t := m.tabs.At(i)
	restored := t.minimized
	t.minimized = false
	fn := t.cell.fn
	m.mu.Unlock()

	if restored {
		m.persist(ctx)
	}
	if fn != nil {
		fn(msg)
	}
	return true
}

// IsOpen reports whether a tab is open for peerID.
func (m *Multiplexer) IsOpen(peerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index(peerID) >= 0
}

// IsVisible reports whether a tab is open and not minimized for peerID.
func (m *Multiplexer) IsVisible(peerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(peerID)
	return i >= 0 && !m.tabs.At(i).minimized
}

// Tabs returns the open tabs, least recently opened first.
func (m *Multiplexer) Tabs() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, m.tabs.Len())
	for i := range out {
		t := m.tabs.At(i)
		out[i] = Tab{Peer: t.peer, Minimized: t.minimized, Position: i}
	}
	return out
}

// PresenceChanged updates the online flag of the tab for userID.
func (m *Multiplexer) PresenceChanged(userID int64, online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(userID)
	if i < 0 {
		return false
	}
	t := m.tabs.At(i)
	if t.peer.IsOnline == online {
		return false
	}
	t.peer.IsOnline = online
	return true
}

// Restore replaces the open tabs with the persisted layout. Missing or
// corrupt data restores no tabs. It returns the number of restored tabs.
func (m *Multiplexer) Restore(ctx context.Context) int {
	if m.store == nil {
		return 0
	}
	data, err := m.store.LoadLayout(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to load chat tab layout")
		return 0
	}

	var entries []layoutEntry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			logging.Warn().Err(err).Msg("discarding corrupt chat tab layout")
			entries = nil
		}
	}

	m.mu.Lock()
	m.tabs.Clear()
	seen := make(map[int64]bool, len(entries))
	for _, e := range entries {
		if e.Peer.ID <= 0 || seen[e.Peer.ID] {
			continue
		}
		seen[e.Peer.ID] = true
		m.tabs.Push(&tab{peer: e.Peer, minimized: e.Minimized, cell: &handlerCell{}})
	}
	n := m.tabs.Len()
	m.observe()
	m.mu.Unlock()

	return n
}

// persist saves the current layout. Saves are serialized so the last write
// reflects the latest state.
func (m *Multiplexer) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	entries := make([]layoutEntry, m.tabs.Len())
	for i := range entries {
		t := m.tabs.At(i)
		entries[i] = layoutEntry{Peer: t.peer, Minimized: t.minimized}
	}
	m.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to encode chat tab layout")
		return
	}
	if err := m.store.SaveLayout(ctx, data); err != nil {
		logging.Warn().Err(err).Msg("failed to save chat tab layout")
	}
}

// index returns the ring position of peerID or -1. Caller holds mu.
func (m *Multiplexer) index(peerID int64) int {
	return m.tabs.Index(func(t *tab) bool { return t.peer.ID == peerID })
}

// observe publishes gauges. Caller holds mu.
func (m *Multiplexer) observe() {
	metrics.ChatTabsOpen.Set(float64(m.tabs.Len()))
}
