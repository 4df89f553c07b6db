// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

// Package conversations tracks per-peer conversation state: last message,
// unread count and the peer's presence.
//
// Conversations are created from REST snapshots and, when a message arrives
// for an unknown peer, on the fly with a placeholder peer; the registry then
// asks for a fresh snapshot without waiting for it.
package conversations

import (
	"errors"
	"sort"
	"sync"

	"github.com/kindred-app/kindred/internal/cache"
	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
)

// ErrStaleSnapshot is reported when a snapshot was superseded by a newer
// request before it arrived.
var ErrStaleSnapshot = errors.New("stale conversation snapshot")

// recentMessageIDs bounds the per-conversation memory of counted messages.
const recentMessageIDs = 64

// SnapshotRequester fetches a fresh snapshot and applies it through
// BeginSnapshot and ApplySnapshot. It is invoked on its own goroutine.
type SnapshotRequester interface {
	RequestSnapshot(reason string)
}

// SnapshotRequesterFunc adapts a function to SnapshotRequester.
type SnapshotRequesterFunc func(reason string)

// RequestSnapshot calls f.
func (f SnapshotRequesterFunc) RequestSnapshot(reason string) { f(reason) }

type entry struct {
	conv models.Conversation

	// recent holds message ids already applied, newest last.
	recent *cache.Ring[int64]

	// seq values record when the entry was last changed by a live message
	// or presence event, on the registry's sequence clock.
	messageSeq  uint64
	presenceSeq uint64
}

type presenceMark struct {
	online bool
	seq    uint64
}

// Registry is keyed by peer user id. Safe for concurrent use.
type Registry struct {
	selfID    int64
	requester SnapshotRequester

	mu       sync.RWMutex
	convs    map[int64]*entry
	presence map[int64]presenceMark // live presence, including unknown peers
	seq      uint64                 // sequence clock
	snapshot uint64                 // token of the latest BeginSnapshot
	pending  bool                   // a snapshot request is outstanding
}

// NewRegistry creates a registry for the session user selfID. A nil
// requester disables self-healing snapshot requests.
func NewRegistry(selfID int64, requester SnapshotRequester) *Registry {
	return &Registry{
		selfID:    selfID,
		requester: requester,
		convs:     make(map[int64]*entry),
		presence:  make(map[int64]presenceMark),
	}
}

func newEntry(conv models.Conversation) *entry {
	e := &entry{conv: conv, recent: cache.NewRing[int64](recentMessageIDs)}
	if conv.LastMessage != nil {
		e.recent.Push(conv.LastMessage.ID)
	}
	return e
}

// UpsertFromMessage applies a new or self-sent message. The last message is
// always replaced; the unread count grows only for messages from the peer
// that have not been applied before. It reports whether the conversation was
// created.
func (r *Registry) UpsertFromMessage(msg models.Message) (created bool) {
	peerID := msg.PeerID(r.selfID)

	r.mu.Lock()
	r.seq++
	e, ok := r.convs[peerID]
	if !ok {
		e = newEntry(models.Conversation{Peer: r.placeholder(peerID, msg)})
		r.convs[peerID] = e
		created = true
	}

	m := msg
	e.conv.LastMessage = &m
	e.messageSeq = r.seq

	seen := e.recent.Index(func(id int64) bool { return id == msg.ID }) >= 0
	if !seen {
		e.recent.Push(msg.ID)
		if msg.IsFromPeer(r.selfID) && !msg.IsRead {
			e.conv.UnreadCount++
		}
	}

	request := created && r.requester != nil && !r.pending
	if request {
		r.pending = true
	}
	r.observe()
	r.mu.Unlock()

	if request {
		go r.requester.RequestSnapshot("unknown peer")
	}
	return created
}

// placeholder builds the peer summary for a conversation created from a
// message. Caller holds mu.
func (r *Registry) placeholder(peerID int64, msg models.Message) models.UserSummary {
	peer := models.UserSummary{ID: peerID}
	if msg.Sender != nil && msg.Sender.ID == peerID {
		peer = *msg.Sender
	}
	if mark, ok := r.presence[peerID]; ok {
		peer.IsOnline = mark.online
	}
	return peer
}

// UpsertFromSnapshot replaces the conversation set with convs.
func (r *Registry) UpsertFromSnapshot(convs []models.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.snapshot = r.seq
	r.apply(r.seq, convs)
}

// BeginSnapshot marks the start of a snapshot fetch and returns the token to
// pass to ApplySnapshot. A newer BeginSnapshot invalidates older tokens.
// Unknown peers seen after this point request a fresh snapshot.
func (r *Registry) BeginSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.snapshot = r.seq
	r.pending = false
	return r.seq
}

// ApplySnapshot replaces the conversation set if token is current. Presence
// and messages observed live after BeginSnapshot are kept over the
// snapshot's view of them. It reports whether the snapshot was applied.
func (r *Registry) ApplySnapshot(token uint64, snapshot models.ConversationSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token != r.snapshot {
		return false
	}
	r.apply(token, snapshot.Conversations)
	return true
}

// apply installs convs as of token. Caller holds mu.
func (r *Registry) apply(token uint64, convs []models.Conversation) {
	next := make(map[int64]*entry, len(convs))
	for _, c := range convs {
		if c.Peer.ID == 0 {
			continue
		}
		if c.LastMessage != nil {
			m := *c.LastMessage
			c.LastMessage = &m
		}
		c.UnreadCount = max(c.UnreadCount, 0)
		fresh := newEntry(c)

		if old, ok := r.convs[c.Peer.ID]; ok {
			if old.messageSeq > token {
				fresh.conv.LastMessage = old.conv.LastMessage
				fresh.conv.UnreadCount = old.conv.UnreadCount
				fresh.messageSeq = old.messageSeq
			}
			for _, id := range old.recent.Items() {
				if fresh.recent.Index(func(v int64) bool { return v == id }) < 0 {
					fresh.recent.Push(id)
				}
			}
		}
		if mark, ok := r.presence[c.Peer.ID]; ok && mark.seq > token {
			fresh.conv.Peer.IsOnline = mark.online
			fresh.presenceSeq = mark.seq
		}
		next[c.Peer.ID] = fresh
	}

	// Conversations created live after the fetch began are not in the
	// snapshot yet.
	for id, old := range r.convs {
		if _, ok := next[id]; !ok && old.messageSeq > token {
			next[id] = old
		}
	}

	for id, mark := range r.presence {
		if mark.seq <= token {
			delete(r.presence, id)
		}
	}

	r.convs = next
	r.pending = false
	r.observe()
}

// MarkReadForPeer zeroes the unread count of the conversation with peerID
// and returns the previous count.
func (r *Registry) MarkReadForPeer(peerID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.convs[peerID]
	if !ok {
		return 0
	}
	prev := e.conv.UnreadCount
	e.conv.UnreadCount = 0
	if lm := e.conv.LastMessage; lm != nil && lm.IsFromPeer(r.selfID) {
		lm.IsRead = true
	}
	return prev
}

// PresenceChanged records the presence of userID and flips the online flag
// of its conversation. It reports whether a conversation changed.
func (r *Registry) PresenceChanged(userID int64, online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.presence[userID] = presenceMark{online: online, seq: r.seq}

	e, ok := r.convs[userID]
	if !ok {
		return false
	}
	e.presenceSeq = r.seq
	if e.conv.Peer.IsOnline == online {
		return false
	}
	e.conv.Peer.IsOnline = online
	return true
}

// ApplyReadReceipt marks the referenced last message read. A receipt whose
// reader is the session user, read on another device, also clears the
// unread count for the sender.
func (r *Registry) ApplyReadReceipt(receipt models.ReadReceipt) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peerID := receipt.ReaderID
	if receipt.ReaderID == r.selfID {
		peerID = receipt.SenderID
	}
	e, ok := r.convs[peerID]
	if !ok {
		return false
	}

	changed := false
	if lm := e.conv.LastMessage; lm != nil && lm.ID == receipt.MessageID && !lm.IsRead {
		lm.IsRead = true
		changed = true
	}
	if receipt.ReaderID == r.selfID && e.conv.UnreadCount > 0 {
		e.conv.UnreadCount = 0
		changed = true
	}
	return changed
}

// Get returns a copy of the conversation with peerID.
func (r *Registry) Get(peerID int64) (models.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.convs[peerID]
	if !ok {
		return models.Conversation{}, false
	}
	return copyConversation(e.conv), true
}

// List returns copies of all conversations, most recent message first.
// Conversations without messages sort last, by peer id.
func (r *Registry) List() []models.Conversation {
	r.mu.RLock()
	out := make([]models.Conversation, 0, len(r.convs))
	for _, e := range r.convs {
		out = append(out, copyConversation(e.conv))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a != nil && b != nil:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			if a.ID != b.ID {
				return a.ID > b.ID
			}
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return out[i].Peer.ID < out[j].Peer.ID
	})
	return out
}

// TotalUnread sums the unread counts of all conversations.
func (r *Registry) TotalUnread() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, e := range r.convs {
		total += e.conv.UnreadCount
	}
	return total
}

// Len returns the number of tracked conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}

func (r *Registry) observe() {
	metrics.ConversationsTracked.Set(float64(len(r.convs)))
}

func copyConversation(c models.Conversation) models.Conversation {
	if c.LastMessage != nil {
		m := *c.LastMessage
		c.LastMessage = &m
	}
	return c
}
