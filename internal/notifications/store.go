// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package notifications holds the client-side notification list and unread
counter.

Notifications arrive from two sources: live pushes over the channel and
paginated REST fetches. Pushes are idempotent by id. Fetched pages are
authoritative for the unread counter; between fetches the counter is
adjusted by pushes and local mutations.

Local mutations (mark read, mark all read, delete) apply synchronously and
are then handed to an Acknowledger, which propagates them to the server
without blocking the caller. Failures are never rolled back locally.
*/
package notifications

import (
	"context"
	"errors"
	"sync"

	"github.com/kindred-app/kindred/internal/metrics"
	"github.com/kindred-app/kindred/internal/models"
)

var (
	// ErrNotFound is returned when a mutation targets an unknown id.
	ErrNotFound = errors.New("notification not found")

	// ErrStalePage is reported when a fetched page was superseded by a newer
	// fetch before it arrived.
	ErrStalePage = errors.New("stale notification page")
)

// Acknowledger propagates local mutations to the server. Implementations
// must not block; they are called outside the store lock.
type Acknowledger interface {
	AckRead(ctx context.Context, id int64)
	AckAllRead(ctx context.Context)
	AckDelete(ctx context.Context, id int64)
}

type nopAcknowledger struct{}

func (nopAcknowledger) AckRead(context.Context, int64)   {}
func (nopAcknowledger) AckAllRead(context.Context)       {}
func (nopAcknowledger) AckDelete(context.Context, int64) {}

// Store is the notification list, newest first. Safe for concurrent use.
type Store struct {
	ack Acknowledger

	mu      sync.RWMutex
	items   []models.Notification
	index   map[int64]int // id -> position in items
	unread  int
	page    int
	hasMore bool
	fetch   uint64 // token of the most recent BeginFetch

	// pushed maps ids ingested live to the fetch token current at ingest.
	pushed map[int64]uint64
}

// NewStore creates an empty store. A nil ack discards acknowledgements.
func NewStore(ack Acknowledger) *Store {
	if ack == nil {
		ack = nopAcknowledger{}
	}
	return &Store{
		ack:    ack,
		index:  make(map[int64]int),
		pushed: make(map[int64]uint64),
	}
}

// IngestPush adds a pushed notification at the head of the list. It reports
// false, changing nothing, when the id is already held.
func (s *Store) IngestPush(n models.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[n.ID]; ok {
		return false
	}
	s.items = append([]models.Notification{n}, s.items...)
	s.reindex()
	s.pushed[n.ID] = s.fetch
	if !n.IsRead {
		s.unread++
	}
	s.observe()
	return true
}

// ReconcilePage applies a REST page. The first page replaces the list; later
// pages append notifications not already held. The server-reported unread
// count always overwrites the local counter.
func (s *Store) ReconcilePage(page models.NotificationPage, isFirstPage bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyPage(page, isFirstPage, 0)
}

// BeginFetch marks the start of a REST fetch and returns the token to pass
// to ReconcileFetched. Starting a new fetch invalidates older tokens.
func (s *Store) BeginFetch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetch++
	return s.fetch
}

// ReconcileFetched applies page only if token is from the most recent
// BeginFetch. It reports whether the page was applied. Notifications pushed
// after BeginFetch and missing from a first page are kept at the head of the
// list and their unread state is added to the server count.
func (s *Store) ReconcileFetched(token uint64, page models.NotificationPage, isFirstPage bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.fetch {
		return false
	}
	s.applyPage(page, isFirstPage, token)
	return true
}

// applyPage applies page. A non-zero since carries over, on a first page,
// pushes ingested at or after that fetch token. Caller holds mu.
func (s *Store) applyPage(page models.NotificationPage, isFirstPage bool, since uint64) {
	extra := 0
	if isFirstPage {
		inPage := make(map[int64]struct{}, len(page.Notifications))
		for _, n := range page.Notifications {
			inPage[n.ID] = struct{}{}
		}

		var carried []models.Notification
		if since > 0 {
			for _, n := range s.items {
				seq, ok := s.pushed[n.ID]
				if !ok || seq < since {
					continue
				}
				if _, ok := inPage[n.ID]; ok {
					continue
				}
				carried = append(carried, n)
				if !n.IsRead {
					extra++
				}
			}
		}

		s.items = make([]models.Notification, 0, len(carried)+len(page.Notifications))
		s.index = make(map[int64]int, len(carried)+len(page.Notifications))
		clear(s.pushed)
		for _, n := range carried {
			s.index[n.ID] = len(s.items)
			s.items = append(s.items, n)
			s.pushed[n.ID] = since
		}
	}
	for _, n := range page.Notifications {
		if _, ok := s.index[n.ID]; ok {
			continue
		}
		s.index[n.ID] = len(s.items)
		s.items = append(s.items, n)
	}
	s.unread = max(page.UnreadCount, 0) + extra
	s.page = page.Page
	s.hasMore = page.HasMore
	s.observe()
}

// MarkRead marks one notification read. Already-read notifications are left
// alone and not re-acknowledged.
func (s *Store) MarkRead(ctx context.Context, id int64) error {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.items[pos].IsRead {
		s.mu.Unlock()
		return nil
	}
	s.items[pos].IsRead = true
	s.decrement()
	s.observe()
	s.mu.Unlock()

	s.ack.AckRead(ctx, id)
	return nil
}

// MarkAllRead marks every held notification read and zeroes the counter,
// including unread notifications the store has not fetched yet.
func (s *Store) MarkAllRead(ctx context.Context) {
	s.mu.Lock()
	for i := range s.items {
		s.items[i].IsRead = true
	}
	s.unread = 0
	s.observe()
	s.mu.Unlock()

	s.ack.AckAllRead(ctx)
}

// Delete removes a notification, decrementing the counter if it was unread.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !s.items[pos].IsRead {
		s.decrement()
	}
	s.items = append(s.items[:pos], s.items[pos+1:]...)
	delete(s.pushed, id)
	s.reindex()
	s.observe()
	s.mu.Unlock()

	s.ack.AckDelete(ctx, id)
	return nil
}

// ReconcileFetchedCount applies a fetched unread count if token is from the
// most recent BeginFetch. Unread notifications pushed since are added on top.
func (s *Store) ReconcileFetchedCount(token uint64, n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.fetch {
		return false
	}
	extra := 0
	for _, item := range s.items {
		if seq, ok := s.pushed[item.ID]; ok && seq >= token && !item.IsRead {
			extra++
		}
	}
	s.unread = max(n, 0) + extra
	s.observe()
	return true
}

// SetUnreadCount overwrites the counter with a server-pushed value.
func (s *Store) SetUnreadCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = max(n, 0)
	s.observe()
}

// List returns a copy of the held notifications, newest first.
func (s *Store) List() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Get returns the notification with id.
func (s *Store) Get(id int64) (models.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return models.Notification{}, false
	}
	return s.items[pos], true
}

// UnreadCount returns the unread counter.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Len returns the number of held notifications.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Pagination returns the last applied page number and whether the server
// reported more pages.
func (s *Store) Pagination() (page int, hasMore bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page, s.hasMore
}

// decrement lowers the counter, never below zero. Caller holds mu.
func (s *Store) decrement() {
	if s.unread > 0 {
		s.unread--
	}
}

// reindex rebuilds the id index after positions shift. Caller holds mu.
func (s *Store) reindex() {
	clear(s.index)
	for i, n := range s.items {
		s.index[n.ID] = i
	}
}

// observe publishes gauges. Caller holds mu.
func (s *Store) observe() {
	metrics.NotificationsHeld.Set(float64(len(s.items)))
	metrics.NotificationsUnread.Set(float64(s.unread))
}
