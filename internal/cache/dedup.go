// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

// Package cache provides the small bounded data structures the sync engine
// relies on: a time-window deduplicator, a fixed-capacity FIFO ring and a
// sliding window counter.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default deduplication timings.
const (
	DefaultDedupWindow    = 2 * time.Second
	DefaultDedupRetention = 5 * time.Second
)

// Clock returns the current time. Tests substitute a manual clock.
type Clock func() time.Time

// Deduplicator suppresses repeated delivery of the same logical event.
//
// A key is accepted when it has not been accepted within the window; the
// acceptance time is then recorded. Every check sweeps entries older than
// the retention period, so memory is bounded by the event rate rather than
// by process lifetime. A suppressed check does not extend the window.
type Deduplicator[K comparable] struct {
	mu        sync.Mutex
	seen      map[K]time.Time
	window    time.Duration
	retention time.Duration
	now       Clock

	accepted   atomic.Int64
	suppressed atomic.Int64
}

// DedupOption configures a Deduplicator.
type DedupOption func(*dedupOptions)

type dedupOptions struct {
	window    time.Duration
	retention time.Duration
	clock     Clock
}

// WithWindow sets the suppression window.
func WithWindow(d time.Duration) DedupOption {
	return func(o *dedupOptions) { o.window = d }
}

// WithRetention sets how long accepted keys are remembered.
func WithRetention(d time.Duration) DedupOption {
	return func(o *dedupOptions) { o.retention = d }
}

// WithClock replaces time.Now.
func WithClock(c Clock) DedupOption {
	return func(o *dedupOptions) { o.clock = c }
}

// NewDeduplicator creates a deduplicator with a 2s window and 5s retention
// unless overridden. Retention is never shorter than the window.
func NewDeduplicator[K comparable](opts ...DedupOption) *Deduplicator[K] {
	o := dedupOptions{
		window:    DefaultDedupWindow,
		retention: DefaultDedupRetention,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.window <= 0 {
		o.window = DefaultDedupWindow
	}
	if o.retention < o.window {
		o.retention = o.window
	}
	return &Deduplicator[K]{
		seen:      make(map[K]time.Time),
		window:    o.window,
		retention: o.retention,
		now:       o.clock,
	}
}

// ShouldProcess reports whether key should be processed, recording it when
// accepted.
func (d *Deduplicator[K]) ShouldProcess(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweep(now)

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		d.suppressed.Add(1)
		return false
	}

	d.seen[key] = now
	d.accepted.Add(1)
	return true
}

// Forget drops key so its next occurrence is accepted. Used when a later
// event supersedes an earlier one, such as presence flipping back.
func (d *Deduplicator[K]) Forget(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// sweep removes entries older than the retention period.
// Must be called with lock held.
func (d *Deduplicator[K]) sweep(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) > d.retention {
			delete(d.seen, k)
		}
	}
}

// Len returns the number of remembered keys.
func (d *Deduplicator[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// DedupStats reports lifetime counters.
type DedupStats struct {
	Accepted   int64 `json:"accepted"`
	Suppressed int64 `json:"suppressed"`
	Tracked    int   `json:"tracked"`
}

// Stats returns lifetime accepted/suppressed counts and the current size.
func (d *Deduplicator[K]) Stats() DedupStats {
	return DedupStats{
		Accepted:   d.accepted.Load(),
		Suppressed: d.suppressed.Load(),
		Tracked:    d.Len(),
	}
}
