// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

// Package alerts implements the bounded queue of short-lived toast alerts.
//
// At most five alerts are visible; pushing a sixth drops the oldest. Each
// alert expires after a TTL chosen by its kind unless dismissed first.
package alerts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kindred-app/kindred/internal/cache"
	"github.com/kindred-app/kindred/internal/metrics"
)

// DefaultMaxVisible is the number of alerts shown at once.
const DefaultMaxVisible = 5

// Kind selects the presentation and lifetime of an alert.
type Kind string

// Alert kinds.
const (
	KindInfo    Kind = "info"
	KindVisit   Kind = "visit"
	KindLike    Kind = "like"
	KindMessage Kind = "message"
	KindError   Kind = "error"
	KindMatch   Kind = "match"
)

// DefaultTTLs maps each kind to its lifetime.
var DefaultTTLs = map[Kind]time.Duration{
	KindInfo:    3 * time.Second,
	KindVisit:   4 * time.Second,
	KindLike:    5 * time.Second,
	KindMessage: 5 * time.Second,
	KindError:   6 * time.Second,
	KindMatch:   8 * time.Second,
}

// Removal reasons.
const (
	ReasonExpired   = "expired"
	ReasonDismissed = "dismissed"
	ReasonEvicted   = "evicted"
)

// Action is an optional call to action attached to an alert.
type Action struct {
	Label string `json:"label"`
	Link  string `json:"link"`
}

// Alert is one toast.
type Alert struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
	Action    *Action       `json:"action,omitempty"`
}

// ChangeType distinguishes queue changes.
type ChangeType int

// Change types.
const (
	Added ChangeType = iota
	Removed
)

// Change describes an alert entering or leaving the queue. Reason is set
// for removals.
type Change struct {
	Type   ChangeType
	Alert  Alert
	Reason string
}

type item struct {
	alert Alert
	timer *time.Timer
}

type subscriber struct {
	fn func(Change)
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxVisible overrides the number of visible alerts.
func WithMaxVisible(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.max = n
		}
	}
}

// WithTTL overrides the lifetime of one kind.
func WithTTL(kind Kind, ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.ttls[kind] = ttl
		}
	}
}

// WithClock sets the clock stamping CreatedAt.
func WithClock(clock cache.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// Queue holds the visible alerts, oldest first. Safe for concurrent use.
type Queue struct {
	max  int
	ttls map[Kind]time.Duration
	now  cache.Clock

	mu     sync.Mutex
	items  *cache.Ring[*item]
	closed bool

	subMu sync.RWMutex
	subs  []*subscriber
}

// NewQueue creates an alert queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		max:  DefaultMaxVisible,
		ttls: make(map[Kind]time.Duration, len(DefaultTTLs)),
		now:  time.Now,
	}
	for k, v := range DefaultTTLs {
		q.ttls[k] = v
	}
	for _, opt := range opts {
		opt(q)
	}
	q.items = cache.NewRing[*item](q.max)
	return q
}

// TTL returns the lifetime of kind. Unknown kinds live as long as info.
func (q *Queue) TTL(kind Kind) time.Duration {
	if ttl, ok := q.ttls[kind]; ok {
		return ttl
	}
	return q.ttls[KindInfo]
}

// Push shows a and returns its id. A missing id, TTL or timestamp is filled
// in. When the queue is full the oldest alert is dropped. Push on a closed
// queue returns an empty id.
func (q *Queue) Push(a Alert) string {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.TTL <= 0 {
		a.TTL = q.TTL(a.Kind)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = q.now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ""
	}
	it := &item{alert: a}
	id := a.ID
	it.timer = time.AfterFunc(a.TTL, func() { q.remove(id, ReasonExpired) })

	evicted, ok := q.items.Push(it)
	if ok {
		evicted.timer.Stop()
	}
	q.observe()
	q.mu.Unlock()

	if ok {
		metrics.RecordAlertRemoved(ReasonEvicted)
		q.publish(Change{Type: Removed, Alert: evicted.alert, Reason: ReasonEvicted})
	}
	q.publish(Change{Type: Added, Alert: a})
	return id
}

// Dismiss removes the alert with id. Unknown ids are ignored.
func (q *Queue) Dismiss(id string) bool {
	return q.remove(id, ReasonDismissed)
}

func (q *Queue) remove(id, reason string) bool {
	q.mu.Lock()
	i := q.items.Index(func(it *item) bool { return it.alert.ID == id })
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	it := q.items.RemoveAt(i)
	it.timer.Stop()
	q.observe()
	q.mu.Unlock()

	metrics.RecordAlertRemoved(reason)
	q.publish(Change{Type: Removed, Alert: it.alert, Reason: reason})
	return true
}

// Visible returns the visible alerts, oldest first.
func (q *Queue) Visible() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Alert, q.items.Len())
	for i := range out {
		out[i] = q.items.At(i).alert
	}
	return out
}

// Subscribe registers fn for queue changes. fn runs outside the queue lock,
// on the goroutine that caused the change.
func (q *Queue) Subscribe(fn func(Change)) (unsubscribe func()) {
	s := &subscriber{fn: fn}

	q.subMu.Lock()
	next := make([]*subscriber, len(q.subs), len(q.subs)+1)
	copy(next, q.subs)
	q.subs = append(next, s)
	q.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.subMu.Lock()
			defer q.subMu.Unlock()
			next := make([]*subscriber, 0, len(q.subs))
			for _, e := range q.subs {
				if e != s {
					next = append(next, e)
				}
			}
			q.subs = next
		})
	}
}

func (q *Queue) publish(c Change) {
	q.subMu.RLock()
	subs := q.subs
	q.subMu.RUnlock()
	for _, s := range subs {
		s.fn(c)
	}
}

// Close stops every timer and empties the queue. Later pushes are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, it := range q.items.Items() {
		it.timer.Stop()
	}
	q.items.Clear()
	q.observe()
}

// observe publishes gauges. Caller holds mu.
func (q *Queue) observe() {
	metrics.AlertsVisible.Set(float64(q.items.Len()))
}
