// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/kindred-app/kindred/internal/logging"
	"github.com/kindred-app/kindred/internal/metrics"
)

// DefaultMaxAttempts is the number of delivery attempts before an entry is
// dropped.
const DefaultMaxAttempts = 5

const prefixPending = "outbox:pending:"

var (
	// ErrEntryNotFound is returned when an entry is not pending.
	ErrEntryNotFound = errors.New("outbox entry not found")

	// ErrReplayInProgress is returned when a replay is already running.
	ErrReplayInProgress = errors.New("outbox replay already in progress")
)

// Op is the kind of optimistic mutation.
type Op string

// Outbox operations.
const (
	OpMarkRead    Op = "mark-read"
	OpMarkAllRead Op = "mark-all-read"
	OpDelete      Op = "delete"
)

// Entry is one unacknowledged mutation.
type Entry struct {
	ID             string    `json:"id"`
	Op             Op        `json:"op"`
	NotificationID int64     `json:"notification_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Attempts       int       `json:"attempts"`
	LastAttemptAt  time.Time `json:"last_attempt_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Confirmed int
	Failed    int
	Dropped   int
	Skipped   int
}

// Outbox records optimistic mutations until confirmed. Entries are replayed
// in creation order.
type Outbox struct {
	db          *DB
	maxAttempts int
	now         func() time.Time

	// claims holds ids currently being delivered so a replay does not
	// deliver the same entry twice.
	claims sync.Map

	replayMu sync.Mutex
}

// NewOutbox creates an outbox on db. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewOutbox(db *DB, maxAttempts int) *Outbox {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Outbox{db: db, maxAttempts: maxAttempts, now: time.Now}
}

// Add records a pending mutation and returns it. The entry is claimed by
// the caller until Confirm or Fail.
func (o *Outbox) Add(ctx context.Context, op Op, notificationID int64) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	now := o.now().UTC()
	entry := Entry{
		// Sortable prefix keeps replay in creation order.
		ID:             fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.New().String()[:8]),
		Op:             op,
		NotificationID: notificationID,
		CreatedAt:      now,
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal outbox entry: %w", err)
	}
	if err := o.db.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixPending+entry.ID), data)
	}); err != nil {
		return Entry{}, fmt.Errorf("write outbox entry: %w", err)
	}

	o.claims.Store(entry.ID, struct{}{})
	o.observe()
	return entry, nil
}

// Confirm removes an acknowledged entry and releases its claim.
func (o *Outbox) Confirm(ctx context.Context, id string) error {
	defer o.claims.Delete(id)
	if err := ctx.Err(); err != nil {
		return err
	}

	err := o.db.update(func(txn *badger.Txn) error {
		key := []byte(prefixPending + id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}

	metrics.OutboxResults.WithLabelValues("confirmed").Inc()
	o.observe()
	return nil
}

// Fail records a failed delivery attempt and releases the claim. Entries
// that reach the attempt limit are dropped; dropped reports whether that
// happened.
func (o *Outbox) Fail(ctx context.Context, id string, cause error) (dropped bool, err error) {
	defer o.claims.Delete(id)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var entry Entry
	err = o.db.update(func(txn *badger.Txn) error {
		key := []byte(prefixPending + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return fmt.Errorf("unmarshal outbox entry: %w", err)
		}

		entry.Attempts++
		entry.LastAttemptAt = o.now().UTC()
		if cause != nil {
			entry.LastError = cause.Error()
		}
		if entry.Attempts >= o.maxAttempts {
			dropped = true
			return txn.Delete(key)
		}

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshal outbox entry: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return false, err
	}

	if dropped {
		metrics.OutboxResults.WithLabelValues("dropped").Inc()
		logging.Warn().
			Str("entry_id", entry.ID).
			Str("op", string(entry.Op)).
			Int64("notification_id", entry.NotificationID).
			Int("attempts", entry.Attempts).
			Str("last_error", entry.LastError).
			Msg("dropping unacknowledged mutation after max attempts")
	} else {
		metrics.OutboxResults.WithLabelValues("retry").Inc()
	}
	o.observe()
	return dropped, nil
}

// Pending returns all pending entries in creation order.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := o.db.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var entry Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("skipping unreadable outbox entry")
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// Len returns the number of pending entries.
func (o *Outbox) Len(ctx context.Context) int {
	n := 0
	_ = o.db.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n++
		}
		return nil
	})
	return n
}

// Replay delivers every unclaimed pending entry with deliver, confirming
// successes and recording failures. Only one replay runs at a time.
func (o *Outbox) Replay(ctx context.Context, deliver func(context.Context, Entry) error) (ReplayResult, error) {
	var res ReplayResult
	if !o.replayMu.TryLock() {
		return res, ErrReplayInProgress
	}
	defer o.replayMu.Unlock()

	entries, err := o.Pending(ctx)
	if err != nil {
		return res, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, busy := o.claims.LoadOrStore(entry.ID, struct{}{}); busy {
			res.Skipped++
			continue
		}

		if derr := deliver(ctx, entry); derr != nil {
			dropped, ferr := o.Fail(ctx, entry.ID, derr)
			if ferr != nil && !errors.Is(ferr, ErrEntryNotFound) {
				return res, ferr
			}
			if dropped {
				res.Dropped++
			} else {
				res.Failed++
			}
			continue
		}
		if cerr := o.Confirm(ctx, entry.ID); cerr != nil && !errors.Is(cerr, ErrEntryNotFound) {
			return res, cerr
		}
		res.Confirmed++
	}

	if len(entries) > 0 {
		logging.Info().
			Int("confirmed", res.Confirmed).
			Int("failed", res.Failed).
			Int("dropped", res.Dropped).
			Int("skipped", res.Skipped).
			Msg("outbox replay completed")
	}
	return res, nil
}

func (o *Outbox) observe() {
	metrics.OutboxPending.Set(float64(o.Len(context.Background())))
}
