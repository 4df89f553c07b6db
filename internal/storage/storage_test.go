// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kindred-app/kindred/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled"})
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// steppingClock returns strictly increasing times.
func steppingClock() func() time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestLayoutStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLayoutStore(openTestDB(t))

	data, err := s.LoadLayout(ctx)
	if err != nil || data != nil {
		t.Fatalf("empty store: %q, %v", data, err)
	}

	if err := s.SaveLayout(ctx, []byte(`[{"peer":{"id":2}}]`)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveLayout(ctx, []byte(`[{"peer":{"id":3}}]`)); err != nil {
		t.Fatal(err)
	}
	data, err = s.LoadLayout(ctx)
	if err != nil || string(data) != `[{"peer":{"id":3}}]` {
		t.Errorf("LoadLayout() = %q, %v", data, err)
	}
}

func TestDB_ClosedOperations(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	s := NewLayoutStore(db)
	if _, err := s.LoadLayout(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadLayout on closed db = %v, want ErrClosed", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected an error without a path")
	}
}

func TestOpen_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(Config{Path: dir, SyncWrites: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := NewLayoutStore(db).SaveLayout(ctx, []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(Config{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	data, err := NewLayoutStore(db).LoadLayout(ctx)
	if err != nil || string(data) != `[]` {
		t.Errorf("layout after reopen = %q, %v", data, err)
	}
}

func newTestOutbox(t *testing.T, maxAttempts int) *Outbox {
	t.Helper()
	o := NewOutbox(openTestDB(t), maxAttempts)
	o.now = steppingClock()
	return o
}

func TestOutbox_AddConfirm(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t, 5)

	e, err := o.Add(ctx, OpMarkRead, 42)
	if err != nil {
		t.Fatal(err)
	}
	if o.Len(ctx) != 1 {
		t.Fatalf("Len() = %d, want 1", o.Len(ctx))
	}
	if err := o.Confirm(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	if o.Len(ctx) != 0 {
		t.Errorf("Len() = %d after confirm", o.Len(ctx))
	}
	if err := o.Confirm(ctx, e.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("second Confirm = %v, want ErrEntryNotFound", err)
	}
}

func TestOutbox_PendingInCreationOrder(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t, 5)

	ops := []Op{OpMarkRead, OpDelete, OpMarkAllRead}
	for i, op := range ops {
		if _, err := o.Add(ctx, op, int64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := o.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i, op := range ops {
		if pending[i].Op != op || pending[i].NotificationID != int64(i+1) {
			t.Errorf("pending[%d] = %+v", i, pending[i])
		}
	}
}

func TestOutbox_FailDropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t, 3)

	e, _ := o.Add(ctx, OpDelete, 7)
	for attempt := 1; attempt <= 3; attempt++ {
		dropped, err := o.Fail(ctx, e.ID, errors.New("503"))
		if err != nil {
			t.Fatal(err)
		}
		if want := attempt == 3; dropped != want {
			t.Fatalf("attempt %d dropped = %v, want %v", attempt, dropped, want)
		}
		if attempt < 3 {
			pending, _ := o.Pending(ctx)
			if pending[0].Attempts != attempt || pending[0].LastError != "503" {
				t.Errorf("entry after attempt %d = %+v", attempt, pending[0])
			}
		}
	}
	if o.Len(ctx) != 0 {
		t.Error("dropped entry should be removed")
	}
}

func TestOutbox_ReplaySkipsClaimedEntries(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t, 5)

	inFlight, _ := o.Add(ctx, OpMarkRead, 1)
	other, _ := o.Add(ctx, OpMarkRead, 2)
	// Release the claim of the second entry as a failed first attempt.
	if _, err := o.Fail(ctx, other.ID, errors.New("timeout")); err != nil {
		t.Fatal(err)
	}

	var delivered []int64
	res, err := o.Replay(ctx, func(_ context.Context, e Entry) error {
		delivered = append(delivered, e.NotificationID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Confirmed != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(delivered) != 1 || delivered[0] != 2 {
		t.Errorf("delivered = %v, want [2]", delivered)
	}

	// Once the in-flight attempt fails, replay picks it up.
	if _, err := o.Fail(ctx, inFlight.ID, errors.New("timeout")); err != nil {
		t.Fatal(err)
	}
	res, _ = o.Replay(ctx, func(context.Context, Entry) error { return nil })
	if res.Confirmed != 1 {
		t.Errorf("second replay = %+v", res)
	}
	if o.Len(ctx) != 0 {
		t.Error("outbox should be empty")
	}
}

func TestOutbox_ReplayRecordsFailures(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t, 2)

	e, _ := o.Add(ctx, OpMarkAllRead, 0)
	_, _ = o.Fail(ctx, e.ID, errors.New("first"))

	res, err := o.Replay(ctx, func(context.Context, Entry) error { return errors.New("still down") })
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 1 {
		t.Errorf("result = %+v, want one dropped", res)
	}
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewOutbox(db, 5).Add(ctx, OpMarkRead, 9); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = Open(Config{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	o := NewOutbox(db, 5)
	res, err := o.Replay(ctx, func(_ context.Context, e Entry) error {
		if e.NotificationID != 9 {
			t.Errorf("replayed %+v", e)
		}
		return nil
	})
	if err != nil || res.Confirmed != 1 {
		t.Errorf("replay after reopen = %+v, %v", res, err)
	}
}
