// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package alerts

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func alert(kind Kind, title string) Alert {
	return Alert{Kind: kind, Title: title, Message: title}
}

func titles(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Title
	}
	return out
}

func TestQueue_DefaultTTLs(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	tests := []struct {
		kind Kind
		want time.Duration
	}{
		{KindInfo, 3 * time.Second},
		{KindVisit, 4 * time.Second},
		{KindLike, 5 * time.Second},
		{KindMessage, 5 * time.Second},
		{KindError, 6 * time.Second},
		{KindMatch, 8 * time.Second},
		{Kind("unknown"), 3 * time.Second},
	}
	for _, tt := range tests {
		if got := q.TTL(tt.kind); got != tt.want {
			t.Errorf("TTL(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestQueue_SixthAlertEvictsOldest(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var removed []Change
	q.Subscribe(func(c Change) {
		if c.Type == Removed {
			removed = append(removed, c)
		}
	})

	for i := range 6 {
		q.Push(alert(KindLike, fmt.Sprintf("a%d", i)))
	}

	visible := q.Visible()
	if len(visible) != 5 {
		t.Fatalf("visible = %d, want 5", len(visible))
	}
	if visible[0].Title != "a1" || visible[4].Title != "a5" {
		t.Errorf("visible = %v", titles(visible))
	}
	if len(removed) != 1 || removed[0].Alert.Title != "a0" || removed[0].Reason != ReasonEvicted {
		t.Errorf("removed = %+v", removed)
	}
}

func TestQueue_PushFillsDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(WithClock(func() time.Time { return now }))
	defer q.Close()

	id := q.Push(alert(KindMatch, "It's a match"))
	if id == "" {
		t.Fatal("expected an id")
	}
	a := q.Visible()[0]
	if a.ID != id || a.TTL != 8*time.Second || !a.CreatedAt.Equal(now) {
		t.Errorf("alert = %+v", a)
	}
}

func TestQueue_Expires(t *testing.T) {
	q := NewQueue(WithTTL(KindInfo, 10*time.Millisecond))
	defer q.Close()

	expired := make(chan Change, 1)
	q.Subscribe(func(c Change) {
		if c.Type == Removed {
			expired <- c
		}
	})

	id := q.Push(alert(KindInfo, "saved"))
	select {
	case c := <-expired:
		if c.Alert.ID != id || c.Reason != ReasonExpired {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert did not expire")
	}
	if len(q.Visible()) != 0 {
		t.Error("expired alert still visible")
	}
}

func TestQueue_Dismiss(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	id := q.Push(alert(KindVisit, "visit"))
	q.Push(alert(KindLike, "like"))

	if !q.Dismiss(id) {
		t.Fatal("Dismiss should remove a visible alert")
	}
	if q.Dismiss(id) || q.Dismiss("missing") {
		t.Error("Dismiss of unknown id should be a no-op")
	}
	if got := titles(q.Visible()); len(got) != 1 || got[0] != "like" {
		t.Errorf("visible = %v", got)
	}
}

func TestQueue_DismissedAlertDoesNotExpireLater(t *testing.T) {
	q := NewQueue(WithTTL(KindInfo, 20*time.Millisecond))
	defer q.Close()

	var mu sync.Mutex
	var reasons []string
	q.Subscribe(func(c Change) {
		if c.Type == Removed {
			mu.Lock()
			reasons = append(reasons, c.Reason)
			mu.Unlock()
		}
	})

	id := q.Push(alert(KindInfo, "x"))
	q.Dismiss(id)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonDismissed {
		t.Errorf("removal reasons = %v", reasons)
	}
}

func TestQueue_Unsubscribe(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	calls := 0
	unsubscribe := q.Subscribe(func(Change) { calls++ })
	q.Push(alert(KindInfo, "one"))
	unsubscribe()
	unsubscribe()
	q.Push(alert(KindInfo, "two"))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(WithTTL(KindInfo, 10*time.Millisecond))
	q.Push(alert(KindInfo, "a"))
	q.Close()
	q.Close()

	if len(q.Visible()) != 0 {
		t.Error("Close should empty the queue")
	}
	if id := q.Push(alert(KindInfo, "b")); id != "" {
		t.Error("Push after Close should be ignored")
	}
	time.Sleep(30 * time.Millisecond)
}

func TestQueue_MaxVisibleOption(t *testing.T) {
	q := NewQueue(WithMaxVisible(2))
	defer q.Close()
	for i := range 4 {
		q.Push(alert(KindInfo, fmt.Sprintf("a%d", i)))
	}
	if got := titles(q.Visible()); len(got) != 2 || got[0] != "a2" {
		t.Errorf("visible = %v", got)
	}
}
