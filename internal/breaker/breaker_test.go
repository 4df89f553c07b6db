// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kindred-app/kindred/internal/metrics"
)

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New[int](Config{Name: "test-open", ConsecutiveFailures: 3, Timeout: time.Hour}, nil)

	for range 3 {
		if _, err := Execute(cb, func() (int, error) { return 0, errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("err = %v, want boom", err)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	_, err := Execute(cb, func() (int, error) { return 1, nil })
	if !IsRejected(err) {
		t.Errorf("err = %v, want rejection", err)
	}
	if v := testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("test-open")); v != 2 {
		t.Errorf("state gauge = %v, want 2", v)
	}
	if v := testutil.ToFloat64(metrics.CircuitBreakerRequests.WithLabelValues("test-open", "rejected")); v != 1 {
		t.Errorf("rejected = %v, want 1", v)
	}
}

func TestBreaker_IsSuccessfulIgnoresErrors(t *testing.T) {
	errNotFound := errors.New("not found")
	cb := New[int](Config{Name: "test-ignore", ConsecutiveFailures: 1}, func(err error) bool {
		return err == nil || errors.Is(err, errNotFound)
	})

	for range 3 {
		_, _ = Execute(cb, func() (int, error) { return 0, errNotFound })
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state gobreaker.State
		name  string
		value float64
	}{
		{gobreaker.StateClosed, "closed", 0},
		{gobreaker.StateHalfOpen, "half-open", 1},
		{gobreaker.StateOpen, "open", 2},
	}
	for _, tt := range tests {
		if StateString(tt.state) != tt.name || StateValue(tt.state) != tt.value {
			t.Errorf("%v: %s %v", tt.state, StateString(tt.state), StateValue(tt.state))
		}
	}
}
