// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("fetch_notifications", "error"))

	RecordAPIRequest("fetch_notifications", 25*time.Millisecond, errors.New("boom"))
	RecordAPIRequest("fetch_notifications", 10*time.Millisecond, nil)

	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("fetch_notifications", "error"))
	if after-before != 1 {
		t.Errorf("expected one error recorded, got %v", after-before)
	}
}

func TestRecordEvent(t *testing.T) {
	acc := testutil.ToFloat64(EventsAccepted.WithLabelValues("new-like"))
	sup := testutil.ToFloat64(EventsSuppressed.WithLabelValues("new-like"))

	RecordEvent("new-like", true)
	RecordEvent("new-like", false)
	RecordEvent("new-like", false)

	if got := testutil.ToFloat64(EventsAccepted.WithLabelValues("new-like")) - acc; got != 1 {
		t.Errorf("accepted delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(EventsSuppressed.WithLabelValues("new-like")) - sup; got != 2 {
		t.Errorf("suppressed delta = %v, want 2", got)
	}
}

func TestRecordConnect(t *testing.T) {
	before := testutil.ToFloat64(ChannelConnects.WithLabelValues("reconnect"))
	RecordConnect(true)
	if got := testutil.ToFloat64(ChannelConnects.WithLabelValues("reconnect")) - before; got != 1 {
		t.Errorf("reconnect delta = %v, want 1", got)
	}
}

func TestRecordAlertRemoved(t *testing.T) {
	before := testutil.ToFloat64(AlertsRemoved.WithLabelValues("overflow"))
	RecordAlertRemoved("overflow")
	if got := testutil.ToFloat64(AlertsRemoved.WithLabelValues("overflow")) - before; got != 1 {
		t.Errorf("overflow delta = %v, want 1", got)
	}
}
