// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package api serves the local status HTTP API of kindred-sync.

Routes:

	GET /health    liveness plus realtime channel state
	GET /v1/state  full engine snapshot (counts, tabs, alerts, outbox)
	GET /metrics   Prometheus exposition

The API is read-only and intended for a loopback listener. Every request
gets a request ID and a correlation ID, is rate limited per client IP with
go-chi/httprate, and is counted in kindred_status_requests_total.

Responses use a common envelope:

	{
	  "status": "success",
	  "data": {...},
	  "metadata": {"timestamp": "2026-01-01T00:00:00Z", "request_id": "..."}
	}
*/
package api
