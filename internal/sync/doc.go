// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package sync composes the realtime channel, the notification store, the
conversation registry, chat tabs and alerts into one session-scoped engine.

Key Components:

  - Engine: routes inbound channel events into the stores and exposes the
    user's local actions (open chat, send message, mark read)
  - HTTPClient: REST client for notification and conversation endpoints
  - CircuitBreakerClient: fails REST calls fast while the API is down
  - OutboxService: periodic replay of unacknowledged notification updates

Event Flow:

 1. Decode: the channel delivers raw frames; malformed payloads are dropped
    with a warning and counted
 2. Deduplicate: fingerprinted events pass through a short-window
    deduplicator so a like pushed both as new-like and as a notification
    alerts once
 3. Apply: the payload updates the notification store, conversation
    registry or chat tabs, and may raise an alert
 4. Tap: accepted events are queued to the Watermill event tap

Optimistic Updates:

Mark-read, mark-all-read and delete update local state immediately. Each is
written to the badger outbox before its REST call and removed on success.
Pending entries are replayed on reconnect and by OutboxService, and dropped
after the configured number of attempts. Local state is never rolled back.

Reconciliation:

Notification pages and conversation snapshots are fetched with a sequence
token taken before the request. A result whose token was superseded by a
newer fetch is discarded, so a slow response cannot overwrite fresher state.

Usage Example:

	engine, err := sync.NewEngine(sync.Deps{
	    Channel: manager,
	    API:     sync.NewCircuitBreakerClient(client, sync.CircuitBreakerConfig{}),
	    Outbox:  outbox,
	}, sync.Config{Session: session})
	if err != nil {
	    return err
	}
	if err := engine.Start(ctx); err != nil {
	    return err
	}
	defer engine.Stop()

Thread Safety:

All exported Engine methods are safe for concurrent use. Inbound events are
applied on the channel's read goroutine; REST acknowledgements and snapshot
refreshes run on background goroutines scoped to the engine's lifetime.
*/
package sync
