// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

/*
Package supervisor runs the long-lived services of kindred-sync under a
suture supervisor tree.

Tree Layout:

	kindred (root)
	├── storage-layer
	│   └── outbox-replay
	├── realtime-layer
	│   ├── sync-engine
	│   └── event-tap
	└── api-layer
	    └── http-server (status API)

A service that returns an error or panics is restarted by its layer with
suture's failure backoff. Lifecycle events are logged through sutureslog
using the process zerolog logger.

Usage:

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddRealtimeService(engine)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
	    logging.Error().Err(err).Msg("supervisor stopped")
	}
*/
package supervisor
