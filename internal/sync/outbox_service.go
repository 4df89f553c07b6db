// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package sync

import (
	"context"
	"time"

	"github.com/kindred-app/kindred/internal/channel"
	"github.com/kindred-app/kindred/internal/logging"
)

// DefaultRetryInterval is the period between outbox replays.
const DefaultRetryInterval = 30 * time.Second

// OutboxService periodically replays unacknowledged notification updates
// while the channel is connected. It implements suture.Service.
type OutboxService struct {
	engine   *Engine
	interval time.Duration
}

// NewOutboxService creates a replay service for engine.
func NewOutboxService(engine *Engine, interval time.Duration) *OutboxService {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &OutboxService{engine: engine, interval: interval}
}

// Serve replays the outbox every interval until ctx is canceled.
func (s *OutboxService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.engine.channel.State() != channel.StateConnected {
				continue
			}
			res, err := s.engine.ReplayOutbox(ctx)
			if err != nil {
				logging.Debug().Err(err).Msg("periodic outbox replay skipped")
				continue
			}
			if res.Failed+res.Dropped > 0 {
				logging.Warn().
					Int("failed", res.Failed).
					Int("dropped", res.Dropped).
					Msg("outbox replay left entries unacknowledged")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *OutboxService) String() string { return "outbox-replay" }
