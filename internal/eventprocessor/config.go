// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package eventprocessor

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kindred-app/kindred/internal/logging"
)

// NATSConfig configures the NATS tap publisher.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = "nats://127.0.0.1:4222"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NewPublisher selects the tap publisher: NATS when enabled, otherwise an
// in-process GoChannel. A NATS failure falls back to GoChannel with a
// warning.
func NewPublisher(natsEnabled bool, cfg NATSConfig) message.Publisher {
	if natsEnabled {
		pub, err := NewNATSPublisher(cfg)
		if err == nil {
			return pub
		}
		logging.Warn().Err(err).Msg("NATS tap unavailable, using in-process pub/sub")
	}
	return NewGoChannelPubSub()
}
