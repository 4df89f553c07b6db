// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

//go:build !nats

package eventprocessor

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

// NATSAvailable reports whether the binary was built with NATS support.
const NATSAvailable = false

// ErrNATSUnavailable is returned when NATS is requested from a binary built
// without it.
var ErrNATSUnavailable = errors.New("NATS publisher not available: build with -tags=nats")

// NewNATSPublisher returns ErrNATSUnavailable.
// Build with -tags=nats to enable the NATS publisher.
func NewNATSPublisher(NATSConfig) (message.Publisher, error) {
	return nil, ErrNATSUnavailable
}
