// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package storage

import "context"

// LayoutKey is the key holding the serialized chat tab layout.
const LayoutKey = "chat-tabs-layout"

// LayoutStore persists the chat tab layout.
type LayoutStore struct {
	db *DB
}

// NewLayoutStore creates a layout store on db.
func NewLayoutStore(db *DB) *LayoutStore {
	return &LayoutStore{db: db}
}

// LoadLayout returns the saved layout, or nil when none was saved.
func (s *LayoutStore) LoadLayout(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.get(LayoutKey)
}

// SaveLayout replaces the saved layout.
func (s *LayoutStore) SaveLayout(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.set(LayoutKey, data)
}
