// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

// Package services adapts blocking servers to suture.Service.
//
// The sync engine, the event tap and the outbox replay loop implement
// suture.Service themselves; this package covers components whose
// lifecycle is ListenAndServe/Shutdown.
package services
