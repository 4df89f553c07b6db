// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package models

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidSession is returned for a session without token or user id.
	ErrInvalidSession = errors.New("invalid session")

	// ErrSessionExpired is returned when the session token is a JWT whose
	// exp claim has passed.
	ErrSessionExpired = errors.New("session expired")
)

// Session identifies the signed-in user. The token is opaque to the engine;
// it is only inspected when it happens to be a JWT.
type Session struct {
	Token  string
	UserID int64
}

// ExpiresAt returns the exp claim of a JWT token. Non-JWT tokens and JWTs
// without exp report false. The signature is not verified; the server
// remains authoritative.
func (s Session) ExpiresAt() (time.Time, bool) {
	if strings.Count(s.Token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Validate checks the session can be used to dial at time now.
func (s Session) Validate(now time.Time) error {
	if strings.TrimSpace(s.Token) == "" || s.UserID <= 0 {
		return ErrInvalidSession
	}
	if exp, ok := s.ExpiresAt(); ok && !now.Before(exp) {
		return ErrSessionExpired
	}
	return nil
}
