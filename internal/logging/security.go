// Kindred - Realtime Interaction Sync Engine
// Copyright 2026 The Kindred Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kindred-app/kindred

package logging

import "strings"

// SanitizeToken masks a session token so only its edges remain visible.
// Tokens of 12 characters or fewer are fully masked.
//
//	"eyJhbGciOiJIUzI1NiJ9.payload.sig" -> "eyJh....sig"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeURL strips the query string from a URL, where the channel
// transport carries the session token.
func SanitizeURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?***"
	}
	return raw
}

// TruncateContent shortens free-form message content before it is logged.
func TruncateContent(s string, maxLen int) string {
	if maxLen <= 3 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
