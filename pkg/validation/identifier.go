// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that end up
// in cache keys, database queries, or log lines. Using these validators
// prevents injection attacks (SQL injection, key-space pollution, log forging).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxSessionIDLength bounds client-supplied session identifiers. Matches
// the chat request contract.
const MaxSessionIDLength = 128

// sessionIDPattern matches session identifiers the service mints (UUID v4)
// plus the wider charset external integrations send: letters, digits,
// hyphens, underscores.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

// userKeyPattern matches user identifiers and email-style keys used for
// activity rollups.
var userKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+\-]*$`)

// ValidateSessionID validates a client-supplied session identifier.
//
// Valid session ids:
//   - 1-128 characters
//   - Letters, digits, hyphens, underscores
//   - Must start with a letter or digit
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateSessionID(id); err != nil {
//	    return nil, fmt.Errorf("invalid session id: %w", err)
//	}
//	// Safe to use as a cache key
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("session id exceeds %d characters", MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id format: %q (must be alphanumeric with hyphens or underscores)", id)
	}
	return nil
}

// ValidateUserKey validates the user identifier used for activity rollups.
// Accepts opaque ids and email addresses; rejects whitespace, quoting, and
// control characters outright.
func ValidateUserKey(key string) error {
	if key == "" {
		return fmt.Errorf("user key cannot be empty")
	}
	if len(key) > 256 {
		return fmt.Errorf("user key exceeds 256 characters")
	}
	if !userKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid user key format: %q", key)
	}
	return nil
}

// SanitizeSessionID normalizes and validates a session identifier.
// Returns the trimmed id if valid, or an error if invalid.
//
// Use this at the HTTP boundary before the id reaches the cache:
//
//	safeID, err := validation.SanitizeSessionID(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is trimmed and validated
func SanitizeSessionID(id string) (string, error) {
	normalized := strings.TrimSpace(id)
	if err := ValidateSessionID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
