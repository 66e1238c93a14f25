// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory is the conversation cache: the last-K turns and rolling
// summary per session, held in Redis with a local embedded fallback when
// Redis degrades.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// DefaultTTL is how long cached conversation state lives without activity.
const DefaultTTL = 7200 * time.Second

// DefaultMaxTurns is how many recent turns the cache retains per session.
const DefaultMaxTurns = 8

// ConversationCache is the per-session short-term memory port.
//
// # Description
//
// AppendTurn pushes a turn and trims the list to maxTurns, refreshing the
// TTL. RecentTurns returns up to n turns in chronological order. Summary
// returns nil without error when no summary exists yet. Clear removes all
// state for a session.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ConversationCache interface {
	AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn, maxTurns int) error
	RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.Turn, error)
	StoreSummary(ctx context.Context, sessionID string, summary datatypes.ConversationSummary) error
	Summary(ctx context.Context, sessionID string) (*datatypes.ConversationSummary, error)
	Clear(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

// turnsKey is the per-session recent-turns list.
func turnsKey(sessionID string) string {
	return fmt.Sprintf("context:%s", sessionID)
}

// summaryKey is the per-session rolling summary blob.
func summaryKey(sessionID string) string {
	return fmt.Sprintf("session:%s:summary", sessionID)
}
