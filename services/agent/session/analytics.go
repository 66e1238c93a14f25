// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// AnalyticsBuffer accumulates per-query telemetry in memory per session.
// Records are drained once, at session end, for the batch write to the
// durable store.
//
// # Thread Safety
//
// AnalyticsBuffer is safe for concurrent use.
type AnalyticsBuffer struct {
	mu      sync.Mutex
	records map[string][]*datatypes.QueryRecord
}

// NewAnalyticsBuffer creates an empty buffer.
func NewAnalyticsBuffer() *AnalyticsBuffer {
	return &AnalyticsBuffer{records: make(map[string][]*datatypes.QueryRecord)}
}

// Push appends one query record, stamping its position within the session.
func (b *AnalyticsBuffer) Push(sessionID string, record *datatypes.QueryRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record.Position = len(b.records[sessionID]) + 1
	b.records[sessionID] = append(b.records[sessionID], record)
}

// Count returns how many records a session has buffered.
func (b *AnalyticsBuffer) Count(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records[sessionID])
}

// Drain removes and returns a session's records.
func (b *AnalyticsBuffer) Drain(sessionID string) []*datatypes.QueryRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.records[sessionID]
	delete(b.records, sessionID)
	return records
}
