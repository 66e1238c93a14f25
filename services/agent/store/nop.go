// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// NopStore discards archives. Used when no durable store is configured,
// e.g. local development against only Redis and Weaviate.
type NopStore struct{}

func (NopStore) ArchiveSession(ctx context.Context, archive *datatypes.SessionArchive, records []*datatypes.QueryRecord, activity *datatypes.UserActivity, descriptor *datatypes.SessionDescriptor) error {
	slog.Debug("Durable store disabled, dropping session archive",
		"session_id", archive.SessionID, "records", len(records))
	return nil
}

func (NopStore) Ping(ctx context.Context) error { return nil }

func (NopStore) Close() {}
