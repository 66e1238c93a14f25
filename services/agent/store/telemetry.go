// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// Archiver mirrors the session manager's archive port so the tee can wrap
// any durable store.
type Archiver interface {
	ArchiveSession(ctx context.Context, archive *datatypes.SessionArchive,
		records []*datatypes.QueryRecord, activity *datatypes.UserActivity,
		descriptor *datatypes.SessionDescriptor) error
}

// TelemetryArchiver tees a session's query records into the telemetry sink
// at archive time, then delegates to the durable store. The sink write is
// fire-and-forget; only the durable write decides success.
type TelemetryArchiver struct {
	next Archiver
	sink TelemetrySink
}

// NewTelemetryArchiver wraps next with telemetry emission.
func NewTelemetryArchiver(next Archiver, sink TelemetrySink) *TelemetryArchiver {
	return &TelemetryArchiver{next: next, sink: sink}
}

func (t *TelemetryArchiver) ArchiveSession(ctx context.Context, archive *datatypes.SessionArchive,
	records []*datatypes.QueryRecord, activity *datatypes.UserActivity,
	descriptor *datatypes.SessionDescriptor) error {

	if t.sink != nil {
		for _, record := range records {
			t.sink.WriteQuery(archive.SessionID, record)
		}
		t.sink.Flush()
	}
	return t.next.ArchiveSession(ctx, archive, records, activity, descriptor)
}
