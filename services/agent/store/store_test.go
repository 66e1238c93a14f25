// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

func descriptor(id string, startedAt int64) datatypes.SessionDescriptor {
	return datatypes.SessionDescriptor{SessionID: id, StartedAt: startedAt}
}

func TestPrependCapped(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		existing := []datatypes.SessionDescriptor{descriptor("b", 2), descriptor("a", 1)}
		got := prependCapped(existing, descriptor("c", 3), 5)

		require.Len(t, got, 3)
		assert.Equal(t, "c", got[0].SessionID)
		assert.Equal(t, "b", got[1].SessionID)
	})

	t.Run("caps the list", func(t *testing.T) {
		var existing []datatypes.SessionDescriptor
		for i := 5; i > 0; i-- {
			existing = append(existing, descriptor(fmt.Sprintf("s%d", i), int64(i)))
		}
		got := prependCapped(existing, descriptor("s6", 6), 5)

		require.Len(t, got, 5)
		assert.Equal(t, "s6", got[0].SessionID)
		assert.Equal(t, "s2", got[4].SessionID, "oldest entry dropped")
	})

	t.Run("re-archived session moves to the head", func(t *testing.T) {
		existing := []datatypes.SessionDescriptor{descriptor("b", 2), descriptor("a", 1)}
		got := prependCapped(existing, descriptor("a", 9), 5)

		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].SessionID)
		assert.EqualValues(t, 9, got[0].StartedAt)
	})

	t.Run("empty list", func(t *testing.T) {
		got := prependCapped(nil, descriptor("a", 1), 5)
		require.Len(t, got, 1)
	})
}

func TestNopStore(t *testing.T) {
	var s NopStore
	err := s.ArchiveSession(context.Background(),
		&datatypes.SessionArchive{SessionID: "s-1"}, nil,
		&datatypes.UserActivity{UserKey: "u"}, &datatypes.SessionDescriptor{SessionID: "s-1"})
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}

type captureArchiver struct {
	calls   int
	records int
}

func (c *captureArchiver) ArchiveSession(ctx context.Context, archive *datatypes.SessionArchive, records []*datatypes.QueryRecord, activity *datatypes.UserActivity, descriptor *datatypes.SessionDescriptor) error {
	c.calls++
	c.records = len(records)
	return nil
}

type captureSink struct {
	written int
	flushed bool
}

func (c *captureSink) WriteQuery(sessionID string, record *datatypes.QueryRecord) { c.written++ }
func (c *captureSink) Flush()                                                     { c.flushed = true }
func (c *captureSink) Close()                                                     {}

func TestTelemetryArchiver_TeesRecordsThenDelegates(t *testing.T) {
	next := &captureArchiver{}
	sink := &captureSink{}
	tee := NewTelemetryArchiver(next, sink)

	records := []*datatypes.QueryRecord{
		datatypes.NewQueryRecord("q1"),
		datatypes.NewQueryRecord("q2"),
	}
	err := tee.ArchiveSession(context.Background(),
		&datatypes.SessionArchive{SessionID: "s-1"}, records,
		&datatypes.UserActivity{UserKey: "u"}, &datatypes.SessionDescriptor{SessionID: "s-1"})

	require.NoError(t, err)
	assert.Equal(t, 2, sink.written)
	assert.True(t, sink.flushed)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 2, next.records)
}

func TestNilInfluxSinkIsSafe(t *testing.T) {
	var sink *InfluxSink
	sink.WriteQuery("s-1", datatypes.NewQueryRecord("q"))
	sink.Flush()
	sink.Close()
}
