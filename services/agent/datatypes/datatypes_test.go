// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatRequest
		wantErr bool
	}{
		{"minimal valid", ChatRequest{Message: "how do I upload photos"}, false},
		{"with session id", ChatRequest{Message: "hi", SessionID: "s-1"}, false},
		{"empty message", ChatRequest{SessionID: "s-1"}, true},
		{"message at the byte cap", ChatRequest{Message: strings.Repeat("a", MaxMessageContentBytes)}, false},
		{"message over the byte cap", ChatRequest{Message: strings.Repeat("a", MaxMessageContentBytes+1)}, true},
		{"session id over length", ChatRequest{Message: "hi", SessionID: strings.Repeat("s", MaxSessionIDLength+1)}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMaxBytesIsBytesNotRunes(t *testing.T) {
	// 3-byte runes: rune count stays under the cap, byte count does not.
	msg := strings.Repeat("€", MaxMessageContentBytes/3+1)
	req := ChatRequest{Message: msg}
	assert.Error(t, req.Validate())
}

func TestSourceClean(t *testing.T) {
	s := Source{Title: "Upload Photos Guide", EntryType: EntryTypeHowTo,
		Confidence: 0.85, ChunkID: "upload-a", Similarity: 0.91}
	clean := s.Clean()

	assert.Equal(t, s.Title, clean.Title)
	assert.Equal(t, s.Confidence, clean.Confidence)
	assert.Empty(t, clean.ChunkID)
	assert.Zero(t, clean.Similarity)
}

func TestStageTimingsSum(t *testing.T) {
	s := StageTimings{ClassifyMs: 1, IntelMs: 2, EmbedMs: 3, SearchMs: 4,
		RerankMs: 5, GenerateMs: 6, EscalateMs: 7, CommitMs: 8}
	assert.EqualValues(t, 36, s.Sum())
	assert.Zero(t, StageTimings{}.Sum())
}

func TestNewChatResponseSerializesEmptySources(t *testing.T) {
	resp := NewChatResponse("s-1")
	require.NotNil(t, resp.Sources)
	require.NotZero(t, resp.Timestamp)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"sources":[]`)
}

func TestResponseViews(t *testing.T) {
	resp := NewChatResponse("s-1")
	resp.Response = "answer"
	resp.Confidence = 0.85
	resp.QueryType = "howto"
	resp.Routing = RoutingFullRAG
	resp.Sources = []Source{{Title: "Guide", ChunkID: "c-1", Similarity: 0.9}}
	resp.DebugMetrics = &DebugMetrics{TotalMs: 10}

	t.Run("support view", func(t *testing.T) {
		view := resp.SupportView()
		require.Len(t, view.Sources, 1)
		assert.Empty(t, view.Sources[0].ChunkID)
		assert.Equal(t, 0.85, view.Confidence)

		raw, err := json.Marshal(view)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "routing")
		assert.NotContains(t, string(raw), "debug_metrics")
	})

	t.Run("customer view", func(t *testing.T) {
		raw, err := json.Marshal(resp.CustomerView())
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "sources")
		assert.NotContains(t, string(raw), "confidence")
		assert.Contains(t, string(raw), "requires_escalation")
	})
}

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"pipeline error", NewPipelineError(KindEmptyRetrieval, "search", nil), KindEmptyRetrieval},
		{"wrapped pipeline error", errorsJoin(NewPipelineError(KindTransientUpstream, "embed", errors.New("x"))), KindTransientUpstream},
		{"bare cancellation", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTransientUpstream},
		{"anything else", errors.New("boom"), KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Kind(tc.err))
		})
	}
}

func errorsJoin(err error) error {
	return &wrapErr{err}
}

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewPipelineError(KindTransientUpstream, "search", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "search")
	assert.Contains(t, err.Error(), "transient_upstream")
	assert.True(t, IsTransientUpstream(err))
	assert.False(t, IsCancelled(err))
}

func TestKBChunkIdentityAndSource(t *testing.T) {
	c := KBChunk{ChunkID: "c-1", ParentID: "p-1", Title: "Guide",
		EntryType: EntryTypeHowTo, Similarity: 0.9, Score: 0.95}

	assert.Equal(t, "c-1", c.ID())
	c.ChunkID = ""
	assert.Equal(t, "p-1", c.ID(), "falls back to the parent id")

	src := KBChunk{ChunkID: "c-2", Title: "Guide", EntryType: EntryTypeHowTo,
		Similarity: 0.9, Score: 0.95}.AsSource()
	assert.Equal(t, 0.95, src.Confidence, "citation confidence is the reranked score")
	assert.Equal(t, 0.9, src.Similarity)
}
