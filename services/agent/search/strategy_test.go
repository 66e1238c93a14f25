// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HarborDesk/services/agent/classify"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// fakeEmbedder counts calls and returns a fixed vector.
type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeSearcher replays scripted responses per filter.
type fakeSearcher struct {
	calls   []Filter
	respond func(filter Filter) ([]datatypes.KBChunk, error)
}

func (f *fakeSearcher) Search(ctx context.Context, vector []float32, filter Filter, k int, threshold float64) ([]datatypes.KBChunk, error) {
	f.calls = append(f.calls, filter)
	return f.respond(filter)
}

func chunkWith(id string, entryType string, sim float64) datatypes.KBChunk {
	return datatypes.KBChunk{
		ChunkID:    id,
		ParentID:   "parent-" + id,
		Title:      "Doc " + id,
		EntryType:  entryType,
		Content:    "content " + id,
		Similarity: sim,
		Score:      sim,
	}
}

func TestStrategy_PrimaryHitStopsChain(t *testing.T) {
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		return []datatypes.KBChunk{chunkWith("a", datatypes.EntryTypeHowTo, 0.9)}, nil
	}}
	embedder := &fakeEmbedder{}
	s := NewStrategy(embedder, searcher, StrategyConfig{}, nil)

	result, err := s.Execute(context.Background(), Request{
		Query: "how do I upload photos",
		Tag:   classify.TagHowTo,
	})
	require.NoError(t, err)

	assert.Len(t, result.Hits, 1)
	assert.Len(t, result.Attempts, 1)
	assert.Equal(t, datatypes.SearchStagePrimary, result.Attempts[0].Stage)
	assert.Equal(t, datatypes.EntryTypeHowTo, searcher.calls[0].EntryType)
	assert.Equal(t, 1, embedder.calls, "embedding must be computed exactly once")
}

func TestStrategy_FallsBackWithoutEntryType(t *testing.T) {
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		if filter.EntryType != "" {
			return nil, nil
		}
		return []datatypes.KBChunk{chunkWith("b", datatypes.EntryTypeWorkflow, 0.8)}, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{}, nil)

	result, err := s.Execute(context.Background(), Request{
		Query: "what is the workflow for renewals",
		Tag:   classify.TagWorkflow,
	})
	require.NoError(t, err)

	require.Len(t, result.Attempts, 2)
	assert.Equal(t, datatypes.SearchStagePrimary, result.Attempts[0].Stage)
	assert.Equal(t, datatypes.SearchStageNoFilter, result.Attempts[1].Stage)
	assert.Len(t, result.Hits, 1)
}

func TestStrategy_HowToCrossesToError(t *testing.T) {
	var stages []Filter
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		stages = append(stages, filter)
		if filter.EntryType == datatypes.EntryTypeError {
			return []datatypes.KBChunk{chunkWith("c", datatypes.EntryTypeError, 0.75)}, nil
		}
		return nil, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{}, nil)

	result, err := s.Execute(context.Background(), Request{
		Query: "how do I recover a deleted listing",
		Tag:   classify.TagHowTo,
	})
	require.NoError(t, err)

	require.Len(t, result.Attempts, 3)
	assert.Equal(t, datatypes.SearchStageHowToToError, result.Attempts[2].Stage)
	assert.Len(t, result.Hits, 1)
}

func TestStrategy_DefinitionWithErrorKeywordCrosses(t *testing.T) {
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		if filter.EntryType == datatypes.EntryTypeError {
			return []datatypes.KBChunk{chunkWith("d", datatypes.EntryTypeError, 0.7)}, nil
		}
		return nil, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{}, nil)

	result, err := s.Execute(context.Background(), Request{
		Query: "define the E-401 error code",
		Tag:   classify.TagDefinition,
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Attempts)
	assert.Equal(t, datatypes.SearchStageDefinitionError, result.Attempts[len(result.Attempts)-1].Stage)
	assert.Len(t, result.Hits, 1)
}

func TestStrategy_AllAttemptsEmpty(t *testing.T) {
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		return nil, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{}, nil)

	result, err := s.Execute(context.Background(), Request{
		Query: "how do I schedule a moon landing",
		Tag:   classify.TagHowTo,
	})
	require.NoError(t, err)

	assert.Empty(t, result.Hits)
	// primary, no-filter, howto-to-error
	assert.Len(t, result.Attempts, 3)
}

func TestStrategy_SearchErrorTreatedAsEmpty(t *testing.T) {
	call := 0
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		call++
		if call == 1 {
			return nil, errors.New("weaviate unavailable")
		}
		return []datatypes.KBChunk{chunkWith("e", "", 0.9)}, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{}, nil)

	result, err := s.Execute(context.Background(), Request{
		Query: "how do I upload photos",
		Tag:   classify.TagHowTo,
	})
	require.NoError(t, err)
	assert.Len(t, result.Hits, 1, "fallback attempt should still run after a search error")
}

func TestStrategy_EmbeddingFailureFailsQuery(t *testing.T) {
	s := NewStrategy(&fakeEmbedder{err: errors.New("embedding service down")}, &fakeSearcher{}, StrategyConfig{}, nil)

	_, err := s.Execute(context.Background(), Request{Query: "anything", Tag: classify.TagGeneral})
	require.Error(t, err)
	assert.True(t, datatypes.IsTransientUpstream(err))
}

func TestStrategy_FloorAndCap(t *testing.T) {
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		return []datatypes.KBChunk{
			chunkWith("1", "", 0.95),
			chunkWith("2", "", 0.80),
			chunkWith("3", "", 0.72),
			chunkWith("4", "", 0.61),
			chunkWith("5", "", 0.30), // below floor
		}, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{MaxResults: 3, Threshold: 0.5}, nil)

	result, err := s.Execute(context.Background(), Request{Query: "q", Tag: classify.TagGeneral})
	require.NoError(t, err)

	require.Len(t, result.Hits, 3)
	for _, h := range result.Hits {
		assert.GreaterOrEqual(t, h.Similarity, 0.5)
	}
	assert.Equal(t, "1", result.Hits[0].ChunkID)
	assert.Equal(t, 5, result.Attempts[0].Returned)
	assert.Equal(t, 3, result.Attempts[0].Kept)
}

func TestStrategy_GeneralTagHasNoEntryTypeFilter(t *testing.T) {
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		return nil, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{}, nil)

	_, err := s.Execute(context.Background(), Request{Query: "tenants in building 4", Tag: classify.TagGeneral})
	require.NoError(t, err)

	// No tag filter applied, so there is no widened retry either.
	require.Len(t, searcher.calls, 1)
	assert.Empty(t, searcher.calls[0].EntryType)
}

func TestStrategy_TargetedCarriesParentTitle(t *testing.T) {
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		return []datatypes.KBChunk{chunkWith("t", datatypes.EntryTypeHowTo, 0.85)}, nil
	}}
	s := NewStrategy(&fakeEmbedder{}, searcher, StrategyConfig{}, nil)

	_, err := s.Execute(context.Background(), Request{
		Query:       "what about step two",
		Tag:         classify.TagHowTo,
		ParentTitle: "Upload Photos Guide",
		UserClass:   datatypes.UserClassExternal,
	})
	require.NoError(t, err)

	assert.Equal(t, "Upload Photos Guide", searcher.calls[0].ParentTitle)
	assert.Equal(t, datatypes.UserClassExternal, searcher.calls[0].UserClass)
}

func TestStrategy_BoundsEmbedAndSearchCalls(t *testing.T) {
	var embedHadDeadline, searchHadDeadline bool
	searcher := &fakeSearcher{respond: func(filter Filter) ([]datatypes.KBChunk, error) {
		return []datatypes.KBChunk{chunkWith("a", datatypes.EntryTypeHowTo, 0.9)}, nil
	}}
	embedder := &fakeEmbedder{}
	s := NewStrategy(&deadlineEmbedder{inner: embedder, saw: &embedHadDeadline},
		&deadlineSearcher{inner: searcher, saw: &searchHadDeadline}, StrategyConfig{}, nil)

	// The caller sets no deadline of its own.
	_, err := s.Execute(context.Background(), Request{
		Query: "how do I upload photos",
		Tag:   classify.TagHowTo,
	})
	require.NoError(t, err)
	assert.True(t, embedHadDeadline, "embed call runs under its own deadline")
	assert.True(t, searchHadDeadline, "each search attempt runs under its own deadline")
}

type deadlineEmbedder struct {
	inner *fakeEmbedder
	saw   *bool
}

func (d *deadlineEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	_, *d.saw = ctx.Deadline()
	return d.inner.Embed(ctx, text)
}

type deadlineSearcher struct {
	inner *fakeSearcher
	saw   *bool
}

func (d *deadlineSearcher) Search(ctx context.Context, vector []float32, filter Filter, k int, threshold float64) ([]datatypes.KBChunk, error) {
	_, *d.saw = ctx.Deadline()
	return d.inner.Search(ctx, vector, filter, k, threshold)
}
