// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/HarborDesk/services/agent/classify"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

// Strategy defaults.
const (
	// DefaultMaxResults is the top-K cap applied after threshold filtering.
	DefaultMaxResults = 3

	// DefaultThreshold is the similarity floor; hits below it are dropped
	// before the cap.
	DefaultThreshold = 0.5

	// searchOverfetch is how many extra candidates each attempt requests
	// so the reranker has material beyond the final cap.
	searchOverfetch = 7

	// Per-call deadlines. Expiry fails the one call (transient upstream
	// for the embed, an empty attempt for a search) rather than the
	// request.
	embedTimeout  = 10 * time.Second
	searchTimeout = 15 * time.Second
)

// StrategyConfig tunes the fallback search.
type StrategyConfig struct {
	// MaxResults caps the hits returned to the caller. Default 3.
	MaxResults int

	// Threshold is the similarity floor. Default 0.5.
	Threshold float64
}

// EnsureDefaults fills unset fields.
func (c *StrategyConfig) EnsureDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
}

// Strategy runs the progressive-fallback search over the chunk index.
//
// # Description
//
// The primary attempt filters by the entry type matching the classifier
// tag; when it returns nothing the strategy widens: drop the entry-type
// filter, then cross to the error type for howto queries, then cross to
// the error type for definition queries that mention "error". The query
// is embedded exactly once and every attempt reuses the vector.
//
// # Thread Safety
//
// Strategy is safe for concurrent use.
type Strategy struct {
	embedder llm.Embedder
	searcher VectorSearcher
	config   StrategyConfig

	// onEmbed receives the embedded text for cost metering. May be nil.
	onEmbed func(sessionID, text string)
}

// NewStrategy creates a Strategy. onEmbed may be nil when cost metering is
// not wanted (tests).
func NewStrategy(embedder llm.Embedder, searcher VectorSearcher, config StrategyConfig, onEmbed func(sessionID, text string)) *Strategy {
	config.EnsureDefaults()
	return &Strategy{
		embedder: embedder,
		searcher: searcher,
		config:   config,
		onEmbed:  onEmbed,
	}
}

// Request is one retrieval job.
type Request struct {
	// Query is the enhanced query text to embed and search.
	Query string

	// SessionID attributes embedding cost. May be empty.
	SessionID string

	// Tag is the classifier tag steering the entry-type filter.
	Tag string

	// UserClass constrains results to one audience. Empty sees all.
	UserClass string

	// ParentTitle constrains results to one parent document (targeted
	// re-search). Empty for full retrieval.
	ParentTitle string
}

// Execute runs the fallback chain.
//
// # Description
//
// Embeds the query once, then walks the attempt chain until one attempt
// yields hits or the chain is exhausted. Individual search failures are
// treated as empty results and logged; only embedding failure fails the
// whole call, classified transient upstream. The similarity floor is
// applied before the top-K cap.
//
// # Outputs
//
//   - *datatypes.RetrievalResult: Hits, the attempt log, and the cached
//     embedding. Never nil on nil error; Hits may be empty.
//   - error: Non-nil only on embedding failure or context cancellation.
func (s *Strategy) Execute(ctx context.Context, req Request) (*datatypes.RetrievalResult, error) {
	ctx, span := tracer.Start(ctx, "Strategy.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("search.tag", req.Tag),
		attribute.String("search.user_class", req.UserClass),
	)

	embedStart := time.Now()
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	vector, err := s.embedder.Embed(embedCtx, req.Query)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.NewPipelineError(datatypes.KindTransientUpstream, "embedding",
			fmt.Errorf("failed to embed query: %w", err))
	}
	embedMs := time.Since(embedStart).Milliseconds()
	if s.onEmbed != nil {
		s.onEmbed(req.SessionID, req.Query)
	}

	result := &datatypes.RetrievalResult{
		Vector:  vector,
		EmbedMs: embedMs,
	}

	searchStart := time.Now()
	for _, attempt := range s.plan(req) {
		if err := ctx.Err(); err != nil {
			return nil, datatypes.NewPipelineError(datatypes.KindCancelled, "search", err)
		}

		hits := s.runAttempt(ctx, vector, attempt, result)
		if len(hits) > 0 {
			result.Hits = hits
			break
		}
	}
	result.SearchMs = time.Since(searchStart).Milliseconds()

	span.SetAttributes(
		attribute.Int("search.attempts", len(result.Attempts)),
		attribute.Int("search.hits", len(result.Hits)),
	)
	return result, nil
}

// plannedAttempt is one stage of the fallback chain.
type plannedAttempt struct {
	stage  string
	filter Filter
}

// plan builds the fallback chain for a request. Later stages only run if
// the earlier ones return nothing.
func (s *Strategy) plan(req Request) []plannedAttempt {
	primary := Filter{
		EntryType:   tagToEntryType(req.Tag),
		UserClass:   req.UserClass,
		ParentTitle: req.ParentTitle,
	}

	attempts := []plannedAttempt{{stage: datatypes.SearchStagePrimary, filter: primary}}

	// Zero hits with a tag filter applied: widen by dropping it.
	if primary.EntryType != "" {
		widened := primary
		widened.EntryType = ""
		attempts = append(attempts, plannedAttempt{stage: datatypes.SearchStageNoFilter, filter: widened})
	}

	// How-to questions about failures often live in error entries.
	if req.Tag == classify.TagHowTo {
		crossed := primary
		crossed.EntryType = datatypes.EntryTypeError
		attempts = append(attempts, plannedAttempt{stage: datatypes.SearchStageHowToToError, filter: crossed})
	}

	// Definition questions that mention "error" cross the same way.
	if req.Tag == classify.TagDefinition && strings.Contains(strings.ToLower(req.Query), "error") {
		crossed := primary
		crossed.EntryType = datatypes.EntryTypeError
		attempts = append(attempts, plannedAttempt{stage: datatypes.SearchStageDefinitionError, filter: crossed})
	}

	return attempts
}

// runAttempt executes one search stage, records it in the attempt log,
// and returns the kept hits (floored, capped). Search failures come back
// as empty so the chain keeps walking.
func (s *Strategy) runAttempt(ctx context.Context, vector []float32, attempt plannedAttempt, result *datatypes.RetrievalResult) []datatypes.KBChunk {
	start := time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	hits, err := s.searcher.Search(searchCtx, vector, attempt.filter, s.config.MaxResults+searchOverfetch, s.config.Threshold)
	cancel()
	if err != nil {
		slog.Warn("Search attempt failed, treating as empty",
			"stage", attempt.stage, "error", err)
		hits = nil
	}

	kept := s.applyFloorAndCap(hits)

	result.Attempts = append(result.Attempts, datatypes.SearchAttempt{
		Stage:       attempt.stage,
		EntryType:   attempt.filter.EntryType,
		UserClass:   attempt.filter.UserClass,
		ParentTitle: attempt.filter.ParentTitle,
		Threshold:   s.config.Threshold,
		Returned:    len(hits),
		Kept:        len(kept),
		DurationMs:  time.Since(start).Milliseconds(),
	})
	return kept
}

// applyFloorAndCap drops hits below the similarity floor, then caps the
// remainder. Hits arrive ordered by similarity, so the cap keeps the best.
func (s *Strategy) applyFloorAndCap(hits []datatypes.KBChunk) []datatypes.KBChunk {
	kept := make([]datatypes.KBChunk, 0, len(hits))
	for _, h := range hits {
		if h.Similarity >= s.config.Threshold {
			kept = append(kept, h)
		}
	}
	if len(kept) > s.config.MaxResults {
		kept = kept[:s.config.MaxResults]
	}
	return kept
}

// tagToEntryType maps a classifier tag to the KB entry type it filters
// by. The general tag applies no filter.
func tagToEntryType(tag string) string {
	switch tag {
	case classify.TagHowTo:
		return datatypes.EntryTypeHowTo
	case classify.TagDefinition:
		return datatypes.EntryTypeDefinition
	case classify.TagError:
		return datatypes.EntryTypeError
	case classify.TagWorkflow:
		return datatypes.EntryTypeWorkflow
	default:
		return ""
	}
}
