// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// refetchBuffer is added to total_chunks on a parent refetch so a stale
// count still brings the whole parent back.
const refetchBuffer = 5

// Comprehensive patterns: the query wants the whole document.
var comprehensivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^how (do|can|to|would|should) `),
	regexp.MustCompile(`\b(all|entire|complete|full|whole)\b`),
	regexp.MustCompile(`\bstep by step\b`),
	regexp.MustCompile(`\bwalk me through\b`),
	regexp.MustCompile(`\b(guide|process|procedure)\b`),
}

// Specific patterns short-circuit the predicate to false: the query wants
// one detail, not the whole document.
var specificPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bstep \d+\b`),
	regexp.MustCompile(`\bwhat (is|does|means)\b`),
	regexp.MustCompile(`\b(error|issue|problem)\b`),
	regexp.MustCompile(`\b(which|where|when)\b`),
}

// NeedsFullContext reports whether a query warrants expanding matched
// chunks to their full parent documents.
//
// True iff any comprehensive pattern matches AND no specific pattern
// matches the normalised query. Specific patterns win: "what is step 3 of
// uploading photos" stays chunk-scoped even though it opens like a how-to.
func NeedsFullContext(query string) bool {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if normalized == "" {
		return false
	}

	for _, p := range specificPatterns {
		if p.MatchString(normalized) {
			return false
		}
	}
	for _, p := range comprehensivePatterns {
		if p.MatchString(normalized) {
			return true
		}
	}
	return false
}

// Reconstructor expands matched chunks to complete parent documents.
//
// # Description
//
// Chunked retrieval returns the best-matching fragments of a document;
// comprehensive questions ("walk me through X") read badly when step 4 is
// missing. The reconstructor groups hits by parent, refetches any parent
// whose group is incomplete — at most one refetch per parent per query,
// reusing the cached query embedding — and returns the deduplicated union
// in chunk-index order.
//
// # Thread Safety
//
// Reconstructor is safe for concurrent use.
type Reconstructor struct {
	searcher VectorSearcher
}

// NewReconstructor creates a Reconstructor over the shared searcher.
func NewReconstructor(searcher VectorSearcher) *Reconstructor {
	return &Reconstructor{searcher: searcher}
}

// Reconstruct expands hits to full parents where their groups are
// incomplete.
//
// # Description
//
// Hits without a parent id pass through standalone. For each parent whose
// matched group is smaller than total_chunks, one refetch runs filtered to
// that parent with threshold 0 and k = total+buffer; a failed refetch
// falls back to the already-matched chunks for that parent only. Output is
// deduplicated by chunk id (entry id when missing) and ordered by parent
// group, chunk index ascending.
//
// # Inputs
//
//   - ctx: Cancellation and deadline for the refetches.
//   - hits: The strategy's kept hits.
//   - vector: The cached query embedding; never re-embedded here.
//
// # Outputs
//
//   - []datatypes.KBChunk: The expanded hit set. Refetch attempts are
//     appended to result (the strategy's attempt log) for diagnostics.
func (r *Reconstructor) Reconstruct(ctx context.Context, hits []datatypes.KBChunk, vector []float32, result *datatypes.RetrievalResult) []datatypes.KBChunk {
	ctx, span := tracer.Start(ctx, "Reconstructor.Reconstruct")
	defer span.End()

	var standalone []datatypes.KBChunk
	groups := make(map[string][]datatypes.KBChunk)
	var parentOrder []string

	for _, h := range hits {
		if h.ParentID == "" {
			standalone = append(standalone, h)
			continue
		}
		if _, seen := groups[h.ParentID]; !seen {
			parentOrder = append(parentOrder, h.ParentID)
		}
		groups[h.ParentID] = append(groups[h.ParentID], h)
	}

	expanded := make([]datatypes.KBChunk, 0, len(hits))
	seen := make(map[string]bool)

	appendChunk := func(c datatypes.KBChunk) {
		if id := c.ID(); id != "" {
			if seen[id] {
				return
			}
			seen[id] = true
		}
		expanded = append(expanded, c)
	}

	for _, parentID := range parentOrder {
		group := groups[parentID]
		total := group[0].TotalChunks

		if total > 0 && len(group) < total {
			refetched := r.refetchParent(ctx, parentID, total, vector, result)
			if len(refetched) > 0 {
				group = refetched
			} else {
				slog.Warn("Parent refetch returned nothing, keeping matched chunks",
					"parent_id", parentID, "matched", len(group), "total", total)
			}
		}

		sort.SliceStable(group, func(i, j int) bool {
			return group[i].ChunkIndex < group[j].ChunkIndex
		})
		for _, c := range group {
			appendChunk(c)
		}
	}

	for _, c := range standalone {
		appendChunk(c)
	}

	span.SetAttributes(
		attribute.Int("reconstruct.parents", len(parentOrder)),
		attribute.Int("reconstruct.in", len(hits)),
		attribute.Int("reconstruct.out", len(expanded)),
	)
	return expanded
}

// refetchParent runs the single per-parent refetch. Returns nil on any
// failure; the caller falls back to the matched chunks.
func (r *Reconstructor) refetchParent(ctx context.Context, parentID string, total int, vector []float32, result *datatypes.RetrievalResult) []datatypes.KBChunk {
	start := time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	chunks, err := r.searcher.Search(searchCtx, vector, Filter{ParentID: parentID}, total+refetchBuffer, 0)
	cancel()

	attempt := datatypes.SearchAttempt{
		Stage:      datatypes.SearchStageParentRefetch,
		Threshold:  0,
		Returned:   len(chunks),
		Kept:       len(chunks),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if result != nil {
		result.Attempts = append(result.Attempts, attempt)
	}

	if err != nil {
		slog.Warn("Parent refetch failed", "parent_id", parentID, "error", err)
		return nil
	}
	return chunks
}
