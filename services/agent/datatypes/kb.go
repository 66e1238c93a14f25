// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Entry types carried by KB chunks. These align one-to-one with the
// classifier tags: howto matches how_to, and so on.
const (
	EntryTypeHowTo      = "how_to"
	EntryTypeDefinition = "definition"
	EntryTypeError      = "error"
	EntryTypeWorkflow   = "workflow"
)

// Section types a parent entry is chunked into during ingestion.
const (
	SectionOverview      = "overview"
	SectionPrerequisites = "prerequisites"
	SectionSteps         = "steps"
	SectionIssues        = "issues"
	SectionTips          = "tips"
	SectionFull          = "full"
)

// KBChunk is one retrievable passage of a knowledge-base entry as seen by
// the pipeline. The vector index owns these; the agent only reads them.
//
// Invariant assumed (not enforced here): for any ParentID the chunks form
// a contiguous [0, TotalChunks-1] index range and TotalChunks agrees on
// every chunk of that parent.
type KBChunk struct {
	ChunkID     string   `json:"chunk_id"`
	ParentID    string   `json:"parent_id"`
	Title       string   `json:"title"`
	ChunkIndex  int      `json:"chunk_index"`
	TotalChunks int      `json:"total_chunks"`
	SectionType string   `json:"section_type"`
	EntryType   string   `json:"entry_type"`
	UserClass   string   `json:"user_class"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`
	Content     string   `json:"content"`
	RelatedDocs []string `json:"related_docs,omitempty"`

	// Similarity is the vector-store certainty for this hit; Score is
	// the boosted value after reranking.
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// ID returns the best available identity for deduplication: the chunk id
// when the index provides one, else the parent entry id.
func (c KBChunk) ID() string {
	if c.ChunkID != "" {
		return c.ChunkID
	}
	return c.ParentID
}

// AsSource converts the chunk to a response citation.
func (c KBChunk) AsSource() Source {
	return Source{
		Title:      c.Title,
		EntryType:  c.EntryType,
		Confidence: c.Score,
		ChunkID:    c.ChunkID,
		Similarity: c.Similarity,
	}
}

// Search fallback stages, in execution order.
const (
	SearchStagePrimary         = "primary"
	SearchStageNoFilter        = "no_filter"
	SearchStageHowToToError    = "howto_to_error"
	SearchStageDefinitionError = "definition_to_error"
	SearchStageParentRefetch   = "parent_refetch"
)

// SearchAttempt records one stage of the fallback chain for diagnostics
// and analytics.
type SearchAttempt struct {
	Stage       string  `json:"stage"`
	EntryType   string  `json:"entry_type,omitempty"`
	UserClass   string  `json:"user_class,omitempty"`
	ParentTitle string  `json:"parent_title,omitempty"`
	Threshold   float64 `json:"threshold"`
	Returned    int     `json:"returned"`
	Kept        int     `json:"kept"`
	DurationMs  int64   `json:"duration_ms"`
}

// RetrievalResult is the search strategy's output: the kept hits, the
// attempt log, and the query embedding so later stages (parent refetch)
// never re-embed.
type RetrievalResult struct {
	Hits     []KBChunk
	Attempts []SearchAttempt
	Vector   []float32
	EmbedMs  int64
	SearchMs int64
}
