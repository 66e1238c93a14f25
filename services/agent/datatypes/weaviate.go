// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the typed Weaviate GraphQL response models for the
// KBChunk class and the generic response parser.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// KBChunkClassName is the Weaviate class holding the chunked knowledge
// base. Ingestion owns the schema; the agent only queries it.
const KBChunkClassName = "KBChunk"

// ParseGraphQLResponse converts a Weaviate GraphQL response into a typed
// struct.
//
// # Description
//
// Weaviate's client returns Data as map[string]models.JSONObject. Rather
// than walking that with type assertions, we round-trip through JSON into
// a typed response struct. Query results are small (topK ≤ 10), so the
// extra marshal is noise next to the network call.
//
// # Example
//
//	parsed, err := ParseGraphQLResponse[KBChunkQueryResponse](result)
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("GraphQL error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// KBChunkQueryResponse is the typed Get response for the KBChunk class.
type KBChunkQueryResponse struct {
	Get struct {
		KBChunk []KBChunkResult `json:"KBChunk"`
	} `json:"Get"`
}

// KBChunkResult is one KBChunk object as returned by a GraphQL query.
// Pointer fields distinguish absent properties from zero values.
type KBChunkResult struct {
	ChunkID       string   `json:"chunk_id"`
	ParentID      string   `json:"parent_id"`
	ParentTitle   string   `json:"parent_title"`
	ChunkIndex    *int     `json:"chunk_index"`
	TotalChunks   *int     `json:"total_chunks"`
	SectionType   string   `json:"section_type"`
	EntryType     string   `json:"entry_type"`
	UserClass     string   `json:"user_class"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
	Content       string   `json:"content"`
	RelatedTitles []string `json:"related_titles"`
	Additional    struct {
		ID        string   `json:"id"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// ToChunk converts a query result to the pipeline's KBChunk model.
// Certainty becomes the similarity; Score starts equal to it and is
// rewritten by the reranker.
func (r KBChunkResult) ToChunk() KBChunk {
	chunk := KBChunk{
		ChunkID:     r.ChunkID,
		ParentID:    r.ParentID,
		Title:       r.ParentTitle,
		SectionType: r.SectionType,
		EntryType:   r.EntryType,
		UserClass:   r.UserClass,
		Category:    r.Category,
		Tags:        r.Tags,
		Content:     r.Content,
		RelatedDocs: r.RelatedTitles,
	}
	if chunk.ChunkID == "" {
		chunk.ChunkID = r.Additional.ID
	}
	if r.ChunkIndex != nil {
		chunk.ChunkIndex = *r.ChunkIndex
	}
	if r.TotalChunks != nil {
		chunk.TotalChunks = *r.TotalChunks
	}
	if r.Additional.Certainty != nil {
		chunk.Similarity = float64(*r.Additional.Certainty)
		chunk.Score = chunk.Similarity
	}
	return chunk
}
