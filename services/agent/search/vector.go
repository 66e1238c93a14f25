// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package search implements retrieval over the chunked knowledge base:
// the Weaviate vector client, the multi-stage fallback strategy, parent
// document reconstruction, and the heuristic reranker.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

var tracer = otel.Tracer("harbordesk.agent.search")

// Filter is the metadata constraint set for one vector search call.
// Zero-value fields apply no constraint.
type Filter struct {
	// EntryType restricts hits to one KB entry type (how_to, error, ...).
	EntryType string

	// UserClass restricts hits to one audience (internal, external).
	UserClass string

	// ParentTitle restricts hits to parents whose title contains the
	// value, case-insensitively. Used by targeted re-search.
	ParentTitle string

	// ParentID restricts hits to one parent entry. Used by parent
	// reconstruction refetches.
	ParentID string
}

// IsZero reports whether the filter applies no constraint.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// VectorSearcher is the similarity-search port the strategy and the
// reconstructor depend on. Implementations return hits ordered by
// decreasing similarity; threshold 0 disables the certainty floor.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, filter Filter, k int, threshold float64) ([]datatypes.KBChunk, error)
}

// WeaviateSearcher implements VectorSearcher over the KBChunk class.
//
// # Thread Safety
//
// Safe for concurrent use; the Weaviate client pools connections.
type WeaviateSearcher struct {
	client *weaviate.Client
}

// NewWeaviateSearcher creates a searcher over the shared Weaviate client.
func NewWeaviateSearcher(client *weaviate.Client) *WeaviateSearcher {
	return &WeaviateSearcher{client: client}
}

var _ VectorSearcher = (*WeaviateSearcher)(nil)

// Search runs one nearVector query against the KBChunk class.
//
// # Description
//
// Builds the where-filter from the non-zero Filter fields, attaches the
// certainty floor when threshold > 0, and requests the full chunk field
// set plus certainty. The parent-title constraint uses a Like filter with
// surrounding wildcards, which gives the case-insensitive substring
// semantics of the targeted re-search (Weaviate lowercases text tokens).
//
// # Inputs
//
//   - ctx: Cancellation and deadline for the round trip.
//   - vector: The query embedding. Must match the index dimension.
//   - filter: Metadata constraints; zero value searches the whole class.
//   - k: Maximum hits to request.
//   - threshold: Certainty floor in [0, 1]; 0 disables.
//
// # Outputs
//
//   - []datatypes.KBChunk: Hits in decreasing similarity order.
//   - error: Non-nil on transport or GraphQL failure.
func (s *WeaviateSearcher) Search(ctx context.Context, vector []float32, filter Filter, k int, threshold float64) ([]datatypes.KBChunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateSearcher.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.k", k),
		attribute.Float64("search.threshold", threshold),
		attribute.String("search.entry_type", filter.EntryType),
	)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	if threshold > 0 {
		nearVector = nearVector.WithCertainty(float32(threshold))
	}

	fields := []graphql.Field{
		{Name: "chunk_id"},
		{Name: "parent_id"},
		{Name: "parent_title"},
		{Name: "chunk_index"},
		{Name: "total_chunks"},
		{Name: "section_type"},
		{Name: "entry_type"},
		{Name: "user_class"},
		{Name: "category"},
		{Name: "tags"},
		{Name: "content"},
		{Name: "related_titles"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(datatypes.KBChunkClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k)

	if where := buildWhere(filter); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KBChunkQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	chunks := make([]datatypes.KBChunk, 0, len(parsed.Get.KBChunk))
	for _, r := range parsed.Get.KBChunk {
		chunks = append(chunks, r.ToChunk())
	}

	slog.Debug("Vector search completed",
		"returned", len(chunks), "entry_type", filter.EntryType, "parent_id", filter.ParentID)
	span.SetAttributes(attribute.Int("search.returned", len(chunks)))
	return chunks, nil
}

// buildWhere assembles the combined where-filter, or nil when the filter
// is empty.
func buildWhere(filter Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder

	if filter.EntryType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"entry_type"}).
			WithOperator(filters.Equal).
			WithValueString(filter.EntryType))
	}
	if filter.UserClass != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"user_class"}).
			WithOperator(filters.Equal).
			WithValueString(filter.UserClass))
	}
	if filter.ParentTitle != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"parent_title"}).
			WithOperator(filters.Like).
			WithValueText("*"+filter.ParentTitle+"*"))
	}
	if filter.ParentID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"parent_id"}).
			WithOperator(filters.Equal).
			WithValueString(filter.ParentID))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}
