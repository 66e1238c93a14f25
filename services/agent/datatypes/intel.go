// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Routing decisions produced by query intelligence.
const (
	RoutingAnswerFromContext = "answer_from_context"
	RoutingSearchKBTargeted  = "search_kb_targeted"
	RoutingFullRAG           = "full_rag"
)

// IntelResult is the structured output of the query-intelligence call.
//
// The raw LLM payload may wrap this JSON in prose or code fences; the
// intel package strips that before parsing. Routing is always one of the
// Routing* constants after the coherence rules have been applied.
type IntelResult struct {
	IsFollowup           bool     `json:"is_followup"`
	CanAnswerFromContext bool     `json:"can_answer_from_context"`
	MatchedRelatedDoc    string   `json:"matched_related_doc,omitempty"`
	Routing              string   `json:"routing"`
	EnhancedQuery        string   `json:"enhanced_query"`
	Category             string   `json:"category,omitempty"`
	Intent               string   `json:"intent,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
	Confidence           float64  `json:"confidence"`
}

// Metadata returns the structured-query block for the response payload.
func (r *IntelResult) Metadata() *QueryMetadata {
	if r == nil {
		return nil
	}
	return &QueryMetadata{
		Category: r.Category,
		Intent:   r.Intent,
		Tags:     r.Tags,
	}
}
