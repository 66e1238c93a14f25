// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package intel makes the single routing call that decides how a query is
// answered: from conversation context alone, from a narrow re-search over a
// previously surfaced document, or from a full vector retrieval.
//
// The LLM is asked for one JSON document; models wrap JSON in prose and
// code fences, so the parser extracts the first '{' through the last '}'
// before unmarshalling. Any failure degrades to a full-RAG fallback with
// the original query, never to an error the caller has to handle.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

var tracer = otel.Tracer("harbordesk.agent.intel")

// Analyzer performs the query-intelligence call.
//
// # Thread Safety
//
// Analyzer is safe for concurrent use; it holds only the shared LLM client.
type Analyzer struct {
	client llm.LLMClient

	// onUsage receives the token usage of each call for cost metering.
	// May be nil.
	onUsage func(sessionID string, usage llm.TokenUsage, model string)
}

// NewAnalyzer creates an Analyzer over the shared chat client. onUsage may
// be nil when cost metering is not wanted (tests).
func NewAnalyzer(client llm.LLMClient, onUsage func(sessionID string, usage llm.TokenUsage, model string)) *Analyzer {
	return &Analyzer{client: client, onUsage: onUsage}
}

// Request carries everything the intelligence call may condition on.
type Request struct {
	Query         string
	SessionID     string
	ClassifierTag string

	// Context is the formatted conversation block; empty for a fresh
	// session.
	Context string

	// RelatedDocs are the parent titles surfaced earlier in this session.
	// A matched_related_doc answer outside this list is discarded.
	RelatedDocs []string
}

// Analyze runs the intelligence call and returns a coherent routing
// decision.
//
// # Description
//
// Builds the analysis prompt, invokes the LLM once, parses the JSON out of
// the response, and applies the routing coherence rules. On any failure —
// LLM error, unparseable payload — the fallback result routes to full_rag
// with the original query and the classifier tag as intent. Analyze never
// returns an error alongside a nil result; the second return value reports
// whether the fallback was taken.
//
// # Inputs
//
//   - ctx: Cancellation and deadline for the LLM call.
//   - req: The query plus optional context and related-doc titles.
//
// # Outputs
//
//   - *datatypes.IntelResult: Always non-nil.
//   - bool: True when the result came from the local fallback.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*datatypes.IntelResult, bool) {
	ctx, span := tracer.Start(ctx, "Analyzer.Analyze")
	defer span.End()

	prompt := buildPrompt(req)

	result, err := a.client.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		slog.Warn("Query intelligence call failed, using fallback routing",
			"error", err, "session_id", req.SessionID)
		span.SetAttributes(attribute.Bool("intel.fallback", true))
		return Fallback(req.Query, req.ClassifierTag), true
	}

	if a.onUsage != nil {
		a.onUsage(req.SessionID, result.Usage, result.Model)
	}

	parsed, err := ParseResult(result.Content)
	if err != nil {
		slog.Warn("Query intelligence returned unparseable payload, using fallback routing",
			"error", err, "session_id", req.SessionID)
		span.SetAttributes(attribute.Bool("intel.fallback", true))
		return Fallback(req.Query, req.ClassifierTag), true
	}

	applyCoherence(parsed, req)
	if parsed.EnhancedQuery == "" {
		parsed.EnhancedQuery = req.Query
	}
	if parsed.Intent == "" {
		parsed.Intent = req.ClassifierTag
	}

	span.SetAttributes(
		attribute.String("intel.routing", parsed.Routing),
		attribute.Bool("intel.followup", parsed.IsFollowup),
	)
	return parsed, false
}

// Fallback is the local routing decision used when the LLM cannot be
// consulted: full retrieval over the unmodified query.
func Fallback(query, classifierTag string) *datatypes.IntelResult {
	return &datatypes.IntelResult{
		Routing:       datatypes.RoutingFullRAG,
		EnhancedQuery: query,
		Intent:        classifierTag,
		Confidence:    0.5,
	}
}

// ParseResult extracts the intelligence JSON from a raw LLM response.
//
// # Description
//
// Locates the first '{' and the last '}' in the payload, discarding any
// surrounding prose or code-fence markers, and unmarshals the substring.
// A payload with no braces, or whose substring is not valid JSON, returns
// a malformed-output error.
func ParseResult(raw string) (*datatypes.IntelResult, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var result datatypes.IntelResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, datatypes.NewPipelineError(datatypes.KindMalformedLLMOutput, "intelligence",
			fmt.Errorf("invalid JSON in LLM response: %w", err))
	}
	return &result, nil
}

// extractJSON returns the substring between the first '{' and the last '}'.
func extractJSON(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", datatypes.NewPipelineError(datatypes.KindMalformedLLMOutput, "intelligence",
			fmt.Errorf("no JSON object in LLM response (%d bytes)", len(raw)))
	}
	return raw[start : end+1], nil
}

// applyCoherence enforces the routing rules over whatever the model
// claimed, in order:
//
//  1. can_answer_from_context forces answer_from_context (the tie-break
//     when a related doc also matched).
//  2. A matched_related_doc present in the supplied titles forces
//     search_kb_targeted; an unknown title is discarded.
//  3. Everything else is full_rag.
func applyCoherence(result *datatypes.IntelResult, req Request) {
	if result.MatchedRelatedDoc != "" && !containsTitle(req.RelatedDocs, result.MatchedRelatedDoc) {
		slog.Debug("Discarding unknown related-doc title from intelligence",
			"title", result.MatchedRelatedDoc)
		result.MatchedRelatedDoc = ""
	}

	switch {
	case result.CanAnswerFromContext:
		result.Routing = datatypes.RoutingAnswerFromContext
	case result.MatchedRelatedDoc != "":
		result.Routing = datatypes.RoutingSearchKBTargeted
	default:
		result.Routing = datatypes.RoutingFullRAG
	}
}

// containsTitle reports whether titles contains want, case-insensitively.
func containsTitle(titles []string, want string) bool {
	for _, t := range titles {
		if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

// buildPrompt assembles the single-call analysis prompt.
func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are the routing module of a property-management support agent.\n")
	b.WriteString("Analyze the user query and reply with ONE JSON object, no prose, with fields:\n")
	b.WriteString(`{"is_followup": bool, "can_answer_from_context": bool, "matched_related_doc": string, ` +
		`"routing": "answer_from_context"|"search_kb_targeted"|"full_rag", "enhanced_query": string, ` +
		`"category": string, "intent": string, "tags": [string], "confidence": number}`)
	b.WriteString("\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- can_answer_from_context is true only when the conversation context below already contains the answer.\n")
	b.WriteString("- matched_related_doc must be one of the related document titles below, or empty.\n")
	b.WriteString("- enhanced_query rewrites the query to be self-contained and search-friendly.\n\n")

	fmt.Fprintf(&b, "Query type hint: %s\n", req.ClassifierTag)

	if req.Context != "" {
		b.WriteString("\nConversation context:\n")
		b.WriteString(req.Context)
		b.WriteString("\n")
	}
	if len(req.RelatedDocs) > 0 {
		b.WriteString("\nRelated document titles:\n")
		for _, title := range req.RelatedDocs {
			fmt.Fprintf(&b, "- %s\n", title)
		}
	}

	fmt.Fprintf(&b, "\nUser query: %s\n", req.Query)
	return b.String()
}
