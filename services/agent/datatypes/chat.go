// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the shared data structures for the agent
// service: chat request/response payloads, knowledge-base chunks, session
// and analytics records, and typed pipeline errors.
//
// This file contains the HTTP request and response types for the chat
// endpoints, including the per-audience response views.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single query message.
	// Checked in bytes, not runes, to bound memory on hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxSessionIDLength bounds client-supplied session identifiers.
	MaxSessionIDLength = 128
)

// User classes used as retrieval filters and endpoint audiences.
const (
	UserClassInternal = "internal"
	UserClassExternal = "external"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks that a string field does not exceed
// MaxMessageContentBytes. Byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// generateUUID returns a fresh UUID v4 string.
func generateUUID() string {
	return uuid.NewString()
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest is the request body shared by all three chat endpoints.
//
// # Description
//
// Carries one user query plus optional session affinity and an opaque user
// descriptor. When SessionID is empty the session manager creates a fresh
// session and echoes its id in the response.
//
// # Validation
//
// Uses go-playground/validator:
//   - Message: required, max 32768 bytes via the maxbytes custom validator
//   - SessionID: optional, max 128 characters
//
// # Examples
//
//	req := ChatRequest{Message: "how do I upload photos"}
//	if err := req.Validate(); err != nil { ... }
type ChatRequest struct {
	Message   string                 `json:"message" validate:"required,maxbytes"`
	SessionID string                 `json:"session_id" validate:"omitempty,max=128"`
	UserInfo  map[string]interface{} `json:"user_info,omitempty"`
}

// Validate validates the ChatRequest fields.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Response Building Blocks
// =============================================================================

// Source is one citation attached to an answer.
//
// The full shape (chunk id, similarity) is only exposed on the test
// endpoint; Clean() produces the support view.
type Source struct {
	Title      string  `json:"title"`
	EntryType  string  `json:"entry_type,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	ChunkID    string  `json:"chunk_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Clean strips the internal fields, leaving the citation view shown to
// support agents.
func (s Source) Clean() Source {
	return Source{
		Title:      s.Title,
		EntryType:  s.EntryType,
		Confidence: s.Confidence,
	}
}

// QueryMetadata is the structured query produced by query intelligence.
type QueryMetadata struct {
	Category string   `json:"category,omitempty"`
	Intent   string   `json:"intent,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// StageTimings holds per-stage wall-clock durations for one query.
// All values are milliseconds.
type StageTimings struct {
	ClassifyMs int64 `json:"classify_ms"`
	IntelMs    int64 `json:"intelligence_ms"`
	EmbedMs    int64 `json:"embedding_ms"`
	SearchMs   int64 `json:"search_ms"`
	RerankMs   int64 `json:"rerank_ms"`
	GenerateMs int64 `json:"generate_ms"`
	EscalateMs int64 `json:"escalate_ms"`
	CommitMs   int64 `json:"commit_ms"`
}

// Sum returns the total of all stage durations.
func (s StageTimings) Sum() int64 {
	return s.ClassifyMs + s.IntelMs + s.EmbedMs + s.SearchMs +
		s.RerankMs + s.GenerateMs + s.EscalateMs + s.CommitMs
}

// DebugMetrics is the diagnostics block exposed on the test endpoint only.
type DebugMetrics struct {
	Stages  StageTimings   `json:"stages"`
	TotalMs int64          `json:"total_ms"`
	Cost    *CostBreakdown `json:"cost,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Escalation reasons.
const (
	EscalationReasonNone          = "none"
	EscalationReasonUserRequested = "user_requested"
	EscalationReasonNoResults     = "no_results_found"
	EscalationReasonLowConfidence = "low_confidence"
)

// Escalation types.
const (
	EscalationTypeNone        = "none"
	EscalationTypeImmediate   = "immediate"
	EscalationTypeConditional = "conditional"
)

// Escalation response strategies.
const (
	EscalationStrategyNone        = "none"
	EscalationStrategyOfferTicket = "offer_ticket"
	EscalationStrategyAskIfHelps  = "ask_if_helps"
)

// EscalationResult is the escalation engine's decision for one query.
type EscalationResult struct {
	ShouldEscalate bool   `json:"should_escalate"`
	Reason         string `json:"reason"`
	Type           string `json:"type"`
	Strategy       string `json:"strategy"`
}

// NoEscalation is the pass-through decision.
func NoEscalation() EscalationResult {
	return EscalationResult{
		Reason:   EscalationReasonNone,
		Type:     EscalationTypeNone,
		Strategy: EscalationStrategyNone,
	}
}

// =============================================================================
// Chat Response
// =============================================================================

// ChatResponse is the full response payload as assembled by the pipeline.
//
// # Description
//
// The test endpoint serializes this struct unchanged. The support and
// customer endpoints go through SupportView and CustomerView, which apply
// the audience field filtering.
//
// # Fields
//
//   - Response: The user-visible answer text (post escalation shaping).
//   - Confidence: Best retrieval similarity after reranking, or the
//     synthetic value for context-only and greeting answers.
//   - ClassificationConfidence: The classifier's own confidence.
//   - QueryType: The classifier tag.
//   - Routing: The intelligence routing decision.
//   - Sources: Citations, full shape.
//   - SearchAttempts: The fallback chain executed by the search strategy.
//   - DebugMetrics: Timings and cost; test endpoint only.
type ChatResponse struct {
	Response                 string            `json:"response"`
	SessionID                string            `json:"session_id"`
	Confidence               float64           `json:"confidence"`
	ClassificationConfidence float64           `json:"classification_confidence,omitempty"`
	QueryType                string            `json:"query_type,omitempty"`
	Routing                  string            `json:"routing,omitempty"`
	EnhancedQuery            string            `json:"enhanced_query,omitempty"`
	Sources                  []Source          `json:"sources"`
	SearchAttempts           []SearchAttempt   `json:"search_attempts,omitempty"`
	QueryMetadata            *QueryMetadata    `json:"query_metadata,omitempty"`
	RequiresEscalation       bool              `json:"requires_escalation"`
	Escalation               *EscalationResult `json:"escalation,omitempty"`
	Timestamp                int64             `json:"timestamp"`
	DebugMetrics             *DebugMetrics     `json:"debug_metrics,omitempty"`
}

// NewChatResponse creates a ChatResponse with the timestamp set and a
// non-nil Sources slice so the field serializes as [] rather than null.
func NewChatResponse(sessionID string) *ChatResponse {
	return &ChatResponse{
		SessionID: sessionID,
		Sources:   []Source{},
		Timestamp: time.Now().UnixMilli(),
	}
}

// SupportChatResponse is the field-filtered payload for the support
// endpoint: the answer with clean citations and the query tag, no routing
// internals and no debug block.
type SupportChatResponse struct {
	Response           string   `json:"response"`
	SessionID          string   `json:"session_id"`
	Confidence         float64  `json:"confidence"`
	Sources            []Source `json:"sources"`
	QueryType          string   `json:"query_type,omitempty"`
	RequiresEscalation bool     `json:"requires_escalation"`
	Timestamp          int64    `json:"timestamp"`
}

// CustomerChatResponse is the field-filtered payload for the customer
// endpoint: answer and escalation flag only.
type CustomerChatResponse struct {
	Response           string `json:"response"`
	SessionID          string `json:"session_id"`
	RequiresEscalation bool   `json:"requires_escalation"`
	Timestamp          int64  `json:"timestamp"`
}

// SupportView returns the support-audience filtering of the response.
// Sources are reduced to their clean citation form.
func (r *ChatResponse) SupportView() *SupportChatResponse {
	sources := make([]Source, 0, len(r.Sources))
	for _, s := range r.Sources {
		sources = append(sources, s.Clean())
	}
	return &SupportChatResponse{
		Response:           r.Response,
		SessionID:          r.SessionID,
		Confidence:         r.Confidence,
		Sources:            sources,
		QueryType:          r.QueryType,
		RequiresEscalation: r.RequiresEscalation,
		Timestamp:          r.Timestamp,
	}
}

// CustomerView returns the customer-audience filtering of the response.
func (r *ChatResponse) CustomerView() *CustomerChatResponse {
	return &CustomerChatResponse{
		Response:           r.Response,
		SessionID:          r.SessionID,
		RequiresEscalation: r.RequiresEscalation,
		Timestamp:          r.Timestamp,
	}
}

// ErrorResponse is the body returned with 5xx statuses. Internal error
// detail stays in logs; Message is always civil and non-technical.
type ErrorResponse struct {
	Error   string `json:"error"`
	Type    string `json:"type"`
	Message string `json:"message"`
}
