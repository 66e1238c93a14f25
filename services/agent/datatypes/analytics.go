// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Metered operations.
const (
	OperationEmbedding          = "embedding"
	OperationQueryIntelligence  = "query_intelligence"
	OperationResponseGeneration = "response_generation"
)

// CostEntry is one metered LLM or embedding call attributed to a session.
// CostUSD carries the aggregation rounding (eight fractional digits).
type CostEntry struct {
	Operation    string  `json:"operation"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	At           int64   `json:"at"`
}

// OperationCost aggregates a session's spend for one operation.
type OperationCost struct {
	Calls  int     `json:"calls"`
	Tokens int     `json:"tokens"`
	USD    float64 `json:"usd"`
}

// CostBreakdown is the session-level cost report produced by the meter.
// TotalUSD carries the display rounding (six fractional digits).
type CostBreakdown struct {
	ByOperation map[string]OperationCost `json:"by_operation"`
	TotalTokens int                      `json:"total_tokens"`
	TotalUSD    float64                  `json:"total_usd"`
}

// SearchStats captures the execution profile of one retrieval pass for
// the analytics record.
type SearchStats struct {
	Attempts  []SearchAttempt `json:"attempts,omitempty"`
	Scanned   int             `json:"scanned"`
	Matched   int             `json:"matched"`
	Returned  int             `json:"returned"`
	Threshold float64         `json:"threshold"`
	EmbedMs   int64           `json:"embed_ms"`
	SearchMs  int64           `json:"search_ms"`
	RerankMs  int64           `json:"rerank_ms"`
}

// QueryRecord is the per-query analytics row. Records accumulate in the
// session's in-memory buffer and are written as one batch at session end.
type QueryRecord struct {
	Position             int      `json:"position"`
	Query                string   `json:"query"`
	QueryType            string   `json:"query_type"`
	ClassifierConfidence float64  `json:"classifier_confidence"`
	Routing              string   `json:"routing,omitempty"`
	EnhancedQuery        string   `json:"enhanced_query,omitempty"`
	Category             string   `json:"category,omitempty"`
	Intent               string   `json:"intent,omitempty"`
	Tags                 []string `json:"tags,omitempty"`

	Search *SearchStats `json:"search,omitempty"`
	Chunks []string     `json:"chunks,omitempty"`

	ResponseConfidence float64        `json:"response_confidence"`
	GenerateMs         int64          `json:"generate_ms"`
	TotalMs            int64          `json:"total_ms"`
	Cost               *CostBreakdown `json:"cost,omitempty"`

	Escalated        bool   `json:"escalated"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	EscalationType   string `json:"escalation_type,omitempty"`

	Error      string `json:"error,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

// NewQueryRecord creates a QueryRecord stamped with the current time.
func NewQueryRecord(query string) *QueryRecord {
	return &QueryRecord{
		Query:      query,
		RecordedAt: time.Now().UnixMilli(),
	}
}

// SessionArchive is the durable end-of-session row: final summary plus the
// lifecycle metadata needed for offline analysis.
type SessionArchive struct {
	SessionID    string                 `json:"session_id"`
	UserInfo     map[string]interface{} `json:"user_info,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at"`
	EndReason    string                 `json:"end_reason"`
	MessageCount int                    `json:"message_count"`
	Summary      *ConversationSummary   `json:"summary,omitempty"`
	AgentID      string                 `json:"agent_id,omitempty"`
}

// UserActivity is the per-user running counters row, incremented once per
// ended session.
type UserActivity struct {
	UserKey       string  `json:"user_key"`
	SessionsTotal int64   `json:"sessions_total"`
	QueriesTotal  int64   `json:"queries_total"`
	CostTotalUSD  float64 `json:"cost_total_usd"`
	UpdatedAt     int64   `json:"updated_at"`
}

// SessionDescriptor is the short entry kept in a user's recent-sessions
// list, newest first, capped.
type SessionDescriptor struct {
	SessionID    string `json:"session_id"`
	StartedAt    int64  `json:"started_at"`
	EndedAt      int64  `json:"ended_at"`
	MessageCount int    `json:"message_count"`
	Topic        string `json:"topic,omitempty"`
	EndReason    string `json:"end_reason,omitempty"`
}
