// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// End reasons recorded when a session terminates.
const (
	EndReasonUserEnded  = "user_ended"
	EndReasonInactivity = "inactivity_timeout"
	EndReasonMaxAge     = "max_duration_reached"
	EndReasonShutdown   = "server_shutdown"
)

// Conversation states tracked by the rolling summary.
const (
	StateExploring       = "exploring"
	StateTroubleshooting = "troubleshooting"
	StateCompleting      = "completing"
)

// TurnMetadata is the optional bag attached to an assistant turn.
type TurnMetadata struct {
	Confidence float64  `json:"confidence,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	QueryType  string   `json:"query_type,omitempty"`
	CostUSD    float64  `json:"cost_usd,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Turn is a single message within a session. Turns are an ordered
// sequence; the cache retains the most recent K and the rolling summary
// absorbs older content.
type Turn struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"`
	Metadata  *TurnMetadata `json:"metadata,omitempty"`
}

// NewTurn creates a Turn stamped with the current time.
func NewTurn(role, content string, metadata *TurnMetadata) Turn {
	return Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  metadata,
	}
}

// ConversationSummary is the rolling per-session summary blob, regenerated
// every summary-interval messages.
type ConversationSummary struct {
	Summary           string   `json:"summary"`
	CurrentTopic      string   `json:"current_topic"`
	ConversationState string   `json:"conversation_state"`
	KeyFacts          []string `json:"key_facts,omitempty"`
	UpdatedAt         int64    `json:"updated_at"`
}

// Session is the in-memory session metadata owned by the session manager.
type Session struct {
	ID           string                 `json:"session_id"`
	UserInfo     map[string]interface{} `json:"user_info,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastActivity time.Time              `json:"last_activity"`
	MessageCount int                    `json:"message_count"`
	EndReason    string                 `json:"end_reason,omitempty"`
}

// NewSession creates a Session with a fresh opaque id.
func NewSession(userInfo map[string]interface{}) *Session {
	now := time.Now()
	return &Session{
		ID:           generateUUID(),
		UserInfo:     userInfo,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Idle returns how long since the session last saw activity.
func (s *Session) Idle() time.Duration {
	return time.Since(s.LastActivity)
}

// SessionContext is the conversation view handed to LLM calls: the recent
// turns, the current rolling summary, related-document titles surfaced
// earlier in the session, and a pre-formatted text block joining them.
type SessionContext struct {
	Recent      []Turn               `json:"recent"`
	Summary     *ConversationSummary `json:"summary,omitempty"`
	RelatedDocs []string             `json:"related_docs,omitempty"`
	Formatted   string               `json:"formatted"`
}

// IsEmpty reports whether the context carries no usable history.
func (c *SessionContext) IsEmpty() bool {
	return c == nil || (len(c.Recent) == 0 && c.Summary == nil)
}
