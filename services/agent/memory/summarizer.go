// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

var tracer = otel.Tracer("harbordesk.agent.memory")

// validStates are the conversation states the summariser may report.
var validStates = map[string]bool{
	datatypes.StateExploring:       true,
	datatypes.StateTroubleshooting: true,
	datatypes.StateCompleting:      true,
}

// Summarizer regenerates the rolling conversation summary.
//
// # Description
//
// Summarize feeds the previous summary plus the newest turns to the chat
// model and parses a JSON blob out of the reply, tolerating code fences
// and prose around it. Any failure returns an error; the caller keeps the
// previous summary and resets its counter, so summarisation never blocks
// the query path.
//
// # Thread Safety
//
// Summarizer is safe for concurrent use.
type Summarizer struct {
	client llm.LLMClient
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(client llm.LLMClient) *Summarizer {
	return &Summarizer{client: client}
}

// Summarize produces a fresh rolling summary from the previous one and the
// newest turns.
func (s *Summarizer) Summarize(ctx context.Context, previous *datatypes.ConversationSummary, turns []datatypes.Turn) (*datatypes.ConversationSummary, error) {
	ctx, span := tracer.Start(ctx, "Summarizer.Summarize")
	defer span.End()

	result, err := s.client.Generate(ctx, buildSummaryPrompt(previous, turns), llm.GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("summary generation: %w", err)
	}

	summary, err := parseSummary(result.Content)
	if err != nil {
		return nil, err
	}
	summary.UpdatedAt = time.Now().UnixMilli()
	return summary, nil
}

// parseSummary extracts the JSON blob from a possibly chatty reply.
func parseSummary(raw string) (*datatypes.ConversationSummary, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in summariser reply")
	}

	var summary datatypes.ConversationSummary
	if err := json.Unmarshal([]byte(raw[start:end+1]), &summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	if summary.Summary == "" {
		return nil, fmt.Errorf("summariser reply missing summary text")
	}
	if !validStates[summary.ConversationState] {
		summary.ConversationState = datatypes.StateExploring
	}
	return &summary, nil
}

func buildSummaryPrompt(previous *datatypes.ConversationSummary, turns []datatypes.Turn) string {
	var b strings.Builder
	b.WriteString("Summarize this support conversation. Respond with only a JSON object: " +
		`{"summary": "...", "current_topic": "...", "conversation_state": "exploring|troubleshooting|completing", "key_facts": ["..."]}` + "\n\n")

	if previous != nil && previous.Summary != "" {
		fmt.Fprintf(&b, "Previous summary: %s\n", previous.Summary)
		if len(previous.KeyFacts) > 0 {
			fmt.Fprintf(&b, "Known facts: %s\n", strings.Join(previous.KeyFacts, "; "))
		}
		b.WriteString("\n")
	}

	b.WriteString("Latest messages:\n")
	for _, turn := range turns {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	return b.String()
}
