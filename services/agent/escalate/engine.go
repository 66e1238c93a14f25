// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package escalate decides when a conversation should be handed to a
// human operator and shapes the answer text accordingly.
package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

var tracer = otel.Tracer("harbordesk.agent.escalate")

// DefaultConfidenceFloor is the similarity below which an answer is
// offered with a conditional ticket prompt. Exactly at the floor is NOT
// escalated.
const DefaultConfidenceFloor = 0.7

// Response shaping strings. HandoffLine replaces the generated answer
// entirely when the user asked for a person; the offers are appended.
const (
	HandoffLine = "Of course — I'll connect you with a member of our support team. " +
		"Would you like me to create a support ticket so someone follows up with you directly?"

	ticketOffer = " Would you like me to create a support ticket so our team can help you further?"

	askIfHelps = " Does this help, or would you like me to create a support ticket for our team?"
)

// Engine makes the escalation decision for one query.
//
// # Description
//
// Decision order: an explicit request for human help (detected by a
// constrained yes/no LLM call) escalates immediately; an empty hit list
// escalates immediately; a best confidence under the floor escalates
// conditionally; otherwise the answer passes through. The detector
// failing or answering anything but "yes" counts as "no".
//
// # Thread Safety
//
// Engine is safe for concurrent use.
type Engine struct {
	client          llm.LLMClient
	confidenceFloor float64

	// onUsage receives detector token usage for cost metering. May be nil.
	onUsage func(sessionID string, usage llm.TokenUsage, model string)
}

// NewEngine creates an Engine. A non-positive floor uses the default.
func NewEngine(client llm.LLMClient, confidenceFloor float64, onUsage func(sessionID string, usage llm.TokenUsage, model string)) *Engine {
	if confidenceFloor <= 0 {
		confidenceFloor = DefaultConfidenceFloor
	}
	return &Engine{client: client, confidenceFloor: confidenceFloor, onUsage: onUsage}
}

// Input is everything the decision conditions on.
type Input struct {
	Query          string
	SessionID      string
	HitCount       int
	BestConfidence float64

	// RecentTurns gives the detector conversational context for phrasings
	// like "that didn't work, get me someone".
	RecentTurns []datatypes.Turn
}

// Decide produces the escalation decision for one query.
func (e *Engine) Decide(ctx context.Context, in Input) datatypes.EscalationResult {
	ctx, span := tracer.Start(ctx, "Engine.Decide")
	defer span.End()

	if e.detectHumanRequest(ctx, in) {
		span.SetAttributes(attribute.String("escalation.reason", datatypes.EscalationReasonUserRequested))
		return datatypes.EscalationResult{
			ShouldEscalate: true,
			Reason:         datatypes.EscalationReasonUserRequested,
			Type:           datatypes.EscalationTypeImmediate,
			Strategy:       datatypes.EscalationStrategyOfferTicket,
		}
	}

	if in.HitCount == 0 {
		span.SetAttributes(attribute.String("escalation.reason", datatypes.EscalationReasonNoResults))
		return datatypes.EscalationResult{
			ShouldEscalate: true,
			Reason:         datatypes.EscalationReasonNoResults,
			Type:           datatypes.EscalationTypeImmediate,
			Strategy:       datatypes.EscalationStrategyOfferTicket,
		}
	}

	if in.BestConfidence < e.confidenceFloor {
		span.SetAttributes(attribute.String("escalation.reason", datatypes.EscalationReasonLowConfidence))
		return datatypes.EscalationResult{
			ShouldEscalate: true,
			Reason:         datatypes.EscalationReasonLowConfidence,
			Type:           datatypes.EscalationTypeConditional,
			Strategy:       datatypes.EscalationStrategyAskIfHelps,
		}
	}

	return datatypes.NoEscalation()
}

// Shape applies the decision's response strategy to the generated answer.
func Shape(answer string, decision datatypes.EscalationResult) string {
	switch {
	case decision.Reason == datatypes.EscalationReasonUserRequested:
		return HandoffLine
	case decision.Strategy == datatypes.EscalationStrategyOfferTicket:
		return strings.TrimRight(answer, " ") + ticketOffer
	case decision.Strategy == datatypes.EscalationStrategyAskIfHelps:
		return strings.TrimRight(answer, " ") + askIfHelps
	default:
		return answer
	}
}

// detectHumanRequest runs the constrained yes/no detector. Any failure or
// non-"yes" answer is treated as no.
func (e *Engine) detectHumanRequest(ctx context.Context, in Input) bool {
	prompt := buildDetectorPrompt(in)

	result, err := e.client.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		slog.Warn("Escalation detector failed, treating as no",
			"error", err, "session_id", in.SessionID)
		return false
	}
	if e.onUsage != nil {
		e.onUsage(in.SessionID, result.Usage, result.Model)
	}

	answer := strings.ToLower(strings.TrimSpace(result.Content))
	return strings.HasPrefix(answer, "yes")
}

// buildDetectorPrompt asks for exactly one word.
func buildDetectorPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Is the user explicitly asking to talk to a human, an agent, " +
		"or a support person? Answer with exactly one word: Yes or No.\n\n")

	if len(in.RecentTurns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, turn := range in.RecentTurns {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "User message: %s\n", in.Query)
	return b.String()
}
