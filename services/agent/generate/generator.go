// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generate

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

var tracer = otel.Tracer("harbordesk.agent.generate")

// DefaultPassageTokenBudget bounds the formatted passages block. Passages
// past the budget are dropped whole, best-ranked first in.
const DefaultPassageTokenBudget = 3000

// Generator assembles the response prompt and calls the chat model.
//
// # Thread Safety
//
// Generator is safe for concurrent use.
type Generator struct {
	client    llm.LLMClient
	library   *Library
	estimator *llm.Estimator
	budget    int

	// onUsage receives token usage for cost metering. May be nil.
	onUsage func(sessionID string, usage llm.TokenUsage, model string)
}

// NewGenerator creates a Generator. A non-positive budget uses the default.
func NewGenerator(client llm.LLMClient, library *Library, estimator *llm.Estimator, budget int, onUsage func(sessionID string, usage llm.TokenUsage, model string)) *Generator {
	if budget <= 0 {
		budget = DefaultPassageTokenBudget
	}
	return &Generator{
		client:    client,
		library:   library,
		estimator: estimator,
		budget:    budget,
		onUsage:   onUsage,
	}
}

// Request carries one generation call.
type Request struct {
	Query     string
	SessionID string

	// Context is the formatted conversation context. Empty for the first
	// turn of a session.
	Context string

	// Hits are the reranked passages. Empty on the context-only branch,
	// which still renders the normal response prompt with an empty
	// passages block.
	Hits []datatypes.KBChunk
}

// Generate produces the answer text for one query.
//
// # Description
//
// Formats the hits with inline source headers, clamps the block to the
// token budget, renders the response template, and calls the chat model
// with the system prompt prepended. Token usage is recorded through the
// usage callback after every call, estimated locally when the provider
// reported none.
//
// # Outputs
//
//   - string: The raw generated answer.
//   - error: Non-nil when the chat call failed; the caller substitutes
//     Fallback() and proceeds to escalation.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "Generator.Generate")
	defer span.End()

	passages := g.formatPassages(req.Hits)
	span.SetAttributes(
		attribute.Int("generate.passages", len(req.Hits)),
		attribute.Bool("generate.context_only", len(req.Hits) == 0),
	)

	contextBlock := ""
	if req.Context != "" {
		contextBlock = "Conversation so far:\n" + req.Context + "\n\n"
	}

	prompt, err := g.library.RenderResponse(contextBlock, passages, req.Query)
	if err != nil {
		return "", fmt.Errorf("render response prompt: %w", err)
	}
	full := g.library.System() + "\n\n" + prompt

	result, err := g.client.Generate(ctx, full, llm.GenerationParams{})
	if err != nil {
		return "", datatypes.NewPipelineError(datatypes.KindTransientUpstream, "generate", err)
	}

	usage := result.Usage
	if usage.TotalTokens == 0 && g.estimator != nil {
		usage = g.estimator.Estimate(full, result.Content)
	}
	if g.onUsage != nil {
		g.onUsage(req.SessionID, usage, result.Model)
	}

	return strings.TrimSpace(result.Content), nil
}

// Fallback returns the canned apology for a failed generation.
func (g *Generator) Fallback() string {
	return g.library.Fallback()
}

// formatPassages renders hits as numbered blocks with inline headers and
// drops whole passages once the token budget is spent.
func (g *Generator) formatPassages(hits []datatypes.KBChunk) string {
	if len(hits) == 0 {
		return "(none)"
	}

	var b strings.Builder
	used := 0
	for i, hit := range hits {
		block := fmt.Sprintf("[%d] %s (%s, confidence %.2f)\n%s\n\n",
			i+1, hit.Title, hit.EntryType, hit.Score, hit.Content)

		cost := len(block) / 4
		if g.estimator != nil {
			cost = g.estimator.Count(block)
		}
		if used+cost > g.budget && used > 0 {
			break
		}
		b.WriteString(block)
		used += cost
	}
	return strings.TrimRight(b.String(), "\n")
}
