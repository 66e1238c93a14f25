// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// =============================================================================
// Token Usage Accounting
// =============================================================================

// TokenUsage is the normalized token accounting for one model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Estimated marks counts produced locally because the provider
	// reported none.
	Estimated bool `json:"estimated,omitempty"`
}

// ProviderCall carries the places a provider may report token accounting
// for one completed call. Raw HTTP clients fill Body; SDK clients copy the
// typed counter fields off the response object.
type ProviderCall struct {
	// Body is the raw response payload.
	Body []byte

	// PromptTokens, CompletionTokens and TotalTokens are typed attributes
	// from an SDK response object.
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// UsageAdapter extracts normalized token usage from a completed call.
//
// # Description
//
// Providers disagree on where token accounting lives: SDKs surface it as
// typed attributes on the response object, Anthropic inlines a usage block
// in the message body, and Ollama reports eval counters as metadata fields
// on the response envelope. Each client constructs the one adapter matching
// its library instead of probing response shapes at runtime.
//
// Extract reports ok=false when the provider did not account the call;
// clients then fall back to an Estimator.
type UsageAdapter interface {
	Extract(call ProviderCall) (TokenUsage, bool)
}

// UsageAttr reads token counts from typed SDK response attributes.
type UsageAttr struct{}

// UsageInline reads a usage block embedded in the response body. Handles
// both the OpenAI spelling (prompt_tokens/completion_tokens) and the
// Anthropic spelling (input_tokens/output_tokens).
type UsageInline struct{}

// UsageInResponseMetadata reads eval counters that ride on the response
// envelope itself rather than in a dedicated usage block, the way Ollama
// reports prompt_eval_count and eval_count.
type UsageInResponseMetadata struct{}

var (
	_ UsageAdapter = UsageAttr{}
	_ UsageAdapter = UsageInline{}
	_ UsageAdapter = UsageInResponseMetadata{}
)

func (UsageAttr) Extract(call ProviderCall) (TokenUsage, bool) {
	if call.PromptTokens == 0 && call.CompletionTokens == 0 && call.TotalTokens == 0 {
		return TokenUsage{}, false
	}
	usage := TokenUsage{
		PromptTokens:     call.PromptTokens,
		CompletionTokens: call.CompletionTokens,
		TotalTokens:      call.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage, true
}

func (UsageInline) Extract(call ProviderCall) (TokenUsage, bool) {
	if len(call.Body) == 0 {
		return TokenUsage{}, false
	}
	var envelope struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(call.Body, &envelope); err != nil {
		return TokenUsage{}, false
	}
	usage := TokenUsage{
		PromptTokens:     envelope.Usage.PromptTokens,
		CompletionTokens: envelope.Usage.CompletionTokens,
		TotalTokens:      envelope.Usage.TotalTokens,
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = envelope.Usage.InputTokens
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = envelope.Usage.OutputTokens
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if usage.TotalTokens == 0 {
		return TokenUsage{}, false
	}
	return usage, true
}

func (UsageInResponseMetadata) Extract(call ProviderCall) (TokenUsage, bool) {
	if len(call.Body) == 0 {
		return TokenUsage{}, false
	}
	var envelope struct {
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err := json.Unmarshal(call.Body, &envelope); err != nil {
		return TokenUsage{}, false
	}
	if envelope.PromptEvalCount == 0 && envelope.EvalCount == 0 {
		return TokenUsage{}, false
	}
	return TokenUsage{
		PromptTokens:     envelope.PromptEvalCount,
		CompletionTokens: envelope.EvalCount,
		TotalTokens:      envelope.PromptEvalCount + envelope.EvalCount,
	}, true
}

// =============================================================================
// Local Estimation
// =============================================================================

// Estimator produces local token counts for calls where the provider
// reported nothing usable.
//
// # Description
//
// Counts come from the model's tokenizer when tiktoken knows it, falling
// back to cl100k_base, and finally to a bytes/4 heuristic when no encoding
// can be loaded at all. The tokenizer is resolved lazily on first use.
//
// # Thread Safety
//
// Estimator is safe for concurrent use.
type Estimator struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns an Estimator tuned to the given model's tokenizer.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(e.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			slog.Debug("No tokenizer available, using byte heuristic",
				"model", e.model, "error", err)
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return len(text) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Estimate returns usage for a prompt/completion pair, marked Estimated.
func (e *Estimator) Estimate(prompt, completion string) TokenUsage {
	promptTokens := e.Count(prompt)
	completionTokens := e.Count(completion)
	return TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Estimated:        true,
	}
}
