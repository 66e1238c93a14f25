// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"testing"
)

func TestUsageAttr_Extract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		call   ProviderCall
		want   TokenUsage
		wantOK bool
	}{
		{
			name: "full accounting",
			call:   ProviderCall{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
			want:   TokenUsage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
			wantOK: true,
		},
		{
			name:   "total derived from parts",
			call:   ProviderCall{PromptTokens: 10, CompletionTokens: 5},
			want:   TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			wantOK: true,
		},
		{
			name:   "nothing reported",
			call:   ProviderCall{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := UsageAttr{}.Extract(tt.call)
			if ok != tt.wantOK {
				t.Fatalf("Extract() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("Extract() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUsageInline_Extract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		want   TokenUsage
		wantOK bool
	}{
		{
			name:   "openai spelling",
			body:   `{"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":20,"total_tokens":120}}`,
			want:   TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
			wantOK: true,
		},
		{
			name:   "anthropic spelling",
			body:   `{"content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":42,"output_tokens":7}}`,
			want:   TokenUsage{PromptTokens: 42, CompletionTokens: 7, TotalTokens: 49},
			wantOK: true,
		},
		{
			name:   "no usage block",
			body:   `{"content":[{"type":"text","text":"hi"}]}`,
			wantOK: false,
		},
		{
			name:   "malformed json",
			body:   `{"usage":`,
			wantOK: false,
		},
		{
			name:   "empty body",
			body:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := UsageInline{}.Extract(ProviderCall{Body: []byte(tt.body)})
			if ok != tt.wantOK {
				t.Fatalf("Extract() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("Extract() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUsageInResponseMetadata_Extract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		want   TokenUsage
		wantOK bool
	}{
		{
			name:   "eval counters present",
			body:   `{"response":"hi","done":true,"prompt_eval_count":33,"eval_count":9}`,
			want:   TokenUsage{PromptTokens: 33, CompletionTokens: 9, TotalTokens: 42},
			wantOK: true,
		},
		{
			name:   "counters absent",
			body:   `{"response":"hi","done":true}`,
			wantOK: false,
		},
		{
			name:   "malformed json",
			body:   `not-json`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := UsageInResponseMetadata{}.Extract(ProviderCall{Body: []byte(tt.body)})
			if ok != tt.wantOK {
				t.Fatalf("Extract() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("Extract() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEstimator_Estimate(t *testing.T) {
	t.Parallel()

	est := NewEstimator("no-such-model")

	usage := est.Estimate("how do I upload photos to a listing", "Click Add Photos on the listing page.")
	if !usage.Estimated {
		t.Error("Estimate() should mark usage as Estimated")
	}
	if usage.PromptTokens <= 0 || usage.CompletionTokens <= 0 {
		t.Errorf("Estimate() produced non-positive counts: %+v", usage)
	}
	if usage.TotalTokens != usage.PromptTokens+usage.CompletionTokens {
		t.Errorf("TotalTokens = %d, want %d", usage.TotalTokens, usage.PromptTokens+usage.CompletionTokens)
	}
}

func TestEstimator_Count_Empty(t *testing.T) {
	t.Parallel()

	if got := NewEstimator("gpt-4o-mini").Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
}
