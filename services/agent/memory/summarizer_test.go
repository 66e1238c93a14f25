// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

type fakeSummaryLLM struct {
	reply      string
	err        error
	lastPrompt string
}

func (f *fakeSummaryLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (*llm.ChatResult, error) {
	f.lastPrompt = prompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResult{Content: f.reply, Model: "summary-model"}, nil
}

func TestSummarize_ParsesFencedJSON(t *testing.T) {
	client := &fakeSummaryLLM{reply: "Here you go:\n```json\n" +
		`{"summary": "User is fixing a sync error.", "current_topic": "sync errors", "conversation_state": "troubleshooting", "key_facts": ["error E-401 appears on save"]}` +
		"\n```"}
	s := NewSummarizer(client)

	got, err := s.Summarize(context.Background(), nil, []datatypes.Turn{
		{Role: datatypes.RoleUser, Content: "my sync fails with E-401"},
	})
	require.NoError(t, err)

	assert.Equal(t, "User is fixing a sync error.", got.Summary)
	assert.Equal(t, datatypes.StateTroubleshooting, got.ConversationState)
	assert.Equal(t, []string{"error E-401 appears on save"}, got.KeyFacts)
	assert.NotZero(t, got.UpdatedAt)
}

func TestSummarize_PromptCarriesPreviousSummary(t *testing.T) {
	client := &fakeSummaryLLM{reply: `{"summary": "s", "conversation_state": "exploring"}`}
	s := NewSummarizer(client)

	previous := &datatypes.ConversationSummary{
		Summary:  "User manages 12 listings and asked about photo caps.",
		KeyFacts: []string{"photo cap is 20"},
	}
	_, err := s.Summarize(context.Background(), previous, []datatypes.Turn{
		{Role: datatypes.RoleUser, Content: "now about leases"},
	})
	require.NoError(t, err)

	assert.Contains(t, client.lastPrompt, "photo caps")
	assert.Contains(t, client.lastPrompt, "photo cap is 20")
	assert.Contains(t, client.lastPrompt, "now about leases")
}

func TestSummarize_InvalidStateNormalized(t *testing.T) {
	client := &fakeSummaryLLM{reply: `{"summary": "s", "conversation_state": "confused"}`}
	s := NewSummarizer(client)

	got, err := s.Summarize(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateExploring, got.ConversationState)
}

func TestSummarize_FailuresReturnError(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeSummaryLLM
	}{
		{"llm error", &fakeSummaryLLM{err: errors.New("model down")}},
		{"no json", &fakeSummaryLLM{reply: "I could not summarize that."}},
		{"missing summary text", &fakeSummaryLLM{reply: `{"current_topic": "x"}`}},
		{"broken json", &fakeSummaryLLM{reply: `{"summary": "unterminated`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSummarizer(tt.client).Summarize(context.Background(), nil, nil)
			assert.Error(t, err)
		})
	}
}
