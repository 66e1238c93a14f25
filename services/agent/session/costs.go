// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session owns per-session lifecycle state: the session registry,
// the cost meter, the analytics buffer, and the inactivity sweeper.
package session

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

// ModelPrice is the cost per one million tokens for a model.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPriceTable covers the models the deployment images ship with. The
// "default" entry prices models the table does not know.
var DefaultPriceTable = map[string]ModelPrice{
	"gpt-4o":                 {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"claude-sonnet-4":        {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-3-5":       {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"text-embedding-3-small": {InputPerMTok: 0.02},
	"text-embedding-3-large": {InputPerMTok: 0.13},
	"default":                {InputPerMTok: 1.00, OutputPerMTok: 3.00},
}

// Monetary rounding: eight fractional digits while aggregating, six for
// display totals.
const (
	aggregationDigits = 8
	displayDigits     = 6
)

// CostMeter attributes token counts and currency cost to
// (session, operation) pairs.
//
// # Description
//
// Chat calls record provider-reported usage; embedding calls record
// ⌊len(text)/4⌋ input tokens since embedding providers rarely report any.
// Prices come from a static per-model table keyed by model name with a
// longest-prefix match and a default entry. Breakdown produces the
// session's report at any time; Clear drops the session's entries.
//
// # Thread Safety
//
// CostMeter is safe for concurrent use.
type CostMeter struct {
	mu      sync.Mutex
	prices  map[string]ModelPrice
	entries map[string][]datatypes.CostEntry
}

// NewCostMeter creates a meter. A nil table uses DefaultPriceTable.
func NewCostMeter(prices map[string]ModelPrice) *CostMeter {
	if prices == nil {
		prices = DefaultPriceTable
	}
	return &CostMeter{
		prices:  prices,
		entries: make(map[string][]datatypes.CostEntry),
	}
}

// RecordChat attributes one chat call's usage to a session.
func (m *CostMeter) RecordChat(sessionID, operation, model string, usage llm.TokenUsage) {
	m.record(sessionID, datatypes.CostEntry{
		Operation:    operation,
		Model:        model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		CostUSD:      m.price(model, usage.PromptTokens, usage.CompletionTokens),
		At:           time.Now().UnixMilli(),
	})
}

// RecordEmbedding attributes one embedding call, estimating tokens from the
// text length.
func (m *CostMeter) RecordEmbedding(sessionID, model, text string) {
	tokens := len(text) / 4
	m.record(sessionID, datatypes.CostEntry{
		Operation:   datatypes.OperationEmbedding,
		Model:       model,
		InputTokens: tokens,
		CostUSD:     m.price(model, tokens, 0),
		At:          time.Now().UnixMilli(),
	})
}

func (m *CostMeter) record(sessionID string, entry datatypes.CostEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = append(m.entries[sessionID], entry)
}

// price computes the rounded cost of one call.
func (m *CostMeter) price(model string, inputTokens, outputTokens int) float64 {
	p := m.lookup(model)
	cost := float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
	return round(cost, aggregationDigits)
}

// lookup resolves a price by exact name, then prefix, then the default.
// Prefix matching absorbs provider version suffixes like
// "gpt-4o-mini-2024-07-18".
func (m *CostMeter) lookup(model string) ModelPrice {
	if p, ok := m.prices[model]; ok {
		return p
	}
	for name, p := range m.prices {
		if name != "default" && strings.HasPrefix(model, name) {
			return p
		}
	}
	return m.prices["default"]
}

// Breakdown reports a session's accumulated spend.
func (m *CostMeter) Breakdown(sessionID string) *datatypes.CostBreakdown {
	return m.BreakdownSince(sessionID, 0)
}

// EntryCount returns how many entries a session has recorded so far. The
// pipeline snapshots it when a query starts and passes it to BreakdownSince
// so each query record carries its own spend, not the session total.
func (m *CostMeter) EntryCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[sessionID])
}

// BreakdownSince reports the spend of the entries recorded after the first
// n. Out-of-range values of n yield an empty breakdown.
func (m *CostMeter) BreakdownSince(sessionID string, n int) *datatypes.CostBreakdown {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.entries[sessionID]
	if n < 0 || n > len(entries) {
		n = len(entries)
	}

	breakdown := &datatypes.CostBreakdown{
		ByOperation: make(map[string]datatypes.OperationCost),
	}
	var total float64
	for _, entry := range entries[n:] {
		op := breakdown.ByOperation[entry.Operation]
		op.Calls++
		op.Tokens += entry.InputTokens + entry.OutputTokens
		op.USD = round(op.USD+entry.CostUSD, aggregationDigits)
		breakdown.ByOperation[entry.Operation] = op

		breakdown.TotalTokens += entry.InputTokens + entry.OutputTokens
		total += entry.CostUSD
	}
	breakdown.TotalUSD = round(total, displayDigits)
	return breakdown
}

// Clear drops a session's entries.
func (m *CostMeter) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}

func round(v float64, digits int) float64 {
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}
