// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/HarborDesk/services/agent/classify"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// Rerank boost weights. Base score is the vector similarity; boosts are
// additive and the final score is clamped to [0, 1].
const (
	boostEntryTypeMatch   = 0.20
	boostTroubleshootTerm = 0.15
	boostContentKeywords  = 0.10
	boostTitleKeywords    = 0.15
	boostBigram           = 0.10
	boostShortContent     = 0.05
	penaltyLongContent    = 0.05

	shortContentWords = 100
	longContentWords  = 500
)

// rerankStopWords are dropped from the query before keyword matching.
var rerankStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "but": true, "and": true, "or": true,
}

// troubleshootTerms boost content that reads like a fix when the query is
// a troubleshooting one.
var troubleshootTerms = []string{"fix", "solve", "troubleshoot"}

// Rerank reorders hits by heuristic relevance and truncates to maxResults.
//
// # Description
//
// Vector similarity alone ranks a tips chunk above the steps chunk the
// user actually wants; the boosts fold in the classifier tag, keyword and
// bigram overlap, and a mild length preference. Scoring is pure string
// work and never fails; a panic in the scorer is recovered and the input
// order passes through truncated.
//
// # Inputs
//
//   - query: The user query (pre-enhancement).
//   - tag: The classifier tag.
//   - hits: Retrieval hits; not mutated.
//   - maxResults: Truncation cap; <=0 uses DefaultMaxResults.
//
// # Outputs
//
//   - []datatypes.KBChunk: Rescored hits, best first, length <= cap, every
//     Score in [0, 1].
func Rerank(query, tag string, hits []datatypes.KBChunk, maxResults int) (result []datatypes.KBChunk) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Reranker panicked, passing hits through unchanged", "panic", r)
			result = truncate(hits, maxResults)
		}
	}()

	if len(hits) == 0 {
		return []datatypes.KBChunk{}
	}

	keywords := extractKeywords(query)
	bigrams := extractBigrams(keywords)
	wantEntryType := tagToEntryType(tag)

	scored := make([]datatypes.KBChunk, len(hits))
	copy(scored, hits)

	for i := range scored {
		scored[i].Score = scoreChunk(scored[i], tag, wantEntryType, keywords, bigrams)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return truncate(scored, maxResults)
}

// scoreChunk computes the boosted relevance score for one hit.
func scoreChunk(chunk datatypes.KBChunk, tag, wantEntryType string, keywords, bigrams []string) float64 {
	score := chunk.Similarity
	content := strings.ToLower(chunk.Content)
	title := strings.ToLower(chunk.Title)

	if wantEntryType != "" && chunk.EntryType == wantEntryType {
		score += boostEntryTypeMatch
	}

	if tag == classify.TagError {
		for _, term := range troubleshootTerms {
			if strings.Contains(content, term) {
				score += boostTroubleshootTerm
				break
			}
		}
	}

	if len(keywords) > 0 {
		contentMatches := 0
		titleMatches := 0
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				contentMatches++
			}
			if strings.Contains(title, kw) {
				titleMatches++
			}
		}
		score += boostContentKeywords * float64(contentMatches) / float64(len(keywords))
		score += boostTitleKeywords * float64(titleMatches) / float64(len(keywords))
	}

	for _, bg := range bigrams {
		if strings.Contains(content, bg) {
			score += boostBigram
		}
	}

	words := len(strings.Fields(chunk.Content))
	if words > 0 && words < shortContentWords {
		score += boostShortContent
	} else if words > longContentWords {
		score -= penaltyLongContent
	}

	return clamp01(score)
}

// extractKeywords lowercases, splits, and drops stop words.
func extractKeywords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "?!.,;:'\"")
		if f == "" || rerankStopWords[f] {
			continue
		}
		keywords = append(keywords, f)
	}
	return keywords
}

// extractBigrams builds adjacent keyword pairs (window 2).
func extractBigrams(keywords []string) []string {
	if len(keywords) < 2 {
		return nil
	}
	bigrams := make([]string, 0, len(keywords)-1)
	for i := 0; i+1 < len(keywords); i++ {
		bigrams = append(bigrams, keywords[i]+" "+keywords[i+1])
	}
	return bigrams
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(hits []datatypes.KBChunk, max int) []datatypes.KBChunk {
	if len(hits) > max {
		return hits[:max]
	}
	return hits
}
