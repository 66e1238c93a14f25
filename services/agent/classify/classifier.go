// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classify tags incoming queries with a coarse intent before any
// LLM is involved.
//
// The classifier is a pure function over ordered regex lists: the first
// matching tag wins with a fixed confidence, and anything unmatched falls
// through to the general tag. It runs in microseconds and its tag steers
// both the entry-type search filter and the reranker boosts, so the
// patterns are deliberately conservative.
package classify

import (
	"regexp"
	"strings"
)

// Tags produced by the classifier. They align with the entry types stored
// on KB chunks (howto ↔ how_to and so on); general applies no entry-type
// filter downstream.
const (
	TagGreeting   = "greeting"
	TagError      = "error"
	TagDefinition = "definition"
	TagHowTo      = "howto"
	TagWorkflow   = "workflow"
	TagGeneral    = "general"
)

// Confidence levels. A regex match is a strong signal but not certainty;
// the general fallthrough is a shrug.
const (
	matchConfidence       = 0.8
	fallthroughConfidence = 0.5
)

// Greeting patterns are anchored to the whole query so that
// "hi, what is a lease ledger?" does not classify as a greeting. An
// optional salutation suffix ("hi there", "good morning team") is allowed.
var greetingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(hi|hello|hey|yo|howdy)([ ,!.]*(there|team|all|everyone|folks))?[ !.?]*$`),
	regexp.MustCompile(`^good (morning|afternoon|evening)([ ,!.]*(there|team|all|everyone|folks))?[ !.?]*$`),
	regexp.MustCompile(`^(thanks|thank you|thx)[ !.]*$`),
}

// Ordered tag patterns. Error outranks everything so "what is this error"
// troubleshoots rather than defines; definition comes last among the
// specific tags so "what is the workflow for X" keeps its workflow tag.
// The definition patterns additionally exclude queries containing "error"
// outright.
var tagPatterns = []struct {
	tag      string
	patterns []*regexp.Regexp
}{
	{
		tag: TagError,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(error|failed|failure|broken|not working|doesn'?t work|won'?t|can'?t|cannot|unable to|issue|problem|bug|crash)\b`),
			regexp.MustCompile(`\b(fix|resolve|troubleshoot)\b`),
		},
	},
	{
		tag: TagHowTo,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`^how (do|can|to|would|should) `),
			regexp.MustCompile(`\b(steps? (to|for)|guide (to|for)|instructions? (to|for))\b`),
			regexp.MustCompile(`^(show|walk) me\b`),
		},
	},
	{
		tag: TagWorkflow,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(workflow|process for|procedure for|end.to.end|life.?cycle)\b`),
			regexp.MustCompile(`\bwhat (happens|comes) (after|next|before)\b`),
		},
	},
	{
		tag: TagDefinition,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`^what (is|are|does)\b`),
			regexp.MustCompile(`\b(what does .+ mean|meaning of|definition of|define)\b`),
			regexp.MustCompile(`\bexplain (what|the term)\b`),
		},
	},
}

// definitionErrorExclusion keeps troubleshooting questions out of the
// definition bucket even when they open with "what is".
var definitionErrorExclusion = regexp.MustCompile(`\berror\b`)

// Result is the classifier's verdict for one query.
type Result struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
}

// Classify tags a query with one of the closed intent set.
//
// # Description
//
// Normalises the query (lowercase, trimmed) and evaluates the greeting
// patterns first, then the ordered tag lists. The first match wins with
// confidence 0.8; an unmatched query returns general at 0.5.
//
// # Inputs
//
//   - query: Raw user text. May be empty.
//
// # Outputs
//
//   - Result: The winning tag and its confidence.
//
// # Example
//
//	r := classify.Classify("how do I upload photos")
//	// r.Tag == classify.TagHowTo, r.Confidence == 0.8
func Classify(query string) Result {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if normalized == "" {
		return Result{Tag: TagGeneral, Confidence: fallthroughConfidence}
	}

	for _, p := range greetingPatterns {
		if p.MatchString(normalized) {
			return Result{Tag: TagGreeting, Confidence: matchConfidence}
		}
	}

	for _, group := range tagPatterns {
		if group.tag == TagDefinition && definitionErrorExclusion.MatchString(normalized) {
			continue
		}
		for _, p := range group.patterns {
			if p.MatchString(normalized) {
				return Result{Tag: group.tag, Confidence: matchConfidence}
			}
		}
	}

	return Result{Tag: TagGeneral, Confidence: fallthroughConfidence}
}
