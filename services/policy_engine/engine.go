// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy_engine screens inbound chat messages for sensitive data
// before they reach the query pipeline or the conversation store. The
// classification rules (payment cards, SSNs, banking details) are embedded
// in the binary via the enforcement package, so they cannot drift from the
// deployed build.
package policy_engine

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/HarborDesk/services/policy_engine/enforcement"
)

// PolicyEngine holds the compiled classification rules and scans message
// content against them. It is immutable after construction and safe for
// concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the embedded policy definitions, compiles every
// regex, and sorts the classifications from highest to lowest priority.
//
// Returns an error if the embedded YAML is malformed or contains an
// invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	var file ClassificationFile
	if err := yaml.Unmarshal(enforcement.DataClassificationPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded policy file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.SortByPriority()

	return &PolicyEngine{Classifiers: file.Classifications}, nil
}

// ClassifyData returns the name of the highest-priority classification
// that matches the data, or "public" when nothing matches. Used for quick
// labelling where per-match detail is not needed.
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, classifier := range e.Classifiers {
		for _, pattern := range classifier.Patterns {
			if pattern.compiled.Match(data) {
				return classifier.Name
			}
		}
	}
	return "public"
}

// ScanMessage audits a chat message line by line and returns every pattern
// hit with its location and confidence. An empty slice means the message
// is clean.
func (e *PolicyEngine) ScanMessage(content string) []Finding {
	var findings []Finding
	lines := strings.Split(content, "\n")
	for lineNum, line := range lines {
		for _, classifier := range e.Classifiers {
			for _, pattern := range classifier.Patterns {
				match := pattern.compiled.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, Finding{
					LineNumber:         lineNum + 1,
					MatchedContent:     strings.TrimSpace(match),
					ClassificationName: classifier.Name,
					PatternID:          pattern.ID,
					PatternDescription: pattern.Description,
					Confidence:         pattern.Confidence,
				})
			}
		}
	}
	return findings
}

// HasBlockingFinding reports whether any finding is high confidence.
// High-confidence hits block the message; lower confidence is logged only.
func HasBlockingFinding(findings []Finding) bool {
	for _, f := range findings {
		if f.Confidence == High {
			return true
		}
	}
	return false
}
