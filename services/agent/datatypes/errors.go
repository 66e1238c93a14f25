// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies pipeline failures for propagation policy decisions.
// Handlers map kinds to HTTP statuses; the pipeline maps them to stage
// fallbacks.
type ErrorKind string

const (
	// KindTransientUpstream marks timeouts and 5xx responses from the
	// cache, LLM, or vector store. Retryable in principle.
	KindTransientUpstream ErrorKind = "transient_upstream"

	// KindPermanentUpstream marks auth failures and non-429 4xx responses.
	// Retrying will not help.
	KindPermanentUpstream ErrorKind = "permanent_upstream"

	// KindMalformedLLMOutput marks unparseable JSON from the intelligence
	// or summariser calls. Handled by local fallbacks.
	KindMalformedLLMOutput ErrorKind = "malformed_llm_output"

	// KindEmptyRetrieval marks zero hits after the full fallback chain.
	KindEmptyRetrieval ErrorKind = "empty_retrieval"

	// KindRateLimited marks callers that exceeded their quota. Never
	// enters the pipeline; the middleware answers 429 directly.
	KindRateLimited ErrorKind = "rate_limited"

	// KindCancelled marks queries abandoned by their caller.
	KindCancelled ErrorKind = "cancelled_by_caller"

	// KindInternal marks unexpected failures.
	KindInternal ErrorKind = "internal"
)

// PipelineError is a classified error flowing through the query pipeline.
//
// Stage identifies where the failure occurred ("embedding", "search",
// "generate", ...). The wrapped error keeps the upstream detail for logs;
// user-visible messages never include it.
type PipelineError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with a kind and stage tag.
func NewPipelineError(kind ErrorKind, stage string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// Kind classifies an arbitrary error. Context cancellation and deadline
// expiry map to their kinds even when unwrapped; everything else that is
// not a PipelineError is KindInternal.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientUpstream
	}
	return KindInternal
}

// IsTransientUpstream reports whether err classifies as a transient
// upstream failure.
func IsTransientUpstream(err error) bool {
	return Kind(err) == KindTransientUpstream
}

// IsEmptyRetrieval reports whether err classifies as an empty retrieval.
func IsEmptyRetrieval(err error) bool {
	return Kind(err) == KindEmptyRetrieval
}

// IsCancelled reports whether err classifies as caller cancellation.
func IsCancelled(err error) bool {
	return Kind(err) == KindCancelled
}

// IsMalformedLLMOutput reports whether err classifies as unparseable LLM
// output.
func IsMalformedLLMOutput(err error) bool {
	return Kind(err) == KindMalformedLLMOutput
}
