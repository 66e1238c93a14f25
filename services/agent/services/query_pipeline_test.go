// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HarborDesk/services/agent/classify"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/escalate"
	"github.com/AleutianAI/HarborDesk/services/agent/generate"
	"github.com/AleutianAI/HarborDesk/services/agent/intel"
	"github.com/AleutianAI/HarborDesk/services/agent/memory"
	"github.com/AleutianAI/HarborDesk/services/agent/search"
	"github.com/AleutianAI/HarborDesk/services/agent/session"
	"github.com/AleutianAI/HarborDesk/services/llm"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeIntel struct {
	result      *datatypes.IntelResult
	calls       int
	lastRq      intel.Request
	sawDeadline bool
}

func (f *fakeIntel) Analyze(ctx context.Context, req intel.Request) (*datatypes.IntelResult, bool) {
	f.calls++
	f.lastRq = req
	_, f.sawDeadline = ctx.Deadline()
	if f.result != nil {
		return f.result, false
	}
	return &datatypes.IntelResult{
		Routing:       datatypes.RoutingFullRAG,
		EnhancedQuery: req.Query,
		Confidence:    0.8,
	}, false
}

type fakeRetriever struct {
	result *datatypes.RetrievalResult
	err    error
	calls  int
	lastRq search.Request
}

func (f *fakeRetriever) Execute(ctx context.Context, req search.Request) (*datatypes.RetrievalResult, error) {
	f.calls++
	f.lastRq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeExpander struct {
	expanded []datatypes.KBChunk
	calls    int
}

func (f *fakeExpander) Reconstruct(ctx context.Context, hits []datatypes.KBChunk, vector []float32, result *datatypes.RetrievalResult) []datatypes.KBChunk {
	f.calls++
	if f.expanded != nil {
		return f.expanded
	}
	return hits
}

type fakeAnswerer struct {
	answer      string
	err         error
	panics      bool
	calls       int
	lastRq      generate.Request
	sawDeadline bool

	// onGenerate runs before returning, standing in for the usage
	// callback a real generator fires.
	onGenerate func()
}

func (f *fakeAnswerer) Generate(ctx context.Context, req generate.Request) (string, error) {
	f.calls++
	f.lastRq = req
	_, f.sawDeadline = ctx.Deadline()
	if f.onGenerate != nil {
		f.onGenerate()
	}
	if f.panics {
		panic("template exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeAnswerer) Fallback() string {
	return "I'm sorry, I wasn't able to find an answer for that right now."
}

// detectorLLM drives the real escalation engine.
type detectorLLM struct{ reply string }

func (d *detectorLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{Content: d.reply, Model: "detector"}, nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	pipeline  *QueryPipeline
	intel     *fakeIntel
	retriever *fakeRetriever
	expander  *fakeExpander
	answerer  *fakeAnswerer
	sessions  *session.Manager
	analytics *session.AnalyticsBuffer
	costs     *session.CostMeter
	cache     memory.ConversationCache
}

func newHarness(t *testing.T, humanDetector string) *harness {
	t.Helper()
	cache, err := memory.NewLocalCache(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	analytics := session.NewAnalyticsBuffer()
	costs := session.NewCostMeter(nil)
	sessions := session.NewManager(cache, nil, analytics, costs, nil, session.Config{})

	h := &harness{
		intel:     &fakeIntel{},
		retriever: &fakeRetriever{result: &datatypes.RetrievalResult{}},
		expander:  &fakeExpander{},
		answerer:  &fakeAnswerer{answer: "Open the listing and click Add Photos."},
		sessions:  sessions,
		analytics: analytics,
		costs:     costs,
		cache:     cache,
	}
	h.pipeline = NewQueryPipeline(
		h.intel, h.retriever, h.expander, h.answerer,
		escalate.NewEngine(&detectorLLM{reply: humanDetector}, 0, nil),
		sessions, analytics, costs, nil, Config{})
	return h
}

func uploadChunk(index, total int, sim float64) datatypes.KBChunk {
	return datatypes.KBChunk{
		ChunkID:     "upload-" + string(rune('a'+index)),
		ParentID:    "upload-guide",
		Title:       "Upload Photos Guide",
		EntryType:   datatypes.EntryTypeHowTo,
		ChunkIndex:  index,
		TotalChunks: total,
		Content:     "Click Add Photos on the listing page.",
		Similarity:  sim,
		Score:       sim,
	}
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestPipeline_Greeting(t *testing.T) {
	h := newHarness(t, "No")

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "hi"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.Response, "Hello!"))
	assert.Equal(t, classify.TagGreeting, resp.QueryType)
	assert.Equal(t, 1.0, resp.Confidence)
	assert.Empty(t, resp.Sources)
	assert.False(t, resp.RequiresEscalation)

	// No retrieval and no LLM calls of any kind.
	assert.Zero(t, h.intel.calls)
	assert.Zero(t, h.retriever.calls)
	assert.Zero(t, h.answerer.calls)

	// Still committed: assistant turn and analytics record exist.
	assert.Equal(t, 1, h.analytics.Count(resp.SessionID))
	turns, err := h.cache.RecentTurns(context.Background(), resp.SessionID, 8)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, datatypes.RoleAssistant, turns[1].Role)
}

func TestPipeline_ComprehensiveHowTo(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits:   []datatypes.KBChunk{uploadChunk(1, 3, 0.85)},
		Vector: []float32{0.1},
		Attempts: []datatypes.SearchAttempt{
			{Stage: datatypes.SearchStagePrimary, Returned: 1, Kept: 1},
		},
	}
	h.expander.expanded = []datatypes.KBChunk{
		uploadChunk(0, 3, 0.85), uploadChunk(1, 3, 0.85), uploadChunk(2, 3, 0.85),
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)

	assert.Equal(t, classify.TagHowTo, resp.QueryType)
	assert.Equal(t, datatypes.RoutingFullRAG, resp.Routing)
	assert.Equal(t, 1, h.expander.calls, "comprehensive query expands the parent")
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, "Upload Photos Guide", resp.Sources[0].Title)
	assert.InDelta(t, 0.85, resp.Confidence, 1e-9)
	assert.False(t, resp.RequiresEscalation, "best similarity above the floor")
	assert.Equal(t, "Open the listing and click Add Photos.", resp.Response)
	assert.NotEmpty(t, resp.SearchAttempts)
}

func TestPipeline_SpecificStepSkipsReconstruction(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(2, 3, 0.82)},
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "what is step 3 of uploading photos"})
	require.NoError(t, err)

	assert.Zero(t, h.expander.calls, "step N queries keep only matched chunks")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "upload-c", resp.Sources[0].ChunkID)
}

func TestPipeline_AnswerFromContext(t *testing.T) {
	h := newHarness(t, "No")
	h.intel.result = &datatypes.IntelResult{
		IsFollowup:           true,
		CanAnswerFromContext: true,
		Routing:              datatypes.RoutingAnswerFromContext,
		EnhancedQuery:        "what should the user click to add photos",
		Confidence:           0.9,
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "can you remind me what to click"})
	require.NoError(t, err)

	assert.Zero(t, h.retriever.calls, "no vector search on the context branch")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "Conversation Context", resp.Sources[0].Title)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	assert.Equal(t, 1, h.answerer.calls)
	assert.Empty(t, h.answerer.lastRq.Hits, "generator gets an empty passages block")
}

func TestPipeline_NoResultsEscalatesImmediately(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Attempts: []datatypes.SearchAttempt{
			{Stage: datatypes.SearchStagePrimary},
			{Stage: datatypes.SearchStageNoFilter},
			{Stage: datatypes.SearchStageHowToToError},
		},
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I schedule a moon landing"})
	require.NoError(t, err)

	assert.True(t, resp.RequiresEscalation)
	require.NotNil(t, resp.Escalation)
	assert.Equal(t, datatypes.EscalationReasonNoResults, resp.Escalation.Reason)
	assert.Equal(t, datatypes.EscalationTypeImmediate, resp.Escalation.Type)
	assert.Contains(t, resp.Response, "support ticket")
}

func TestPipeline_UserRequestsHuman(t *testing.T) {
	h := newHarness(t, "Yes")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.95)},
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "please get me a human"})
	require.NoError(t, err)

	assert.True(t, resp.RequiresEscalation)
	assert.Equal(t, datatypes.EscalationReasonUserRequested, resp.Escalation.Reason)
	assert.Equal(t, escalate.HandoffLine, resp.Response,
		"retrieved answer is discarded from the visible response")
}

// =============================================================================
// Degradation and invariants
// =============================================================================

func TestPipeline_LowConfidenceAsksIfHelps(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.55)},
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)

	assert.True(t, resp.RequiresEscalation)
	assert.Equal(t, datatypes.EscalationReasonLowConfidence, resp.Escalation.Reason)
	assert.Contains(t, resp.Response, "Does this help")
}

func TestPipeline_ExactFloorNotEscalated(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.7)},
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)
	assert.False(t, resp.RequiresEscalation)
}

func TestPipeline_GeneratorFailureReturnsApology(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.9)},
	}
	h.answerer.err = datatypes.NewPipelineError(datatypes.KindTransientUpstream, "generate", context.DeadlineExceeded)

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)

	assert.Contains(t, resp.Response, "I'm sorry")
	assert.Zero(t, resp.Confidence)
	// Zero confidence trips the low-confidence escalation.
	assert.True(t, resp.RequiresEscalation)
	assert.Equal(t, datatypes.EscalationReasonLowConfidence, resp.Escalation.Reason)
}

func TestPipeline_PanicBecomesInternalErrorResponse(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.9)},
	}
	h.answerer.panics = true

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)

	assert.Contains(t, resp.Response, "Something went wrong")
	assert.Zero(t, resp.Confidence)
	assert.Empty(t, resp.Sources)

	// Still committed, with the failure recorded.
	records := h.analytics.Drain(resp.SessionID)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "panic")
}

func TestPipeline_CancellationCommitsNothing(t *testing.T) {
	h := newHarness(t, "No")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Process(ctx, PipelineRequest{Query: "how do I upload photos", SessionID: "s-cancel"})
	require.Error(t, err)
	assert.True(t, datatypes.IsCancelled(err))

	// The user turn stays; no assistant turn, no analytics record.
	assert.Zero(t, h.analytics.Count("s-cancel"))
	turns, cacheErr := h.cache.RecentTurns(context.Background(), "s-cancel", 8)
	require.NoError(t, cacheErr)
	for _, turn := range turns {
		assert.NotEqual(t, datatypes.RoleAssistant, turn.Role)
	}
}

func TestPipeline_AnalyticsPerAssistantTurn(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.9)},
	}

	first, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)
	_, err = h.pipeline.Process(context.Background(), PipelineRequest{
		Query: "how do I remove photos", SessionID: first.SessionID})
	require.NoError(t, err)

	assert.Equal(t, 2, h.analytics.Count(first.SessionID))

	turns, err := h.cache.RecentTurns(context.Background(), first.SessionID, 8)
	require.NoError(t, err)
	assistant := 0
	for _, turn := range turns {
		if turn.Role == datatypes.RoleAssistant {
			assistant++
		}
	}
	assert.Equal(t, assistant, h.analytics.Count(first.SessionID),
		"one analytics record per assistant turn")
}

func TestPipeline_TimingSumMatchesTotal(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.9)},
	}

	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)

	require.NotNil(t, resp.DebugMetrics)
	diff := resp.DebugMetrics.TotalMs - resp.DebugMetrics.Stages.Sum()
	assert.GreaterOrEqual(t, diff, int64(0))
	assert.Less(t, diff, int64(50), "stage timings account for the total")
}

func TestPipeline_TargetedSearchCarriesParentTitle(t *testing.T) {
	h := newHarness(t, "No")
	h.intel.result = &datatypes.IntelResult{
		Routing:           datatypes.RoutingSearchKBTargeted,
		MatchedRelatedDoc: "Upload Photos Guide",
		EnhancedQuery:     "photo upload steps",
		Confidence:        0.8,
	}
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.9)},
	}

	_, err := h.pipeline.Process(context.Background(), PipelineRequest{
		Query: "tell me more about that guide", UserClass: datatypes.UserClassExternal})
	require.NoError(t, err)

	assert.Equal(t, "Upload Photos Guide", h.retriever.lastRq.ParentTitle)
	assert.Equal(t, "photo upload steps", h.retriever.lastRq.Query)
	assert.Equal(t, datatypes.UserClassExternal, h.retriever.lastRq.UserClass)
}

func TestPipeline_LLMCallsCarryDeadlines(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.9)},
	}

	// The caller sets no deadline; the pipeline must bound each chat
	// call itself.
	resp, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, h.intel.sawDeadline, "intelligence call runs under a deadline")
	assert.True(t, h.answerer.sawDeadline, "generation call runs under a deadline")
}

func TestPipeline_RecordCostCoversOnlyOwnQuery(t *testing.T) {
	h := newHarness(t, "No")
	h.retriever.result = &datatypes.RetrievalResult{
		Hits: []datatypes.KBChunk{uploadChunk(0, 1, 0.9)},
	}

	h.answerer.onGenerate = func() {
		h.costs.RecordChat("s-cost", datatypes.OperationResponseGeneration, "gpt-4o-mini",
			llm.TokenUsage{PromptTokens: 1500, CompletionTokens: 500})
	}

	_, err := h.pipeline.Process(context.Background(), PipelineRequest{
		Query: "how do I upload photos", SessionID: "s-cost"})
	require.NoError(t, err)
	_, err = h.pipeline.Process(context.Background(), PipelineRequest{
		Query: "how do I remove photos", SessionID: "s-cost"})
	require.NoError(t, err)

	records := h.analytics.Drain("s-cost")
	require.Len(t, records, 2)
	assert.Equal(t, 2000, records[0].Cost.TotalTokens)
	assert.Equal(t, 2000, records[1].Cost.TotalTokens,
		"second record carries only its own call, not the running session total")
	assert.Equal(t, 4000, h.costs.Breakdown("s-cost").TotalTokens,
		"the session meter still holds everything for the archive")
}

func TestPipeline_RetrievedRelatedDocsReachNextQuery(t *testing.T) {
	h := newHarness(t, "No")
	hit := uploadChunk(0, 1, 0.9)
	hit.RelatedDocs = []string{"Photo Requirements"}
	h.retriever.result = &datatypes.RetrievalResult{Hits: []datatypes.KBChunk{hit}}

	first, err := h.pipeline.Process(context.Background(), PipelineRequest{Query: "how do I upload photos"})
	require.NoError(t, err)
	_, err = h.pipeline.Process(context.Background(), PipelineRequest{
		Query: "what about that requirements doc", SessionID: first.SessionID})
	require.NoError(t, err)

	assert.Contains(t, h.intel.lastRq.RelatedDocs, "Photo Requirements",
		"linked titles from retrieved chunks become follow-up targets")
	assert.Contains(t, h.intel.lastRq.RelatedDocs, "Upload Photos Guide",
		"cited source titles accumulate as before")
}
