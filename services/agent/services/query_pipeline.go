// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services contains the query pipeline: the per-query state
// machine that sequences classification, routing, retrieval, generation,
// and escalation, and commits the outcome to the session.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/HarborDesk/services/agent/classify"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/escalate"
	"github.com/AleutianAI/HarborDesk/services/agent/generate"
	"github.com/AleutianAI/HarborDesk/services/agent/intel"
	"github.com/AleutianAI/HarborDesk/services/agent/observability"
	"github.com/AleutianAI/HarborDesk/services/agent/search"
	"github.com/AleutianAI/HarborDesk/services/agent/session"
)

var tracer = otel.Tracer("harbordesk.agent.services")

// Canned responses.
const (
	greetingResponse = "Hello! How can I help you with HarborDesk today?"

	internalErrorResponse = "Something went wrong on our side while answering that. " +
		"Please try again in a moment."

	// contextSourceTitle is the synthetic citation for answers produced
	// from conversation context alone.
	contextSourceTitle = "Conversation Context"

	// contextAnswerConfidence is the fixed confidence of context-only
	// answers; high enough to skip escalation, below a strong retrieval.
	contextAnswerConfidence = 0.9
)

// chatCallTimeout bounds each LLM chat call (intelligence, generation,
// escalation detection). On expiry the stage takes its degraded path
// instead of holding the request open.
const chatCallTimeout = 30 * time.Second

// Collaborator seams. The composition root passes the real intel, search,
// generate, and escalate components; tests inject fakes.
type (
	intelligence interface {
		Analyze(ctx context.Context, req intel.Request) (*datatypes.IntelResult, bool)
	}
	retriever interface {
		Execute(ctx context.Context, req search.Request) (*datatypes.RetrievalResult, error)
	}
	expander interface {
		Reconstruct(ctx context.Context, hits []datatypes.KBChunk, vector []float32, result *datatypes.RetrievalResult) []datatypes.KBChunk
	}
	answerer interface {
		Generate(ctx context.Context, req generate.Request) (string, error)
		Fallback() string
	}
	escalator interface {
		Decide(ctx context.Context, in escalate.Input) datatypes.EscalationResult
	}
)

// PipelineRequest is one query entering the pipeline.
type PipelineRequest struct {
	Query     string
	SessionID string
	UserInfo  map[string]interface{}

	// UserClass scopes retrieval by audience; empty means unscoped (the
	// test endpoint).
	UserClass string
}

// Config are the pipeline knobs.
type Config struct {
	MaxResults      int
	ConfidenceFloor float64
}

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = search.DefaultMaxResults
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = escalate.DefaultConfidenceFloor
	}
}

// QueryPipeline is the per-query orchestrator.
//
// # Description
//
// Process runs the stages in order: ingest, classify, intelligence,
// retrieval branch, parent reconstruction, rerank, generate, escalate,
// commit. Each stage is timed and wrapped in a span. Stage failures
// degrade per their contract (fallback routing, empty hits, apology
// answer); only caller cancellation aborts the query without committing.
//
// # Thread Safety
//
// QueryPipeline is safe for concurrent use; per-session ordering comes
// from the session manager's locks.
type QueryPipeline struct {
	intel     intelligence
	search    retriever
	parents   expander
	generator answerer
	escalator escalator
	sessions  *session.Manager
	analytics *session.AnalyticsBuffer
	costs     *session.CostMeter
	metrics   *observability.Metrics
	config    Config
}

// NewQueryPipeline wires the pipeline. metrics may be nil.
func NewQueryPipeline(
	intelligence intelligence,
	retriever retriever,
	parents expander,
	generator answerer,
	escalator escalator,
	sessions *session.Manager,
	analytics *session.AnalyticsBuffer,
	costs *session.CostMeter,
	metrics *observability.Metrics,
	config Config,
) *QueryPipeline {
	config.EnsureDefaults()
	return &QueryPipeline{
		intel:     intelligence,
		search:    retriever,
		parents:   parents,
		generator: generator,
		escalator: escalator,
		sessions:  sessions,
		analytics: analytics,
		costs:     costs,
		metrics:   metrics,
		config:    config,
	}
}

// queryState accumulates per-query working data across stages.
type queryState struct {
	resp      *datatypes.ChatResponse
	record    *datatypes.QueryRecord
	timings   datatypes.StageTimings
	startedAt time.Time

	sessionID string
	costStart int
	query     string
	tag       string
	context   *datatypes.SessionContext
	intel     *datatypes.IntelResult
	retrieval *datatypes.RetrievalResult
	hits      []datatypes.KBChunk
	rawAnswer string
	decision  datatypes.EscalationResult
}

// Process answers one query.
//
// # Outputs
//
//   - *datatypes.ChatResponse: The full response payload; never nil on a
//     nil error.
//   - error: Non-nil only for caller cancellation (nothing committed) or
//     an unknown session state; stage failures are absorbed into the
//     response per the degradation contract.
func (p *QueryPipeline) Process(ctx context.Context, req PipelineRequest) (resp *datatypes.ChatResponse, err error) {
	ctx, span := tracer.Start(ctx, "QueryPipeline.Process")
	defer span.End()

	sess := p.sessions.GetOrCreateSession(req.SessionID, req.UserInfo)
	p.metrics.SetActiveSessions(p.sessions.ActiveCount())

	st := &queryState{
		resp:      datatypes.NewChatResponse(sess.ID),
		record:    datatypes.NewQueryRecord(req.Query),
		startedAt: time.Now(),
		sessionID: sess.ID,
		costStart: p.costs.EntryCount(sess.ID),
		query:     req.Query,
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	// An uncaught stage panic becomes a terminal internal-error response,
	// still committed so the analytics record carries the failure.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pipeline panicked", "session_id", sess.ID, "panic", r)
			p.metrics.CountError(string(datatypes.KindInternal))
			st.resp.Response = internalErrorResponse
			st.resp.Confidence = 0
			st.resp.Sources = []datatypes.Source{}
			st.record.Error = fmt.Sprintf("panic: %v", r)
			if ctx.Err() == nil {
				p.commit(ctx, st)
			}
			resp, err = st.resp, nil
		}
	}()

	// Ingest. The user turn stays appended even if the caller later
	// cancels; the conversation saw the question.
	if err := p.sessions.AddMessage(ctx, sess.ID, datatypes.RoleUser, req.Query, nil); err != nil {
		if datatypes.IsCancelled(err) || ctx.Err() != nil {
			return nil, datatypes.NewPipelineError(datatypes.KindCancelled, "ingest", ctx.Err())
		}
		slog.Error("Appending user turn failed", "session_id", sess.ID, "error", err)
	}

	// Classify.
	p.stage(ctx, st, "classify", &st.timings.ClassifyMs, func(ctx context.Context) {
		result := classify.Classify(req.Query)
		st.tag = result.Tag
		st.resp.QueryType = result.Tag
		st.resp.ClassificationConfidence = result.Confidence
		st.record.QueryType = result.Tag
		st.record.ClassifierConfidence = result.Confidence
	})

	if st.tag == classify.TagGreeting {
		return p.finishGreeting(ctx, st)
	}

	// Intelligence.
	p.stage(ctx, st, "intelligence", &st.timings.IntelMs, func(ctx context.Context) {
		sessionContext, err := p.sessions.ContextForLLM(ctx, sess.ID)
		if err != nil {
			slog.Warn("Context assembly failed, continuing without history",
				"session_id", sess.ID, "error", err)
			sessionContext = &datatypes.SessionContext{}
		}
		st.context = sessionContext

		callCtx, cancel := context.WithTimeout(ctx, chatCallTimeout)
		defer cancel()
		result, _ := p.intel.Analyze(callCtx, intel.Request{
			Query:         req.Query,
			SessionID:     sess.ID,
			ClassifierTag: st.tag,
			Context:       sessionContext.Formatted,
			RelatedDocs:   sessionContext.RelatedDocs,
		})
		st.intel = result
		st.resp.Routing = result.Routing
		st.resp.EnhancedQuery = result.EnhancedQuery
		st.resp.QueryMetadata = result.Metadata()
		st.record.Routing = result.Routing
		st.record.EnhancedQuery = result.EnhancedQuery
		st.record.Category = result.Category
		st.record.Intent = result.Intent
		st.record.Tags = result.Tags
	})

	if err := ctx.Err(); err != nil {
		return nil, p.abandon(st, "intelligence", err)
	}

	// Retrieval branch.
	if st.intel.Routing == datatypes.RoutingAnswerFromContext {
		st.resp.Confidence = contextAnswerConfidence
		st.resp.Sources = []datatypes.Source{{
			Title:      contextSourceTitle,
			Confidence: contextAnswerConfidence,
		}}
	} else {
		p.retrieve(ctx, st, req.UserClass)
		if err := ctx.Err(); err != nil {
			return nil, p.abandon(st, "search", err)
		}
	}

	// Generate.
	p.stage(ctx, st, "generate", &st.timings.GenerateMs, func(ctx context.Context) {
		callCtx, cancel := context.WithTimeout(ctx, chatCallTimeout)
		defer cancel()
		answer, err := p.generator.Generate(callCtx, generate.Request{
			Query:     req.Query,
			SessionID: sess.ID,
			Context:   st.context.Formatted,
			Hits:      st.hits,
		})
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Generation failed, using fallback answer",
					"session_id", sess.ID, "error", err)
				p.metrics.CountError(string(datatypes.Kind(err)))
				st.record.Error = err.Error()
			}
			answer = p.generator.Fallback()
			st.resp.Confidence = 0
		}
		st.rawAnswer = answer
	})
	st.record.GenerateMs = st.timings.GenerateMs

	if err := ctx.Err(); err != nil {
		return nil, p.abandon(st, "generate", err)
	}

	// Escalate.
	p.stage(ctx, st, "escalate", &st.timings.EscalateMs, func(ctx context.Context) {
		callCtx, cancel := context.WithTimeout(ctx, chatCallTimeout)
		defer cancel()
		st.decision = p.escalator.Decide(callCtx, escalate.Input{
			Query:          req.Query,
			SessionID:      sess.ID,
			HitCount:       len(st.resp.Sources),
			BestConfidence: st.resp.Confidence,
			RecentTurns:    st.context.Recent,
		})
		st.resp.Response = escalate.Shape(st.rawAnswer, st.decision)
		st.resp.RequiresEscalation = st.decision.ShouldEscalate
		st.resp.Escalation = &st.decision
		st.record.Escalated = st.decision.ShouldEscalate
		st.record.EscalationReason = st.decision.Reason
		st.record.EscalationType = st.decision.Type
		if st.decision.ShouldEscalate {
			p.metrics.CountEscalation(st.decision.Reason)
		}
	})

	if err := ctx.Err(); err != nil {
		return nil, p.abandon(st, "escalate", err)
	}

	p.commit(ctx, st)
	p.metrics.CountQuery(st.tag, st.resp.Routing)
	return st.resp, nil
}

// retrieve runs the search strategy, parent reconstruction, and reranking.
func (p *QueryPipeline) retrieve(ctx context.Context, st *queryState, userClass string) {
	searchReq := search.Request{
		Query:     st.intel.EnhancedQuery,
		SessionID: st.sessionID,
		Tag:       st.tag,
		UserClass: userClass,
	}
	if st.intel.Routing == datatypes.RoutingSearchKBTargeted {
		searchReq.ParentTitle = st.intel.MatchedRelatedDoc
	}

	p.stage(ctx, st, "search", &st.timings.SearchMs, func(ctx context.Context) {
		retrieval, err := p.search.Execute(ctx, searchReq)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Retrieval failed", "session_id", st.sessionID, "error", err)
				p.metrics.CountError(string(datatypes.Kind(err)))
				st.record.Error = err.Error()
			}
			retrieval = &datatypes.RetrievalResult{}
		}
		st.retrieval = retrieval
		st.hits = retrieval.Hits

		if len(st.hits) > 0 && search.NeedsFullContext(st.query) {
			st.hits = p.parents.Reconstruct(ctx, st.hits, retrieval.Vector, retrieval)
		}
	})

	p.stage(ctx, st, "rerank", &st.timings.RerankMs, func(ctx context.Context) {
		st.hits = search.Rerank(st.query, st.tag, st.hits, p.config.MaxResults)
	})

	st.timings.EmbedMs = st.retrieval.EmbedMs
	st.resp.SearchAttempts = st.retrieval.Attempts
	st.record.Search = &datatypes.SearchStats{
		Attempts:  st.retrieval.Attempts,
		Returned:  len(st.hits),
		Threshold: p.config.ConfidenceFloor,
		EmbedMs:   st.retrieval.EmbedMs,
		SearchMs:  st.retrieval.SearchMs,
		RerankMs:  st.timings.RerankMs,
	}

	sources := make([]datatypes.Source, 0, len(st.hits))
	chunks := make([]string, 0, len(st.hits))
	best := 0.0
	for _, hit := range st.hits {
		sources = append(sources, hit.AsSource())
		chunks = append(chunks, hit.ID())
		if hit.Similarity > best {
			best = hit.Similarity
		}
	}
	st.resp.Sources = sources
	st.resp.Confidence = best
	st.record.Chunks = chunks
}

// finishGreeting answers a greeting without retrieval or LLM calls.
func (p *QueryPipeline) finishGreeting(ctx context.Context, st *queryState) (*datatypes.ChatResponse, error) {
	st.resp.Response = greetingResponse
	st.resp.Confidence = 1.0
	st.resp.Routing = ""
	st.decision = datatypes.NoEscalation()
	st.resp.Escalation = &st.decision

	if err := ctx.Err(); err != nil {
		return nil, p.abandon(st, "greeting", err)
	}
	p.commit(ctx, st)
	p.metrics.CountQuery(st.tag, "none")
	return st.resp, nil
}

// commit appends the assistant turn, pushes the analytics record, and
// finalises timers and cost.
func (p *QueryPipeline) commit(ctx context.Context, st *queryState) {
	p.stage(ctx, st, "commit", &st.timings.CommitMs, func(ctx context.Context) {
		// Only this query's entries; the session total is reported at
		// archive time.
		cost := p.costs.BreakdownSince(st.sessionID, st.costStart)

		var related []string
		for _, hit := range st.hits {
			related = append(related, hit.RelatedDocs...)
		}
		if len(related) > 0 {
			p.sessions.NoteRelatedDocs(st.sessionID, related)
		}

		titles := make([]string, 0, len(st.resp.Sources))
		for _, s := range st.resp.Sources {
			titles = append(titles, s.Title)
		}
		metadata := &datatypes.TurnMetadata{
			Confidence: st.resp.Confidence,
			Sources:    titles,
			QueryType:  st.tag,
			CostUSD:    cost.TotalUSD,
			Error:      st.record.Error,
		}
		if err := p.sessions.AddMessage(ctx, st.sessionID, datatypes.RoleAssistant, st.resp.Response, metadata); err != nil {
			slog.Error("Appending assistant turn failed", "session_id", st.sessionID, "error", err)
		}

		st.record.ResponseConfidence = st.resp.Confidence
		st.record.Cost = cost
		st.record.TotalMs = time.Since(st.startedAt).Milliseconds()
		p.analytics.Push(st.sessionID, st.record)
	})

	st.resp.DebugMetrics = &datatypes.DebugMetrics{
		Stages:  st.timings,
		TotalMs: time.Since(st.startedAt).Milliseconds(),
		Cost:    st.record.Cost,
		Error:   st.record.Error,
	}
}

// abandon handles caller cancellation: no assistant turn, no analytics
// record; cost entries already metered stay attributed to the session.
func (p *QueryPipeline) abandon(st *queryState, stage string, cause error) error {
	slog.Info("Query cancelled by caller", "session_id", st.sessionID, "stage", stage)
	p.metrics.CountError(string(datatypes.KindCancelled))
	return datatypes.NewPipelineError(datatypes.KindCancelled, stage, cause)
}

// stage times one stage and wraps it in a child span.
func (p *QueryPipeline) stage(ctx context.Context, st *queryState, name string, out *int64, fn func(ctx context.Context)) {
	ctx, span := tracer.Start(ctx, "stage."+name,
		trace.WithAttributes(attribute.String("pipeline.stage", name)))
	defer span.End()

	start := time.Now()
	fn(ctx)
	elapsed := time.Since(start)
	*out = elapsed.Milliseconds()
	p.metrics.ObserveStage(name, elapsed)
}
