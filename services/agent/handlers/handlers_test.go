// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/services"
	"github.com/AleutianAI/HarborDesk/services/agent/session"
	"github.com/AleutianAI/HarborDesk/services/policy_engine"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type fakePipeline struct {
	resp   *datatypes.ChatResponse
	err    error
	lastRq services.PipelineRequest
}

func (f *fakePipeline) Process(ctx context.Context, req services.PipelineRequest) (*datatypes.ChatResponse, error) {
	f.lastRq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeEnder struct {
	err        error
	lastID     string
	lastAgent  string
	lastReason string
}

func (f *fakeEnder) EndSession(ctx context.Context, sessionID, agentID, reason string) error {
	f.lastID = sessionID
	f.lastAgent = agentID
	f.lastReason = reason
	return f.err
}

func fullResponse() *datatypes.ChatResponse {
	resp := datatypes.NewChatResponse("s-1")
	resp.Response = "Open the listing and click Add Photos."
	resp.Confidence = 0.85
	resp.QueryType = "howto"
	resp.Routing = datatypes.RoutingFullRAG
	resp.Sources = []datatypes.Source{{
		Title: "Upload Photos Guide", EntryType: "how_to",
		Confidence: 0.85, ChunkID: "upload-a", Similarity: 0.85,
	}}
	resp.DebugMetrics = &datatypes.DebugMetrics{TotalMs: 120}
	return resp
}

func postChat(t *testing.T, handler gin.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.POST("/chat", handler)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Chat handler tests
// =============================================================================

func TestHandleTestChat_FullPayload(t *testing.T) {
	pipeline := &fakePipeline{resp: fullResponse()}
	w := postChat(t, HandleTestChat(pipeline, nil), `{"message":"how do I upload photos"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var got datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "upload-a", got.Sources[0].ChunkID, "test view keeps chunk ids")
	assert.NotNil(t, got.DebugMetrics)
	assert.Empty(t, pipeline.lastRq.UserClass, "test endpoint is unscoped")
}

func TestHandleSupportChat_CleanCitations(t *testing.T) {
	pipeline := &fakePipeline{resp: fullResponse()}
	w := postChat(t, HandleSupportChat(pipeline, nil), `{"message":"how do I upload photos"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, datatypes.UserClassInternal, pipeline.lastRq.UserClass)
	assert.NotContains(t, w.Body.String(), "chunk_id")
	assert.NotContains(t, w.Body.String(), "debug_metrics")
	assert.Contains(t, got, "confidence")
}

func TestHandleCustomerChat_MinimalPayload(t *testing.T) {
	pipeline := &fakePipeline{resp: fullResponse()}
	w := postChat(t, HandleCustomerChat(pipeline, nil), `{"message":"how do I upload photos"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datatypes.UserClassExternal, pipeline.lastRq.UserClass)
	assert.NotContains(t, w.Body.String(), "sources")
	assert.NotContains(t, w.Body.String(), "confidence")
	assert.Contains(t, w.Body.String(), "requires_escalation")
}

func TestHandleChat_BadBody(t *testing.T) {
	w := postChat(t, HandleTestChat(&fakePipeline{resp: fullResponse()}, nil), `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_MissingMessage(t *testing.T) {
	w := postChat(t, HandleTestChat(&fakePipeline{resp: fullResponse()}, nil), `{"session_id":"s-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_OversizeMessage(t *testing.T) {
	big := strings.Repeat("a", datatypes.MaxMessageContentBytes+1)
	w := postChat(t, HandleTestChat(&fakePipeline{resp: fullResponse()}, nil),
		`{"message":"`+big+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_MalformedSessionID(t *testing.T) {
	w := postChat(t, HandleTestChat(&fakePipeline{resp: fullResponse()}, nil),
		`{"message":"hello","session_id":"bad id; drop"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_PipelineFailureIsCivil(t *testing.T) {
	pipeline := &fakePipeline{err: datatypes.NewPipelineError(
		datatypes.KindInternal, "commit", errors.New("pgx: connection refused"))}
	w := postChat(t, HandleTestChat(pipeline, nil), `{"message":"hello there"}`)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var got datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotContains(t, got.Message, "pgx", "internal detail stays in logs")
	assert.Equal(t, string(datatypes.KindInternal), got.Type)
}

func TestHandleChat_CancellationIs499(t *testing.T) {
	pipeline := &fakePipeline{err: datatypes.NewPipelineError(
		datatypes.KindCancelled, "generate", context.Canceled)}
	w := postChat(t, HandleTestChat(pipeline, nil), `{"message":"hello there"}`)
	assert.Equal(t, statusClientClosedRequest, w.Code)
}

func TestHandleChat_SensitiveDataIsBlocked(t *testing.T) {
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	pipeline := &fakePipeline{resp: fullResponse()}

	w := postChat(t, HandleCustomerChat(pipeline, engine),
		`{"message":"my card is 4111 1111 1111 1111, please charge it"}`)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "sensitive data")
	assert.Empty(t, pipeline.lastRq.Query, "blocked message never reaches the pipeline")
}

func TestHandleChat_LowConfidenceFindingPassesThrough(t *testing.T) {
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	pipeline := &fakePipeline{resp: fullResponse()}

	// An unlabelled IBAN is a medium-confidence hit: logged, not blocked.
	w := postChat(t, HandleCustomerChat(pipeline, engine),
		`{"message":"send it to DE89370400440532013000 please"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, pipeline.lastRq.Query)
}

// =============================================================================
// End-session handler tests
// =============================================================================

func endSession(t *testing.T, ender SessionEnder, id, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.POST("/sessions/:sessionId/end", HandleEndSession(ender))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/sessions/"+id+"/end", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleEndSession_OK(t *testing.T) {
	ender := &fakeEnder{}
	w := endSession(t, ender, "s-1", `{"agent_id":"agent-7","reason":"user_ended"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s-1", ender.lastID)
	assert.Equal(t, "agent-7", ender.lastAgent, "body agent id reaches the manager")
	assert.Equal(t, datatypes.EndReasonUserEnded, ender.lastReason)
}

func TestHandleEndSession_UnknownReasonDefaults(t *testing.T) {
	ender := &fakeEnder{}
	w := endSession(t, ender, "s-1", `{"reason":"because"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, datatypes.EndReasonUserEnded, ender.lastReason)
	assert.Empty(t, ender.lastAgent, "absent agent id stays empty for the configured fallback")
}

func TestHandleEndSession_NotFound(t *testing.T) {
	ender := &fakeEnder{err: session.ErrSessionNotFound}
	w := endSession(t, ender, "s-missing", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Health handler tests
// =============================================================================

func getHealth(t *testing.T, deps ...Dependency) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.GET("/health", HealthCheck(deps...))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)
	return w
}

type healthBody struct {
	Status       string `json:"status"`
	Dependencies map[string]struct {
		Status    string `json:"status"`
		LatencyMs *int64 `json:"latency_ms"`
		Error     string `json:"error"`
	} `json:"dependencies"`
}

func TestHealthCheck_AllHealthy(t *testing.T) {
	w := getHealth(t,
		Dependency{Name: "redis", Ping: func(ctx context.Context) error { return nil }},
		Dependency{Name: "weaviate", Critical: true, Ping: func(ctx context.Context) error { return nil }},
	)

	require.Equal(t, http.StatusOK, w.Code)
	var got healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, "ok", got.Dependencies["redis"].Status)
	require.NotNil(t, got.Dependencies["redis"].LatencyMs, "every probe reports its latency")
}

func TestHealthCheck_NonCriticalFailureDegrades(t *testing.T) {
	w := getHealth(t,
		Dependency{Name: "redis", Ping: func(ctx context.Context) error { return nil }},
		Dependency{Name: "postgres", Ping: func(ctx context.Context) error {
			return errors.New("connection refused")
		}},
	)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var got healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, "ok", got.Dependencies["redis"].Status, "healthy deps still report ok")
	assert.Equal(t, "failed", got.Dependencies["postgres"].Status)
	assert.Contains(t, got.Dependencies["postgres"].Error, "connection refused")
}

func TestHealthCheck_CriticalFailureIsDown(t *testing.T) {
	w := getHealth(t,
		Dependency{Name: "llm_chat", Critical: true, Ping: func(ctx context.Context) error {
			return errors.New("dial tcp: connect: connection refused")
		}},
		Dependency{Name: "cache", Ping: func(ctx context.Context) error { return nil }},
	)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var got healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "down", got.Status)
	assert.Equal(t, "failed", got.Dependencies["llm_chat"].Status)
}

func TestHealthCheck_NoDependencies(t *testing.T) {
	w := getHealth(t)
	assert.Equal(t, http.StatusOK, w.Code)
}
