// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/handlers"
	"github.com/AleutianAI/HarborDesk/services/agent/middleware"
	"github.com/AleutianAI/HarborDesk/services/agent/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPipeline struct{}

func (stubPipeline) Process(ctx context.Context, req services.PipelineRequest) (*datatypes.ChatResponse, error) {
	resp := datatypes.NewChatResponse("s-1")
	resp.Response = "stub answer"
	return resp, nil
}

type stubEnder struct{}

func (stubEnder) EndSession(ctx context.Context, sessionID, agentID, reason string) error {
	return nil
}

func setupTestRouter() *gin.Engine {
	router := gin.New()
	SetupRoutes(router, stubPipeline{}, stubEnder{}, nil,
		middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		handlers.Dependency{Name: "cache", Ping: func(ctx context.Context) error { return nil }})
	return router
}

func TestSetupRoutes_Registered(t *testing.T) {
	router := setupTestRouter()

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/api/agent/test", `{"message":"hi"}`, http.StatusOK},
		{http.MethodPost, "/api/agent/support", `{"message":"hi"}`, http.StatusOK},
		{http.MethodPost, "/api/agent/customer", `{"message":"hi"}`, http.StatusOK},
		{http.MethodPost, "/api/agent/sessions/s-1/end", `{}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(tc.method, tc.path, bytes.NewBufferString(tc.body))
			if tc.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestSetupRoutes_UnknownRouteIs404(t *testing.T) {
	router := setupTestRouter()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/agent/nope", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_HealthBypassesRateLimit(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubPipeline{}, stubEnder{}, nil,
		middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerMinute: 60, Burst: 1}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/health", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
