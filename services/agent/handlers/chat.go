// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the agent service: the
// three audience-scoped chat endpoints, session administration, and the
// health probe.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/HarborDesk/pkg/validation"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/services"
	"github.com/AleutianAI/HarborDesk/services/policy_engine"
)

var chatTracer = otel.Tracer("harbordesk.agent.handlers")

// statusClientClosedRequest is the nginx convention for a caller that
// disconnected before the response was ready.
const statusClientClosedRequest = 499

// QueryProcessor is the pipeline surface the chat handlers need.
type QueryProcessor interface {
	Process(ctx context.Context, req services.PipelineRequest) (*datatypes.ChatResponse, error)
}

// MessageScanner screens a message for sensitive data before the pipeline
// sees it. A nil scanner disables screening.
type MessageScanner interface {
	ScanMessage(content string) []policy_engine.Finding
}

// HandleTestChat serves the internal test endpoint: the full response
// payload including routing internals and the debug block.
func HandleTestChat(pipeline QueryProcessor, scanner MessageScanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, ok := runChat(c, pipeline, scanner, "")
		if !ok {
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleSupportChat serves support agents: internal-audience retrieval,
// clean citations, no routing internals.
func HandleSupportChat(pipeline QueryProcessor, scanner MessageScanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, ok := runChat(c, pipeline, scanner, datatypes.UserClassInternal)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, resp.SupportView())
	}
}

// HandleCustomerChat serves end customers: external-audience retrieval
// and the minimal answer-plus-escalation payload.
func HandleCustomerChat(pipeline QueryProcessor, scanner MessageScanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, ok := runChat(c, pipeline, scanner, datatypes.UserClassExternal)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, resp.CustomerView())
	}
}

// runChat binds and validates the request, screens it for sensitive data,
// runs the pipeline, and writes the error statuses. Returns ok=false when
// a response was already written.
func runChat(c *gin.Context, pipeline QueryProcessor, scanner MessageScanner, userClass string) (*datatypes.ChatResponse, bool) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse the chat request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Chat request failed validation", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required and must be under 32KB"})
		return nil, false
	}
	if req.SessionID != "" {
		id, err := validation.SanitizeSessionID(req.SessionID)
		if err != nil {
			slog.Warn("Rejecting malformed session id", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return nil, false
		}
		req.SessionID = id
	}

	if scanner != nil {
		findings := scanner.ScanMessage(req.Message)
		if policy_engine.HasBlockingFinding(findings) {
			slog.Warn("Blocking a message with sensitive data",
				"session_id", req.SessionID, "findings", len(findings),
				"classification", findings[0].ClassificationName)
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "sensitive_data",
				"message": "Your message appears to include sensitive data such as a card or account number. Please remove it and send again.",
			})
			return nil, false
		}
		if len(findings) > 0 {
			slog.Warn("Message carries possible sensitive data",
				"session_id", req.SessionID, "pattern", findings[0].PatternID)
		}
	}

	resp, err := pipeline.Process(ctx, services.PipelineRequest{
		Query:     req.Message,
		SessionID: req.SessionID,
		UserInfo:  req.UserInfo,
		UserClass: userClass,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if datatypes.IsCancelled(err) {
			c.AbortWithStatus(statusClientClosedRequest)
			return nil, false
		}
		slog.Error("Query pipeline failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Error:   "pipeline_failure",
			Type:    string(datatypes.Kind(err)),
			Message: "We couldn't answer that right now. Please try again in a moment.",
		})
		return nil, false
	}
	return resp, true
}
