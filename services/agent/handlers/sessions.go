// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HarborDesk/pkg/validation"
	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/session"
)

// SessionEnder is the manager surface the end-session handler needs.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID, agentID, reason string) error
}

// EndSessionRequest is the body for the explicit end-session call.
type EndSessionRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

var validEndReasons = map[string]bool{
	datatypes.EndReasonUserEnded:  true,
	datatypes.EndReasonInactivity: true,
	datatypes.EndReasonMaxAge:     true,
	datatypes.EndReasonShutdown:   true,
}

// HandleEndSession ends a session on request: summarize, archive, and
// tear down. An unknown or missing reason is recorded as user_ended.
func HandleEndSession(sessions SessionEnder) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := validation.SanitizeSessionID(c.Param("sessionId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		// The body is optional; an absent body ends with the defaults.
		var req EndSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		reason := req.Reason
		if !validEndReasons[reason] {
			reason = datatypes.EndReasonUserEnded
		}

		slog.Info("Ending session on request",
			"session_id", sessionID, "agent_id", req.AgentID, "reason", reason)

		if err := sessions.EndSession(c.Request.Context(), sessionID, req.AgentID, reason); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Ending session failed", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
				Error:   "end_session_failure",
				Type:    string(datatypes.Kind(err)),
				Message: "We couldn't close that session. Please try again in a moment.",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ended", "session_id": sessionID, "reason": reason})
	}
}
