// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the agent service's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/HarborDesk/services/agent/handlers"
	"github.com/AleutianAI/HarborDesk/services/agent/middleware"
)

// SetupRoutes registers all routes. limiter may be nil to run without
// rate limiting (tests), scanner may be nil to skip sensitive-data
// screening; deps are the backends probed by /health.
func SetupRoutes(router *gin.Engine, pipeline handlers.QueryProcessor,
	sessions handlers.SessionEnder, scanner handlers.MessageScanner,
	limiter *middleware.RateLimiter, deps ...handlers.Dependency) {

	router.GET("/health", handlers.HealthCheck(deps...))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/agent")
	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	{
		api.POST("/test", handlers.HandleTestChat(pipeline, scanner))
		api.POST("/support", handlers.HandleSupportChat(pipeline, scanner))
		api.POST("/customer", handlers.HandleCustomerChat(pipeline, scanner))
		api.POST("/sessions/:sessionId/end", handlers.HandleEndSession(sessions))
	}
}
