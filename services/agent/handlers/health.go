// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds each dependency check so a hung backend cannot
// stall the health endpoint.
const probeTimeout = 2 * time.Second

// Dependency is one probed backend. Critical backends take the service
// down when they fail; the rest only degrade it.
type Dependency struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// probeReport is one dependency's entry in the health body.
type probeReport struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheck probes all dependencies concurrently and reports
// per-dependency status and probe latency. Overall status is healthy
// (200) when every probe passes, down (503) when a critical dependency
// fails, and degraded (503) when only non-critical ones do.
func HealthCheck(deps ...Dependency) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		reports := make([]probeReport, len(deps))
		g, ctx := errgroup.WithContext(ctx)
		for i, dep := range deps {
			g.Go(func() error {
				start := time.Now()
				err := dep.Ping(ctx)
				reports[i] = probeReport{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
				if err != nil {
					reports[i].Status = "failed"
					reports[i].Error = err.Error()
				}
				// Probe failures degrade the report, they never cancel
				// the sibling probes.
				return nil
			})
		}
		_ = g.Wait()

		var anyFailed, criticalFailed bool
		detail := make(map[string]probeReport, len(deps))
		for i, dep := range deps {
			detail[dep.Name] = reports[i]
			if reports[i].Status != "ok" {
				anyFailed = true
				if dep.Critical {
					criticalFailed = true
				}
			}
		}

		status, overall := http.StatusOK, "healthy"
		switch {
		case criticalFailed:
			status, overall = http.StatusServiceUnavailable, "down"
		case anyFailed:
			status, overall = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "dependencies": detail})
	}
}
