// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus instrumentation for the agent
// service.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the agent's Prometheus instrument set. A nil *Metrics is a
// working no-op so tests and trimmed deployments skip registration.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	queries       *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	pipelineError *prometheus.CounterVec
	activeSess    prometheus.Gauge
	cacheDegraded prometheus.Gauge
}

// NewMetrics builds and registers the instrument set. Pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harbordesk",
			Subsystem: "agent",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harbordesk",
			Subsystem: "agent",
			Name:      "queries_total",
			Help:      "Queries processed, by classifier tag and routing.",
		}, []string{"query_type", "routing"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harbordesk",
			Subsystem: "agent",
			Name:      "escalations_total",
			Help:      "Escalations raised, by reason.",
		}, []string{"reason"}),
		pipelineError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harbordesk",
			Subsystem: "agent",
			Name:      "pipeline_errors_total",
			Help:      "Pipeline errors, by error kind.",
		}, []string{"kind"}),
		activeSess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harbordesk",
			Subsystem: "agent",
			Name:      "active_sessions",
			Help:      "Sessions currently registered.",
		}),
		cacheDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harbordesk",
			Subsystem: "agent",
			Name:      "cache_degraded",
			Help:      "1 while the conversation cache serves from the local fallback.",
		}),
	}
	reg.MustRegister(m.stageDuration, m.queries, m.escalations,
		m.pipelineError, m.activeSess, m.cacheDegraded)
	return m
}

// ObserveStage records one stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// CountQuery records one processed query.
func (m *Metrics) CountQuery(queryType, routing string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(queryType, routing).Inc()
}

// CountEscalation records one escalation decision.
func (m *Metrics) CountEscalation(reason string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(reason).Inc()
}

// CountError records one pipeline error by kind.
func (m *Metrics) CountError(kind string) {
	if m == nil {
		return
	}
	m.pipelineError.WithLabelValues(kind).Inc()
}

// SetActiveSessions updates the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSess.Set(float64(n))
}

// SetCacheDegraded flips the degradation gauge.
func (m *Metrics) SetCacheDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.cacheDegraded.Set(1)
	} else {
		m.cacheDegraded.Set(0)
	}
}
