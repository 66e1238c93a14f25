// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CountQuery("howto", "full_rag")
	m.CountQuery("howto", "full_rag")
	m.CountEscalation("low_confidence")
	m.CountError("transient_upstream")
	m.ObserveStage("search", 120*time.Millisecond)
	m.SetActiveSessions(3)
	m.SetCacheDegraded(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queries.WithLabelValues("howto", "full_rag")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations.WithLabelValues("low_confidence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineError.WithLabelValues("transient_upstream")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSess))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheDegraded))

	m.SetCacheDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.cacheDegraded))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.CountQuery("howto", "full_rag")
	m.CountEscalation("none")
	m.CountError("internal")
	m.ObserveStage("search", time.Millisecond)
	m.SetActiveSessions(1)
	m.SetCacheDegraded(true)
}
