// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// TelemetrySink streams per-query latency and cost series. Optional: a nil
// *InfluxSink is a working no-op, so call sites never branch.
type TelemetrySink interface {
	WriteQuery(sessionID string, record *datatypes.QueryRecord)
	Flush()
	Close()
}

// InfluxSink writes query telemetry points through the non-blocking write
// API. Write errors surface on the API's error channel and are dropped;
// telemetry must never slow the query path.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxSink connects the sink. Bucket and org follow the deployment's
// InfluxDB setup.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
	}
}

// WriteQuery emits one point for a completed query.
func (s *InfluxSink) WriteQuery(sessionID string, record *datatypes.QueryRecord) {
	if s == nil {
		return
	}
	var costUSD float64
	if record.Cost != nil {
		costUSD = record.Cost.TotalUSD
	}
	point := influxdb2.NewPoint(
		"agent_queries",
		map[string]string{
			"query_type": record.QueryType,
			"routing":    record.Routing,
			"escalated":  boolTag(record.Escalated),
		},
		map[string]interface{}{
			"session_id":  sessionID,
			"total_ms":    record.TotalMs,
			"generate_ms": record.GenerateMs,
			"confidence":  record.ResponseConfidence,
			"cost_usd":    costUSD,
		},
		time.UnixMilli(record.RecordedAt),
	)
	s.writeAPI.WritePoint(point)
}

// Flush forces buffered points out, used on shutdown.
func (s *InfluxSink) Flush() {
	if s == nil {
		return
	}
	s.writeAPI.Flush()
}

// Close flushes and releases the client.
func (s *InfluxSink) Close() {
	if s == nil {
		return
	}
	s.writeAPI.Flush()
	s.client.Close()
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
