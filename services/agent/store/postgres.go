// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the durable end-of-session sink: Postgres for archives,
// analytics batches, and user counters, plus an optional InfluxDB
// telemetry sink for per-query series.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

var tracer = otel.Tracer("harbordesk.agent.store")

// schema is applied on startup. Sessions only ever append here, so there
// are no migrations to sequence; IF NOT EXISTS keeps restarts idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS session_archive (
	session_id     TEXT PRIMARY KEY,
	user_info      JSONB,
	started_at     TIMESTAMPTZ NOT NULL,
	ended_at       TIMESTAMPTZ NOT NULL,
	end_reason     TEXT NOT NULL,
	message_count  INT NOT NULL,
	summary        JSONB,
	agent_id       TEXT
);

CREATE TABLE IF NOT EXISTS query_analytics (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	position    INT NOT NULL,
	record      JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS query_analytics_session_idx ON query_analytics (session_id);

CREATE TABLE IF NOT EXISTS user_activity (
	user_key       TEXT PRIMARY KEY,
	sessions_total BIGINT NOT NULL DEFAULT 0,
	queries_total  BIGINT NOT NULL DEFAULT 0,
	cost_total_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_recent_sessions (
	user_key TEXT PRIMARY KEY,
	sessions JSONB NOT NULL
);
`

// recentSessionsCap bounds a user's recent-sessions list.
const recentSessionsCap = 5

// PostgresStore writes the end-of-session batch in one transaction.
//
// # Thread Safety
//
// PostgresStore is safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// ArchiveSession writes all four end-of-session artifacts atomically.
//
// # Description
//
// One transaction inserts the session archive row, batch-inserts the
// analytics records, upserts the user's running counters, and prepends the
// session descriptor to the user's capped recent-sessions list. Any error
// rolls the whole batch back; the caller logs and drops.
func (s *PostgresStore) ArchiveSession(ctx context.Context, archive *datatypes.SessionArchive, records []*datatypes.QueryRecord, activity *datatypes.UserActivity, descriptor *datatypes.SessionDescriptor) error {
	ctx, span := tracer.Start(ctx, "PostgresStore.ArchiveSession")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertArchive(ctx, tx, archive); err != nil {
		return err
	}
	if err := insertRecords(ctx, tx, archive.SessionID, records); err != nil {
		return err
	}
	if err := upsertActivity(ctx, tx, activity); err != nil {
		return err
	}
	if err := prependRecentSession(ctx, tx, activity.UserKey, descriptor); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

func insertArchive(ctx context.Context, tx pgx.Tx, archive *datatypes.SessionArchive) error {
	userInfo, err := json.Marshal(archive.UserInfo)
	if err != nil {
		return fmt.Errorf("marshal user info: %w", err)
	}
	var summary []byte
	if archive.Summary != nil {
		if summary, err = json.Marshal(archive.Summary); err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO session_archive
			(session_id, user_info, started_at, ended_at, end_reason, message_count, summary, agent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING`,
		archive.SessionID, userInfo, archive.StartedAt, archive.EndedAt,
		archive.EndReason, archive.MessageCount, summary, archive.AgentID)
	if err != nil {
		return fmt.Errorf("insert session archive: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx pgx.Tx, sessionID string, records []*datatypes.QueryRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal query record: %w", err)
		}
		batch.Queue(`
			INSERT INTO query_analytics (session_id, position, record, recorded_at)
			VALUES ($1, $2, $3, $4)`,
			sessionID, record.Position, payload, time.UnixMilli(record.RecordedAt))
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert query records: %w", err)
		}
	}
	return results.Close()
}

func upsertActivity(ctx context.Context, tx pgx.Tx, activity *datatypes.UserActivity) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_activity (user_key, sessions_total, queries_total, cost_total_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_key) DO UPDATE SET
			sessions_total = user_activity.sessions_total + EXCLUDED.sessions_total,
			queries_total  = user_activity.queries_total  + EXCLUDED.queries_total,
			cost_total_usd = user_activity.cost_total_usd + EXCLUDED.cost_total_usd,
			updated_at     = EXCLUDED.updated_at`,
		activity.UserKey, activity.SessionsTotal, activity.QueriesTotal,
		activity.CostTotalUSD, time.UnixMilli(activity.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert user activity: %w", err)
	}
	return nil
}

func prependRecentSession(ctx context.Context, tx pgx.Tx, userKey string, descriptor *datatypes.SessionDescriptor) error {
	var existing []datatypes.SessionDescriptor
	var raw []byte
	err := tx.QueryRow(ctx,
		`SELECT sessions FROM user_recent_sessions WHERE user_key = $1 FOR UPDATE`,
		userKey).Scan(&raw)
	switch err {
	case nil:
		if err := json.Unmarshal(raw, &existing); err != nil {
			existing = nil
		}
	case pgx.ErrNoRows:
		// First session for this user.
	default:
		return fmt.Errorf("read recent sessions: %w", err)
	}

	updated := prependCapped(existing, *descriptor, recentSessionsCap)
	payload, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal recent sessions: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_recent_sessions (user_key, sessions)
		VALUES ($1, $2)
		ON CONFLICT (user_key) DO UPDATE SET sessions = EXCLUDED.sessions`,
		userKey, payload)
	if err != nil {
		return fmt.Errorf("write recent sessions: %w", err)
	}
	return nil
}

// prependCapped puts d at the head, drops any older entry for the same
// session, and truncates to limit.
func prependCapped(existing []datatypes.SessionDescriptor, d datatypes.SessionDescriptor, limit int) []datatypes.SessionDescriptor {
	updated := make([]datatypes.SessionDescriptor, 0, len(existing)+1)
	updated = append(updated, d)
	for _, e := range existing {
		if e.SessionID == d.SessionID {
			continue
		}
		updated = append(updated, e)
	}
	if len(updated) > limit {
		updated = updated[:limit]
	}
	return updated
}

// Ping reports store health.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
