// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// RedisCache is the primary conversation cache.
//
// # Description
//
// Turns live in a Redis list, newest at the head; AppendTurn pipelines
// LPUSH + LTRIM + EXPIRE so a burst of concurrent appends never leaves an
// untrimmed or un-expiring key. The summary is a plain JSON value with the
// same TTL.
//
// # Thread Safety
//
// RedisCache is safe for concurrent use.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A non-positive ttl uses the
// default.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn, maxTurns int) error {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	key := turnsKey(sessionID)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(maxTurns-1))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (c *RedisCache) RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.Turn, error) {
	if n <= 0 {
		n = DefaultMaxTurns
	}
	raw, err := c.client.LRange(ctx, turnsKey(sessionID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}

	// The list is newest-first; return chronological order.
	turns := make([]datatypes.Turn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var turn datatypes.Turn
		if err := json.Unmarshal([]byte(raw[i]), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (c *RedisCache) StoreSummary(ctx context.Context, sessionID string, summary datatypes.ConversationSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := c.client.Set(ctx, summaryKey(sessionID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	return nil
}

func (c *RedisCache) Summary(ctx context.Context, sessionID string) (*datatypes.ConversationSummary, error) {
	raw, err := c.client.Get(ctx, summaryKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var summary datatypes.ConversationSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &summary, nil
}

func (c *RedisCache) Clear(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, turnsKey(sessionID), summaryKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
