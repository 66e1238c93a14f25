// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// DefaultProbeInterval is how often a degraded cache re-checks its primary.
const DefaultProbeInterval = 15 * time.Second

// DegradingCache fronts a primary cache with a local fallback.
//
// # Description
//
// While healthy, every operation goes to the primary; the first failure
// flips the degraded flag, retries the operation on the fallback, and all
// traffic stays local until a background probe reaches the primary again.
// Turns written while degraded exist only in the fallback, so a recovered
// primary may be missing a window of conversation; the rolling summary
// re-absorbs it within one interval.
//
// # Thread Safety
//
// DegradingCache is safe for concurrent use.
type DegradingCache struct {
	primary  ConversationCache
	fallback ConversationCache

	degraded      atomic.Bool
	probeInterval time.Duration

	// onStateChange observes flips for the degradation gauge. May be nil.
	onStateChange func(degraded bool)
}

// NewDegradingCache wires a primary and fallback. A non-positive interval
// uses the default.
func NewDegradingCache(primary, fallback ConversationCache, probeInterval time.Duration, onStateChange func(degraded bool)) *DegradingCache {
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}
	return &DegradingCache{
		primary:       primary,
		fallback:      fallback,
		probeInterval: probeInterval,
		onStateChange: onStateChange,
	}
}

// Degraded reports whether traffic is currently served from the fallback.
func (c *DegradingCache) Degraded() bool {
	return c.degraded.Load()
}

// StartProbes pings the primary until ctx is cancelled, flipping the cache
// back once it answers.
func (c *DegradingCache) StartProbes(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.degraded.Load() {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := c.primary.Ping(probeCtx)
				cancel()
				if err == nil {
					c.setDegraded(false)
					slog.Info("Conversation cache primary recovered")
				}
			}
		}
	}()
}

func (c *DegradingCache) setDegraded(degraded bool) {
	if c.degraded.Swap(degraded) != degraded && c.onStateChange != nil {
		c.onStateChange(degraded)
	}
}

// fail marks the cache degraded after a primary error.
func (c *DegradingCache) fail(op string, err error) {
	if !c.degraded.Swap(true) {
		if c.onStateChange != nil {
			c.onStateChange(true)
		}
		slog.Error("Conversation cache degraded to local fallback", "op", op, "error", err)
	}
}

func (c *DegradingCache) AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn, maxTurns int) error {
	if !c.degraded.Load() {
		err := c.primary.AppendTurn(ctx, sessionID, turn, maxTurns)
		if err == nil {
			return nil
		}
		c.fail("append_turn", err)
	}
	return c.fallback.AppendTurn(ctx, sessionID, turn, maxTurns)
}

func (c *DegradingCache) RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.Turn, error) {
	if !c.degraded.Load() {
		turns, err := c.primary.RecentTurns(ctx, sessionID, n)
		if err == nil {
			return turns, nil
		}
		c.fail("recent_turns", err)
	}
	return c.fallback.RecentTurns(ctx, sessionID, n)
}

func (c *DegradingCache) StoreSummary(ctx context.Context, sessionID string, summary datatypes.ConversationSummary) error {
	if !c.degraded.Load() {
		err := c.primary.StoreSummary(ctx, sessionID, summary)
		if err == nil {
			return nil
		}
		c.fail("store_summary", err)
	}
	return c.fallback.StoreSummary(ctx, sessionID, summary)
}

func (c *DegradingCache) Summary(ctx context.Context, sessionID string) (*datatypes.ConversationSummary, error) {
	if !c.degraded.Load() {
		summary, err := c.primary.Summary(ctx, sessionID)
		if err == nil {
			return summary, nil
		}
		c.fail("summary", err)
	}
	return c.fallback.Summary(ctx, sessionID)
}

func (c *DegradingCache) Clear(ctx context.Context, sessionID string) error {
	// Clear both sides: state may be split across a degradation window.
	var primaryErr error
	if !c.degraded.Load() {
		primaryErr = c.primary.Clear(ctx, sessionID)
		if primaryErr != nil {
			c.fail("clear", primaryErr)
		}
	}
	return c.fallback.Clear(ctx, sessionID)
}

// Ping reports the primary's health regardless of the degraded flag, so
// the health endpoint shows the real dependency state.
func (c *DegradingCache) Ping(ctx context.Context) error {
	return c.primary.Ping(ctx)
}

func (c *DegradingCache) Close() error {
	if err := c.primary.Close(); err != nil {
		slog.Warn("Closing primary cache", "error", err)
	}
	return c.fallback.Close()
}
