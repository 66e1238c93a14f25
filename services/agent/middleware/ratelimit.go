// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware contains the gin middleware for the agent service.
package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerMinute is the sustained per-caller rate.
	DefaultRequestsPerMinute = 60

	// DefaultBurst is the short-term allowance above the sustained rate.
	DefaultBurst = 10

	// sessionIDHeader carries the caller's session affinity; callers
	// without one are keyed by client IP.
	sessionIDHeader = "X-Session-Id"

	// staleAfter is how long an idle caller's bucket survives before the
	// janitor evicts it.
	staleAfter = 10 * time.Minute
)

// RateLimitConfig are the limiter knobs. Zero values use the defaults.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-caller token bucket. Callers are identified
// by session id when the header is present, otherwise by client IP.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	perMin  int
}

// NewRateLimiter builds a limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &RateLimiter{
		buckets: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.Burst,
		perMin:  cfg.RequestsPerMinute,
	}
}

// Middleware returns the gin handler enforcing the limit. Rejected
// requests get 429 with Retry-After and the X-RateLimit-* headers.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(sessionIDHeader)
		if key == "" {
			key = c.ClientIP()
		}

		limiter := rl.bucketFor(key)
		if !limiter.Allow() {
			retryAfter := int(math.Ceil(1.0 / float64(rl.limit)))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			rl.setRateHeaders(c, limiter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded: %d requests per minute", rl.perMin),
			})
			return
		}
		rl.setRateHeaders(c, limiter)
		c.Next()
	}
}

func (rl *RateLimiter) setRateHeaders(c *gin.Context, limiter *rate.Limiter) {
	remaining := int(limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(rl.perMin))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
}

func (rl *RateLimiter) bucketFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.buckets[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// StartJanitor evicts idle buckets until ctx is cancelled.
func (rl *RateLimiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(staleAfter)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictStale()
			}
		}
	}()
}

func (rl *RateLimiter) evictStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	for key, entry := range rl.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}
