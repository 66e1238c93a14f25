// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// DefaultSweepInterval is how often the sweeper scans for dead sessions.
const DefaultSweepInterval = 60 * time.Second

// Sweeper ends sessions that exceeded the inactivity timeout or the
// absolute age cap.
//
// # Description
//
// Each tick scans the registry and ends every session whose idle time
// passed the configured timeout (reason inactivity_timeout) or whose age
// passed the cap (reason max_duration_reached). Ending goes through
// Manager.EndSession, so swept sessions are archived like any other.
//
// # Thread Safety
//
// Sweeper runs a single goroutine; Start may be called once.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper creates a Sweeper. A non-positive interval uses the default.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one scan, ending every expired session.
func (s *Sweeper) Sweep(ctx context.Context) int {
	expired := s.manager.expiredSessions()
	for _, candidate := range expired {
		if err := s.manager.EndSession(ctx, candidate.id, "", candidate.reason); err != nil {
			slog.Warn("Sweeping session failed", "session_id", candidate.id, "error", err)
			continue
		}
		slog.Info("Session swept", "session_id", candidate.id, "reason", candidate.reason,
			"idle_s", int(candidate.idle.Seconds()), "age_s", int(candidate.age.Seconds()))
	}
	return len(expired)
}

type sweepCandidate struct {
	id     string
	reason string
	idle   time.Duration
	age    time.Duration
}

// expiredSessions snapshots the sessions past either limit. Age wins over
// idleness in the recorded reason.
func (m *Manager) expiredSessions() []sweepCandidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []sweepCandidate
	for id, ms := range m.sessions {
		age := ms.session.Age()
		idle := ms.session.Idle()
		switch {
		case age > m.config.MaxAge:
			expired = append(expired, sweepCandidate{id: id, reason: datatypes.EndReasonMaxAge, idle: idle, age: age})
		case idle > m.config.IdleTimeout:
			expired = append(expired, sweepCandidate{id: id, reason: datatypes.EndReasonInactivity, idle: idle, age: age})
		}
	}
	return expired
}
