// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
	"github.com/AleutianAI/HarborDesk/services/agent/memory"
)

var tracer = otel.Tracer("harbordesk.agent.session")

// Lifecycle defaults.
const (
	DefaultContextMessages = 5
	DefaultSummaryInterval = 5
	DefaultIdleTimeout     = 1800 * time.Second
	DefaultMaxAge          = 24 * time.Hour

	// recentSessionsCap bounds a user's recent-sessions list.
	recentSessionsCap = 5
)

// Per-call deadlines. A wedged cache or summariser backend fails the one
// call instead of stalling the request.
const (
	cacheOpTimeout = 5 * time.Second
	summaryTimeout = 30 * time.Second
)

// ErrSessionNotFound is returned for unknown or already-ended sessions.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Archiver is the durable end-of-session sink. Implementations write all
// four artifacts in one transaction.
type Archiver interface {
	ArchiveSession(ctx context.Context, archive *datatypes.SessionArchive, records []*datatypes.QueryRecord, activity *datatypes.UserActivity, descriptor *datatypes.SessionDescriptor) error
}

// Config are the session lifecycle knobs. MaxTurns caps what the cache
// retains; ContextMessages caps the smaller window handed to LLM calls.
type Config struct {
	MaxTurns        int
	ContextMessages int
	SummaryInterval int
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	AgentID         string
}

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = memory.DefaultMaxTurns
	}
	if c.ContextMessages <= 0 {
		c.ContextMessages = DefaultContextMessages
	}
	if c.ContextMessages > c.MaxTurns {
		c.ContextMessages = c.MaxTurns
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = DefaultSummaryInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
}

// managedSession pairs the session row with its serialization lock and the
// counters the manager owns.
type managedSession struct {
	mu           sync.Mutex
	session      *datatypes.Session
	sinceSummary int
	relatedDocs  []string
}

// Manager owns the in-memory session registry and the conversation
// lifecycle around it.
//
// # Description
//
// AddMessage appends a turn to the cache and, on assistant turns once the
// summary interval has elapsed, regenerates the rolling summary.
// EndSession assembles the archive, drains the analytics buffer, hands
// everything to the Archiver in one call, and clears cache and meter state
// whether or not the write succeeded.
//
// # Thread Safety
//
// Manager is safe for concurrent use; operations on the same session are
// serialized by a per-session mutex.
type Manager struct {
	cache      memory.ConversationCache
	summarizer *memory.Summarizer
	analytics  *AnalyticsBuffer
	costs      *CostMeter
	archiver   Archiver
	config     Config

	mu       sync.RWMutex
	sessions map[string]*managedSession
}

// NewManager wires the session manager. summarizer and archiver may be nil
// (summaries and durable archiving disabled, used in tests).
func NewManager(cache memory.ConversationCache, summarizer *memory.Summarizer, analytics *AnalyticsBuffer, costs *CostMeter, archiver Archiver, config Config) *Manager {
	config.EnsureDefaults()
	return &Manager{
		cache:      cache,
		summarizer: summarizer,
		analytics:  analytics,
		costs:      costs,
		archiver:   archiver,
		config:     config,
		sessions:   make(map[string]*managedSession),
	}
}

// CreateSession registers a new session.
func (m *Manager) CreateSession(userInfo map[string]interface{}) *datatypes.Session {
	session := datatypes.NewSession(userInfo)
	m.mu.Lock()
	m.sessions[session.ID] = &managedSession{session: session}
	m.mu.Unlock()
	slog.Info("Session created", "session_id", session.ID)
	return session
}

// GetSession returns a registered session.
func (m *Manager) GetSession(sessionID string) (*datatypes.Session, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return ms.session, nil
}

// GetOrCreateSession resolves an id, registering a fresh session when the
// id is empty or unknown. Unknown non-empty ids are honored as the new
// session's id so clients keep their reference.
func (m *Manager) GetOrCreateSession(sessionID string, userInfo map[string]interface{}) *datatypes.Session {
	if sessionID != "" {
		if ms, err := m.lookup(sessionID); err == nil {
			return ms.session
		}
	}
	session := datatypes.NewSession(userInfo)
	if sessionID != "" {
		session.ID = sessionID
	}
	m.mu.Lock()
	m.sessions[session.ID] = &managedSession{session: session}
	m.mu.Unlock()
	return session
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AddMessage appends a turn to a session's conversation.
//
// The summary counter counts every turn, but regeneration only fires on
// assistant turns so a summary never splits a user/assistant exchange.
func (m *Manager) AddMessage(ctx context.Context, sessionID, role, content string, metadata *datatypes.TurnMetadata) error {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	turn := datatypes.NewTurn(role, content, metadata)
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	err = m.cache.AppendTurn(cctx, sessionID, turn, m.config.MaxTurns)
	cancel()
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	ms.session.MessageCount++
	ms.session.LastActivity = time.Now()
	ms.sinceSummary++
	if metadata != nil {
		ms.addRelatedDocs(metadata.Sources)
	}

	if role == datatypes.RoleAssistant && ms.sinceSummary >= m.config.SummaryInterval {
		m.refreshSummary(ctx, ms)
	}
	return nil
}

// refreshSummary regenerates the rolling summary. Caller holds ms.mu. The
// counter resets on failure too, so a broken summariser retries next
// interval instead of on every turn.
func (m *Manager) refreshSummary(ctx context.Context, ms *managedSession) {
	ms.sinceSummary = 0
	if m.summarizer == nil {
		return
	}
	sessionID := ms.session.ID

	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	previous, err := m.cache.Summary(cctx, sessionID)
	cancel()
	if err != nil {
		slog.Warn("Reading previous summary failed", "session_id", sessionID, "error", err)
		previous = nil
	}
	cctx, cancel = context.WithTimeout(ctx, cacheOpTimeout)
	turns, err := m.cache.RecentTurns(cctx, sessionID, m.config.ContextMessages)
	cancel()
	if err != nil {
		slog.Warn("Reading turns for summary failed", "session_id", sessionID, "error", err)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	summary, err := m.summarizer.Summarize(sctx, previous, turns)
	cancel()
	if err != nil {
		slog.Warn("Summary regeneration failed, keeping previous", "session_id", sessionID, "error", err)
		return
	}
	cctx, cancel = context.WithTimeout(ctx, cacheOpTimeout)
	err = m.cache.StoreSummary(cctx, sessionID, *summary)
	cancel()
	if err != nil {
		slog.Warn("Storing summary failed", "session_id", sessionID, "error", err)
	}
}

// ContextForLLM assembles the conversation view handed to LLM calls.
func (m *Manager) ContextForLLM(ctx context.Context, sessionID string) (*datatypes.SessionContext, error) {
	ctx, span := tracer.Start(ctx, "Manager.ContextForLLM")
	defer span.End()

	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	turns, err := m.cache.RecentTurns(cctx, sessionID, m.config.ContextMessages)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read recent turns: %w", err)
	}
	cctx, cancel = context.WithTimeout(ctx, cacheOpTimeout)
	summary, err := m.cache.Summary(cctx, sessionID)
	cancel()
	if err != nil {
		slog.Warn("Reading summary failed, continuing without", "session_id", sessionID, "error", err)
		summary = nil
	}

	ms.mu.Lock()
	related := append([]string(nil), ms.relatedDocs...)
	ms.mu.Unlock()

	sc := &datatypes.SessionContext{
		Recent:      turns,
		Summary:     summary,
		RelatedDocs: related,
	}
	sc.Formatted = formatContext(sc)
	return sc, nil
}

// EndSession archives and tears down a session. agentID labels the archive
// row; empty falls back to the configured agent.
func (m *Manager) EndSession(ctx context.Context, sessionID, agentID, reason string) error {
	ctx, span := tracer.Start(ctx, "Manager.EndSession")
	defer span.End()

	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.session.EndReason = reason
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	summary, err := m.cache.Summary(cctx, sessionID)
	cancel()
	if err != nil {
		slog.Warn("Reading final summary failed", "session_id", sessionID, "error", err)
		summary = nil
	}

	var records []*datatypes.QueryRecord
	if m.analytics != nil {
		records = m.analytics.Drain(sessionID)
	}
	var cost *datatypes.CostBreakdown
	if m.costs != nil {
		cost = m.costs.Breakdown(sessionID)
		m.costs.Clear(sessionID)
	}

	if agentID == "" {
		agentID = m.config.AgentID
	}
	if m.archiver != nil {
		archive, activity, descriptor := buildArchive(ms.session, summary, records, cost, agentID)
		if err := m.archiver.ArchiveSession(ctx, archive, records, activity, descriptor); err != nil {
			// Accept data loss rather than retain a stuck session.
			slog.Error("Session archive write failed, dropping analytics",
				"session_id", sessionID, "records", len(records), "error", err)
		}
	}

	cctx, cancel = context.WithTimeout(ctx, cacheOpTimeout)
	err = m.cache.Clear(cctx, sessionID)
	cancel()
	if err != nil {
		slog.Warn("Clearing session cache failed", "session_id", sessionID, "error", err)
	}
	slog.Info("Session ended", "session_id", sessionID, "reason", reason,
		"messages", ms.session.MessageCount)
	return nil
}

// EndAll ends every active session with the given reason. Used on server
// shutdown so in-flight conversations still get archived.
func (m *Manager) EndAll(ctx context.Context, reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.EndSession(ctx, id, "", reason); err != nil {
			slog.Warn("Ending session on shutdown failed", "session_id", id, "error", err)
		}
	}
}

func (m *Manager) lookup(sessionID string) (*managedSession, error) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	// A session past its idle or age limit is gone even if the sweeper
	// has not reached it yet; end it now so the archive still happens.
	if reason := m.expiryReason(ms); reason != "" {
		if err := m.EndSession(context.Background(), sessionID, "", reason); err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("Ending expired session failed", "session_id", sessionID, "error", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ms, nil
}

// expiryReason reports why a session should end, or "" while it is live.
// Age wins over idleness when both have elapsed.
func (m *Manager) expiryReason(ms *managedSession) string {
	switch {
	case ms.session.Age() > m.config.MaxAge:
		return datatypes.EndReasonMaxAge
	case ms.session.Idle() > m.config.IdleTimeout:
		return datatypes.EndReasonInactivity
	default:
		return ""
	}
}

// NoteRelatedDocs records document titles linked from this turn's retrieved
// chunks so later queries can match them for a targeted re-search.
func (m *Manager) NoteRelatedDocs(sessionID string, titles []string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	ms.mu.Lock()
	ms.addRelatedDocs(titles)
	ms.mu.Unlock()
}

// addRelatedDocs records source titles surfaced this session. Caller holds
// ms.mu.
func (ms *managedSession) addRelatedDocs(titles []string) {
	for _, title := range titles {
		if title == "" || containsFold(ms.relatedDocs, title) {
			continue
		}
		ms.relatedDocs = append(ms.relatedDocs, title)
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// buildArchive assembles the durable end-of-session artifacts.
func buildArchive(session *datatypes.Session, summary *datatypes.ConversationSummary, records []*datatypes.QueryRecord, cost *datatypes.CostBreakdown, agentID string) (*datatypes.SessionArchive, *datatypes.UserActivity, *datatypes.SessionDescriptor) {
	now := time.Now()

	archive := &datatypes.SessionArchive{
		SessionID:    session.ID,
		UserInfo:     session.UserInfo,
		StartedAt:    session.CreatedAt,
		EndedAt:      now,
		EndReason:    session.EndReason,
		MessageCount: session.MessageCount,
		Summary:      summary,
		AgentID:      agentID,
	}

	var costUSD float64
	if cost != nil {
		costUSD = cost.TotalUSD
	}
	activity := &datatypes.UserActivity{
		UserKey:       userKey(session.UserInfo),
		SessionsTotal: 1,
		QueriesTotal:  int64(len(records)),
		CostTotalUSD:  costUSD,
		UpdatedAt:     now.UnixMilli(),
	}

	descriptor := &datatypes.SessionDescriptor{
		SessionID:    session.ID,
		StartedAt:    session.CreatedAt.UnixMilli(),
		EndedAt:      now.UnixMilli(),
		MessageCount: session.MessageCount,
		EndReason:    session.EndReason,
	}
	if summary != nil {
		descriptor.Topic = summary.CurrentTopic
	}
	return archive, activity, descriptor
}

// userKey identifies the user for activity counters: explicit id, then
// email, then anonymous.
func userKey(userInfo map[string]interface{}) string {
	for _, field := range []string{"user_id", "email"} {
		if v, ok := userInfo[field].(string); ok && v != "" {
			return v
		}
	}
	return "anonymous"
}

// formatContext renders the text block prepended to LLM prompts.
func formatContext(sc *datatypes.SessionContext) string {
	if sc.IsEmpty() {
		return ""
	}
	var b strings.Builder
	if sc.Summary != nil && sc.Summary.Summary != "" {
		b.WriteString("Summary of earlier conversation: ")
		b.WriteString(sc.Summary.Summary)
		b.WriteString("\n")
		if len(sc.Summary.KeyFacts) > 0 {
			b.WriteString("Key facts: ")
			b.WriteString(strings.Join(sc.Summary.KeyFacts, "; "))
			b.WriteString("\n")
		}
	}
	for _, turn := range sc.Recent {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
