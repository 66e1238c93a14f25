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
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/HarborDesk/services/agent/datatypes"
)

// LocalCache is the embedded fallback conversation cache, used while Redis
// is degraded. State written here is local to one process and is lost on
// restart; the degradation flag on responses tells clients exactly that.
//
// # Thread Safety
//
// LocalCache is safe for concurrent use.
type LocalCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewLocalCache opens an in-memory Badger instance.
func NewLocalCache(ttl time.Duration) (*LocalCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	return &LocalCache{db: db, ttl: ttl}, nil
}

func (c *LocalCache) AppendTurn(ctx context.Context, sessionID string, turn datatypes.Turn, maxTurns int) error {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	key := []byte(turnsKey(sessionID))

	// Read-modify-write inside one transaction keeps concurrent appends
	// from losing turns.
	return c.db.Update(func(txn *badger.Txn) error {
		var turns []datatypes.Turn
		item, err := txn.Get(key)
		switch {
		case err == nil:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &turns)
			})
			if err != nil {
				turns = nil
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// First turn for this session.
		default:
			return fmt.Errorf("read turns: %w", err)
		}

		turns = append(turns, turn)
		if len(turns) > maxTurns {
			turns = turns[len(turns)-maxTurns:]
		}
		payload, err := json.Marshal(turns)
		if err != nil {
			return fmt.Errorf("marshal turns: %w", err)
		}
		return txn.SetEntry(badger.NewEntry(key, payload).WithTTL(c.ttl))
	})
}

func (c *LocalCache) RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.Turn, error) {
	if n <= 0 {
		n = DefaultMaxTurns
	}
	var turns []datatypes.Turn
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(turnsKey(sessionID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &turns)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func (c *LocalCache) StoreSummary(ctx context.Context, sessionID string, summary datatypes.ConversationSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(summaryKey(sessionID)), payload).WithTTL(c.ttl))
	})
}

func (c *LocalCache) Summary(ctx context.Context, sessionID string) (*datatypes.ConversationSummary, error) {
	var summary *datatypes.ConversationSummary
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(summaryKey(sessionID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var s datatypes.ConversationSummary
			if err := json.Unmarshal(val, &s); err != nil {
				return err
			}
			summary = &s
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	return summary, nil
}

func (c *LocalCache) Clear(ctx context.Context, sessionID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(turnsKey(sessionID))); err != nil {
			return err
		}
		return txn.Delete([]byte(summaryKey(sessionID)))
	})
}

func (c *LocalCache) Ping(ctx context.Context) error {
	if c.db.IsClosed() {
		return errors.New("local cache closed")
	}
	return nil
}

func (c *LocalCache) Close() error {
	return c.db.Close()
}
