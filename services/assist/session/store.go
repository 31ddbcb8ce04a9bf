// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	assistbadger "github.com/AleutianAI/AleutianAssist/services/assist/storage/badger"
)

// sessionKeyPrefix namespaces session records. The version segment allows a
// future schema migration to coexist with old records.
const sessionKeyPrefix = "session/v1/"

// Store persists session state between messages.
//
// Description:
//
//	Load returns (nil, nil) for an unknown session so callers can treat a
//	miss as "start fresh" without error branching. Save overwrites the
//	full record; the engine mutates State in memory and saves once per
//	processed message.
type Store interface {
	Load(ctx context.Context, sessionID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, sessionID string) error
}

// BadgerStore is the Badger-backed Store used in production.
//
// Thread Safety: BadgerStore is safe for concurrent use; Badger serializes
// conflicting transactions internally.
type BadgerStore struct {
	db *assistbadger.DB
}

// NewBadgerStore creates a Store over an open Badger handle.
func NewBadgerStore(db *assistbadger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func sessionKey(sessionID string) []byte {
	return []byte(sessionKeyPrefix + sessionID)
}

// Load fetches the state for sessionID, or (nil, nil) when absent.
func (s *BadgerStore) Load(ctx context.Context, sessionID string) (*State, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session: empty session id")
	}

	var state *State
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded := &State{}
			if err := json.Unmarshal(val, decoded); err != nil {
				return fmt.Errorf("decoding session %s: %w", sessionID, err)
			}
			state = decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("session: loading %s: %w", sessionID, err)
	}
	return state, nil
}

// Save persists the full state record, stamping UpdatedAt.
func (s *BadgerStore) Save(ctx context.Context, state *State) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("session: cannot save state without a session id")
	}
	state.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: encoding %s: %w", state.SessionID, err)
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(sessionKey(state.SessionID), payload)
	})
	if err != nil {
		return fmt.Errorf("session: saving %s: %w", state.SessionID, err)
	}
	return nil
}

// Delete removes the session record. Deleting an absent session is a no-op.
func (s *BadgerStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session: empty session id")
	}
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(sessionKey(sessionID))
	})
	if err != nil {
		return fmt.Errorf("session: deleting %s: %w", sessionID, err)
	}
	return nil
}
