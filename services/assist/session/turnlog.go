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

const (
	turnLogKeyPrefix = "turnlog/v1/"
	turnLogSeqSuffix = "/_seq"
)

// TurnLog is the durable append-only record of conversational turns for a
// session. Unlike the capped in-state history, the log keeps everything; the
// final answer synthesis reads a tail window of it.
//
// Thread Safety: TurnLog is safe for concurrent use across sessions. Appends
// to the same session are serialized by the connection manager.
type TurnLog struct {
	db *assistbadger.DB
}

// NewTurnLog creates a TurnLog over an open Badger handle.
func NewTurnLog(db *assistbadger.DB) *TurnLog {
	return &TurnLog{db: db}
}

func turnLogSeqKey(sessionID string) []byte {
	return []byte(turnLogKeyPrefix + sessionID + turnLogSeqSuffix)
}

func turnLogEntryKey(sessionID string, seq uint64) []byte {
	// Fixed-width sequence keeps Badger's lexicographic key order equal to
	// append order.
	return []byte(fmt.Sprintf("%s%s/%012d", turnLogKeyPrefix, sessionID, seq))
}

// Append records one turn at the tail of the session's log.
func (l *TurnLog) Append(ctx context.Context, sessionID, role, content string) error {
	if sessionID == "" {
		return fmt.Errorf("turnlog: empty session id")
	}

	turn := Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("turnlog: encoding turn: %w", err)
	}

	err = l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		var seq uint64
		item, err := txn.Get(turnLogSeqKey(sessionID))
		switch {
		case errors.Is(err, dgbadger.ErrKeyNotFound):
			seq = 0
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				_, scanErr := fmt.Sscanf(string(val), "%d", &seq)
				return scanErr
			}); err != nil {
				return err
			}
		}

		if err := txn.Set(turnLogEntryKey(sessionID, seq), payload); err != nil {
			return err
		}
		return txn.Set(turnLogSeqKey(sessionID), []byte(fmt.Sprintf("%d", seq+1)))
	})
	if err != nil {
		return fmt.Errorf("turnlog: appending to %s: %w", sessionID, err)
	}
	return nil
}

// ReadAll returns every turn for the session in append order.
func (l *TurnLog) ReadAll(ctx context.Context, sessionID string) ([]Turn, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("turnlog: empty session id")
	}

	var turns []Turn
	prefix := []byte(turnLogKeyPrefix + sessionID + "/")
	seqKey := string(turnLogSeqKey(sessionID))

	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if string(item.Key()) == seqKey {
				continue
			}
			err := item.Value(func(val []byte) error {
				var turn Turn
				if err := json.Unmarshal(val, &turn); err != nil {
					return fmt.Errorf("decoding turn %s: %w", item.Key(), err)
				}
				turns = append(turns, turn)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("turnlog: reading %s: %w", sessionID, err)
	}
	return turns, nil
}

// ReadLast returns at most n of the most recent turns, oldest first.
func (l *TurnLog) ReadLast(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	turns, err := l.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}
