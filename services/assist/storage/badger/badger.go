// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps dgraph-io/badger/v4 behind a small transactional API so
// callers never touch badger.Options directly. One DB instance is opened at
// startup (or in-memory for tests) and shared by the session store and the
// turn log.
package badger

import (
	"context"
	"fmt"
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config describes how to open a DB.
type Config struct {
	// Path is the on-disk directory for the DB. Ignored when InMemory is set.
	Path string

	// InMemory opens a non-persistent DB. Used by tests and as a degraded
	// fallback when the data directory is unavailable.
	InMemory bool
}

// DefaultConfig returns an on-disk config with no path set.
// The caller must fill in Path before OpenDB.
func DefaultConfig() Config {
	return Config{}
}

// InMemoryConfig returns a config for a non-persistent DB.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is an opened BadgerDB instance.
//
// Description:
//
//	Thin wrapper that owns the underlying *badger.DB and exposes
//	context-aware transaction helpers. The wrapper does not retry or
//	batch; callers compose their own key layout.
//
// Thread Safety: Safe for concurrent use. Badger transactions are
// per-goroutine.
type DB struct {
	db *dgbadger.DB
}

// OpenDB opens a DB with the given config.
//
// Description:
//
//	Badger's own logger is silenced; lifecycle events worth surfacing are
//	logged by callers via slog. On-disk mode requires cfg.Path to be set.
//
// Outputs:
//   - *DB: The opened instance. Close must be called by the owner.
//   - error: Non-nil if the directory cannot be opened or locked.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger: config path is empty")
		}
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", cfg.Path, err)
	}
	slog.Debug("badger: opened", slog.String("path", cfg.Path), slog.Bool("in_memory", cfg.InMemory))
	return &DB{db: db}, nil
}

// Close closes the underlying DB. Safe to call once; the owner (typically
// main) calls it during shutdown.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// IsClosed reports whether the underlying DB has been closed.
func (d *DB) IsClosed() bool {
	return d == nil || d.db == nil || d.db.IsClosed()
}

// WithTxn runs fn inside a read-write transaction.
//
// Description:
//
//	Checks ctx before starting the transaction so cancelled work fails fast
//	rather than committing. fn's error aborts the transaction and is
//	returned unwrapped so callers can match sentinels with errors.Is.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}
