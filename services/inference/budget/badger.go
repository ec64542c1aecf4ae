// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// StoreConfig holds configuration for the BadgerDB-backed ledger store.
type StoreConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// The ledger tolerates losing the most recent writes on crash, so
	// production may run with this off when write latency matters.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultStoreConfig returns production defaults: durable writes at the
// given path.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{Path: path, SyncWrites: true}
}

// InMemoryStoreConfig returns configuration for testing: in-memory, no
// disk I/O.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore persists per-day usage in BadgerDB, one JSON-encoded Usage
// value per local date key.
//
// Thread Safety: safe for concurrent use. Increment retries the
// read-modify-write transaction on conflict, so concurrent writers for
// the same date all land.
type BadgerStore struct {
	db *badger.DB
}

// OpenStore opens (or creates) the ledger store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*BadgerStore - The opened store. Caller must Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func OpenStore(cfg StoreConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent ledger store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func usageKey(date string) []byte {
	return []byte("usage/" + date)
}

// Increment atomically adds calls and cost to the date's usage and
// returns the updated totals. Conflicting transactions are retried, so
// the upsert is lost-update free under concurrency.
func (s *BadgerStore) Increment(ctx context.Context, date string, calls int64, costUSD float64) (Usage, error) {
	var updated Usage
	for {
		if err := ctx.Err(); err != nil {
			return Usage{}, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := readUsage(txn, date)
			if err != nil {
				return err
			}
			current.Calls += calls
			current.CostUSD += costUSD

			raw, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("encode usage: %w", err)
			}
			if err := txn.Set(usageKey(date), raw); err != nil {
				return err
			}
			updated = current
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return Usage{}, fmt.Errorf("increment usage for %s: %w", date, err)
		}
		return updated, nil
	}
}

// Get returns the date's usage. A missing key is zero usage, not an
// error.
func (s *BadgerStore) Get(ctx context.Context, date string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	var usage Usage
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		usage, err = readUsage(txn, date)
		return err
	})
	if err != nil {
		return Usage{}, fmt.Errorf("read usage for %s: %w", date, err)
	}
	return usage, nil
}

// readUsage loads the date's usage inside a transaction, zero when
// absent.
func readUsage(txn *badger.Txn, date string) (Usage, error) {
	item, err := txn.Get(usageKey(date))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, err
	}
	var usage Usage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &usage)
	}); err != nil {
		return Usage{}, fmt.Errorf("decode usage: %w", err)
	}
	return usage, nil
}
