// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "audit/"

// BadgerConfig holds configuration for the audit database.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives BadgerDB's own messages. Nil disables them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns durable settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns configuration optimized for testing.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
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

// BadgerSink is an append-only audit store.
//
// # Description
//
// Events are keyed "audit/<unix-nano, 20 digits>/<sequence, 10 digits>" so
// that key order is time order and two events in the same nanosecond never
// collide. Keys are never overwritten or deleted by the gateway.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerSink struct {
	db  *badger.DB
	seq atomic.Uint64
}

// OpenBadgerSink opens or creates the audit database.
func OpenBadgerSink(cfg BadgerConfig) (*BadgerSink, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

func eventKey(ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%010d", keyPrefix, ts.UnixNano(), seq))
}

// timeKey is the smallest key at or after ts.
func timeKey(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d/", keyPrefix, ts.UnixNano()))
}

func (s *BadgerSink) Write(_ context.Context, event extensions.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := eventKey(event.Timestamp, s.seq.Add(1))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Query returns matching events in time order. Limit zero means no limit.
func (s *BadgerSink) Query(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	events := []extensions.AuditEvent{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(keyPrefix)
		if !filter.StartTime.IsZero() && filter.StartTime.UnixNano() > 0 {
			start = timeKey(filter.StartTime)
		}
		var end []byte
		if !filter.EndTime.IsZero() {
			end = timeKey(filter.EndTime.Add(time.Nanosecond))
		}

		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry := it.Item()
			if end != nil && bytes.Compare(entry.Key(), end) >= 0 {
				break
			}
			var event extensions.AuditEvent
			if err := entry.Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return fmt.Errorf("decode audit event %s: %w", entry.Key(), err)
			}
			if !filter.Matches(event) {
				continue
			}
			events = append(events, event)
			if filter.Limit > 0 && len(events) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BadgerSink) Close() error {
	return s.db.Close()
}

var _ Sink = (*BadgerSink)(nil)
