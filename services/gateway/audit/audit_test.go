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
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func event(stage, principal string, at time.Time) extensions.AuditEvent {
	return extensions.AuditEvent{
		Stage:     stage,
		Principal: principal,
		Decision:  "allow",
		Reason:    "granted",
		Timestamp: at,
		RequestID: "req-" + principal,
	}
}

// blockingSink holds every Write until release is closed.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	written []extensions.AuditEvent
	closed  bool
}

func (s *blockingSink) Write(_ context.Context, e extensions.AuditEvent) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, e)
	return nil
}

func (s *blockingSink) Query(context.Context, extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]extensions.AuditEvent(nil), s.written...), nil
}

func (s *blockingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// =============================================================================
// Dispatcher
// =============================================================================

func TestDispatcher_WritesAndFlushes(t *testing.T) {
	sink, err := OpenBadgerSink(InMemoryBadgerConfig())
	require.NoError(t, err)
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 16})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Log(ctx, event(extensions.AuditStagePolicy, "u1", t0.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, d.Flush(ctx))

	events, err := d.Query(ctx, extensions.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 5)
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	drops := 0
	var mu sync.Mutex
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 1, OnDrop: func() {
		mu.Lock()
		drops++
		mu.Unlock()
	}})

	ctx := context.Background()
	var dropped int
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := d.Log(ctx, event(extensions.AuditStageRetrieval, "u", t0)); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	assert.Less(t, time.Since(start), time.Second, "Log must never block")
	assert.GreaterOrEqual(t, dropped, 8, "worker holds one event and the queue one more")

	mu.Lock()
	assert.Equal(t, dropped, drops)
	mu.Unlock()

	close(sink.release)
	require.NoError(t, d.Close(ctx))
	assert.True(t, sink.closed)
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 8})

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Log(ctx, event(extensions.AuditStageVerification, "u", t0)))
	}
	close(sink.release)
	require.NoError(t, d.Close(ctx))

	written, _ := sink.Query(ctx, extensions.AuditFilter{})
	assert.Len(t, written, 4)

	assert.ErrorIs(t, d.Log(ctx, event(extensions.AuditStagePolicy, "u", t0)), ErrClosed)
	assert.NoError(t, d.Close(ctx), "second Close is a no-op")
}

func TestDispatcher_FlushHonorsContext(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(sink, DispatcherConfig{QueueSize: 4})
	require.NoError(t, d.Log(context.Background(), event(extensions.AuditStagePolicy, "u", t0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Flush(ctx), context.DeadlineExceeded)

	close(sink.release)
	require.NoError(t, d.Close(context.Background()))
}

// =============================================================================
// BadgerSink
// =============================================================================

func TestBadgerSink_QueryFilters(t *testing.T) {
	sink, err := OpenBadgerSink(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, event(extensions.AuditStagePolicy, "alice", t0)))
	require.NoError(t, sink.Write(ctx, event(extensions.AuditStageRetrieval, "alice", t0.Add(time.Minute))))
	require.NoError(t, sink.Write(ctx, event(extensions.AuditStagePolicy, "bob", t0.Add(2*time.Minute))))
	// Same timestamp must not overwrite.
	require.NoError(t, sink.Write(ctx, event(extensions.AuditStagePolicy, "bob", t0.Add(2*time.Minute))))

	all, err := sink.Query(ctx, extensions.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "events must be in time order")
	}

	policy, err := sink.Query(ctx, extensions.AuditFilter{Stage: extensions.AuditStagePolicy})
	require.NoError(t, err)
	assert.Len(t, policy, 3)

	alice, err := sink.Query(ctx, extensions.AuditFilter{Principal: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	window, err := sink.Query(ctx, extensions.AuditFilter{StartTime: t0.Add(30 * time.Second), EndTime: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, extensions.AuditStageRetrieval, window[0].Stage)

	limited, err := sink.Query(ctx, extensions.AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestBadgerSink_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	sink, err := OpenBadgerSink(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), event(extensions.AuditStagePolicy, "alice", t0)))
	require.NoError(t, sink.Close())

	sink, err = OpenBadgerSink(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer sink.Close()
	events, err := sink.Query(context.Background(), extensions.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Principal)
}

func TestOpenBadgerSink_RequiresPath(t *testing.T) {
	_, err := OpenBadgerSink(BadgerConfig{})
	assert.Error(t, err)
}

// =============================================================================
// SlogSink
// =============================================================================

func TestSlogSink_Write(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	e := event(extensions.AuditStageVerification, "alice", t0)
	e.Decision = "reject"
	e.Metadata = extensions.Metadata(nil).Set("citation_accuracy", false)
	require.NoError(t, sink.Write(context.Background(), e))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "audit", record["msg"])
	assert.Equal(t, "audit", record["log_type"])
	assert.Equal(t, "reject", record["decision"])
	assert.Equal(t, "req-alice", record["request_id"])
	md := record["metadata"].(map[string]any)
	assert.Equal(t, false, md["citation_accuracy"])

	_, err := sink.Query(context.Background(), extensions.AuditFilter{})
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}
