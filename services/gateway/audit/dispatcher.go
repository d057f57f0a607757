// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records pipeline decisions off the request path.
//
// A Dispatcher accepts events from the policy engine, retriever and verifier,
// queues them, and hands them to a Sink from a single background worker. A
// full queue drops the event rather than delaying the request.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
)

var (
	// ErrQueueFull is returned by Log when the event was dropped.
	ErrQueueFull = errors.New("audit queue full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audit dispatcher closed")
)

// Sink persists audit events.
//
// # Thread Safety
//
// Write is only called from the dispatcher worker. Query may be called
// concurrently with Write.
type Sink interface {
	Write(ctx context.Context, event extensions.AuditEvent) error
	Query(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error)
	Close() error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// QueueSize bounds the number of pending events. Default: 1024.
	QueueSize int

	Logger *slog.Logger

	// OnDrop is called once for every dropped event.
	OnDrop func()
}

type item struct {
	event extensions.AuditEvent
	flush chan struct{}
}

// Dispatcher implements extensions.AuditLogger over a Sink.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	sink   Sink
	queue  chan item
	logger *slog.Logger
	onDrop func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the background worker.
func NewDispatcher(sink Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		sink:   sink,
		queue:  make(chan item, cfg.QueueSize),
		logger: cfg.Logger,
		onDrop: cfg.OnDrop,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for it := range d.queue {
		if it.flush != nil {
			close(it.flush)
			continue
		}
		if err := d.sink.Write(context.Background(), it.event); err != nil {
			d.logger.Error("failed to write audit event",
				"stage", it.event.Stage,
				"request_id", it.event.RequestID,
				"error", err)
		}
	}
}

// Log enqueues event without blocking. A full queue drops the event and
// returns ErrQueueFull.
func (d *Dispatcher) Log(_ context.Context, event extensions.AuditEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- item{event: event}:
		return nil
	default:
		if d.onDrop != nil {
			d.onDrop()
		}
		d.logger.Warn("audit event dropped", "stage", event.Stage, "request_id", event.RequestID)
		return ErrQueueFull
	}
}

func (d *Dispatcher) Query(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	return d.sink.Query(ctx, filter)
}

// Flush waits until every event enqueued before the call has been written.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil
	}
	marker := make(chan struct{})
	select {
	case d.queue <- item{flush: marker}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue and closes the sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.sink.Close()
}

var _ extensions.AuditLogger = (*Dispatcher)(nil)
