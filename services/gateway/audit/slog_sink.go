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
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
)

// ErrQueryUnsupported is returned by sinks that cannot read events back.
var ErrQueryUnsupported = errors.New("audit sink does not support queries")

// SlogSink writes each event as one structured log record.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("log_type", "audit")}
}

func (s *SlogSink) Write(ctx context.Context, event extensions.AuditEvent) error {
	attrs := []slog.Attr{
		slog.String("stage", event.Stage),
		slog.String("principal", event.Principal),
		slog.String("decision", event.Decision),
		slog.String("reason", event.Reason),
		slog.String("event_time", event.Timestamp.UTC().Format(time.RFC3339Nano)),
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if len(event.Metadata) > 0 {
		group := make([]any, 0, len(event.Metadata)*2)
		for _, k := range event.Metadata.Keys() {
			group = append(group, k, event.Metadata[k])
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

func (s *SlogSink) Query(context.Context, extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	return nil, ErrQueryUnsupported
}

func (s *SlogSink) Close() error { return nil }

var _ Sink = (*SlogSink)(nil)
