// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"
)

// Audit stages.
const (
	AuditStagePolicy       = "policy"
	AuditStageRetrieval    = "retrieval"
	AuditStageVerification = "verification"
)

// AuditEvent is one append-only record of a pipeline decision.
//
// # Fields
//
//   - Stage: Pipeline stage that made the decision (AuditStage*).
//   - Principal: Subject of the request.
//   - Decision: Stage-specific outcome ("allow", "degraded", "pass", "reject").
//   - Reason: Machine-readable reason code.
//   - Timestamp: When the decision was made (UTC).
//   - RequestID: Correlates events of one request.
//   - Metadata: Stage-specific details (resulting filter, roles, check results).
//     Must not contain question or document text.
type AuditEvent struct {
	Stage string `json:"stage"`

	Principal string `json:"principal"`

	Decision string `json:"decision"`

	Reason string `json:"reason"`

	Timestamp time.Time `json:"timestamp"`

	RequestID string `json:"request_id,omitempty"`

	Metadata Metadata `json:"metadata,omitempty"`
}

// AuditFilter selects events for Query. Zero fields match everything.
type AuditFilter struct {
	Stage string

	Principal string

	StartTime time.Time

	EndTime time.Time

	Limit int
}

// Matches reports whether event satisfies the filter.
func (f AuditFilter) Matches(event AuditEvent) bool {
	if f.Stage != "" && event.Stage != f.Stage {
		return false
	}
	if f.Principal != "" && event.Principal != f.Principal {
		return false
	}
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && event.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// AuditLogger records pipeline decisions.
//
// # Description
//
// Log must be best-effort and must not block the caller for longer than an
// enqueue; a failing audit backend never fails a request.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error

	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

func (l *NopAuditLogger) Query(_ context.Context, _ AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

var _ AuditLogger = (*NopAuditLogger)(nil)
