// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retriever fetches document contexts within an access scope.
package retriever

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.gateway.retriever")

const stageName = "retrieve"

// DefaultTopK is used when Retrieve is called with topK <= 0.
const DefaultTopK = 8

// Post-filter drop reasons.
const (
	DropClassification = "classification"
	DropTags           = "tags"
	DropMissingDocID   = "missing_doc_id"
	DropScore          = "score"
	DropRestricted     = "restricted_untagged"
)

type Config struct {
	Metrics *observability.GatewayMetrics
	Audit   extensions.AuditLogger
	Logger  *slog.Logger
	Now     func() time.Time
}

// Retriever queries the document store exactly once per request and re-checks
// every returned context against the AccessFilter.
//
// # Thread Safety
//
// Safe for concurrent use if the DocumentStore is.
type Retriever struct {
	store   DocumentStore
	metrics *observability.GatewayMetrics
	audit   extensions.AuditLogger
	logger  *slog.Logger
	now     func() time.Time
}

func New(store DocumentStore, cfg Config) *Retriever {
	r := &Retriever{
		store:   store,
		metrics: cfg.Metrics,
		audit:   cfg.Audit,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if r.audit == nil {
		r.audit = &extensions.NopAuditLogger{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Retrieve returns the contexts matching question within filter.
//
// # Description
//
// The store receives the filter's tags and tier unchanged. There is no retry
// and no second query with a wider scope. A store failure returns a
// PipelineError of kind retrieval; zero hits is a valid, empty result.
//
// # Inputs
//
//   - ctx: Carries the stage deadline.
//   - question: Natural-language query. Never logged.
//   - filter: Scope derived by the policy engine.
//   - topK: Maximum number of contexts requested from the store.
//
// # Outputs
//
//   - []datatypes.DocumentContext: Contexts that pass the post-filter, in
//     store order. Never nil on success.
func (r *Retriever) Retrieve(ctx context.Context, question string, filter datatypes.AccessFilter, topK int) ([]datatypes.DocumentContext, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	if topK <= 0 {
		topK = DefaultTopK
	}
	query := StoreQuery{
		Question:          question,
		AllowTags:         filter.AllowTags(),
		MaxClassification: filter.MaxClassification(),
		TopK:              topK,
	}
	span.SetAttributes(
		attribute.Int("retrieval.top_k", topK),
		attribute.String("retrieval.max_classification", string(query.MaxClassification)),
		attribute.Int("retrieval.allow_tags", len(query.AllowTags)),
	)

	start := time.Now()
	result, err := r.store.Query(ctx, query)
	r.metrics.RecordStage(stageName, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "document store query failed")
		r.metrics.RecordStageFailure(stageName, string(datatypes.KindRetrieval))
		r.logger.Error("document store query failed",
			"request_id", extensions.RequestIDFromContext(ctx),
			"error", err)
		return nil, datatypes.NewPipelineError(datatypes.KindRetrieval, stageName, "document store query failed", err)
	}

	var raw []datatypes.DocumentContext
	if result != nil {
		raw = result.Contexts
	}
	kept, drops := r.postFilter(ctx, raw, filter)
	span.SetAttributes(attribute.Int("retrieval.returned", len(raw)), attribute.Int("retrieval.kept", len(kept)))

	r.auditRetrieval(ctx, filter, len(raw), kept, drops)
	return kept, nil
}

// postFilter drops every context the filter does not permit. It never adds
// or modifies contexts.
func (r *Retriever) postFilter(ctx context.Context, contexts []datatypes.DocumentContext, filter datatypes.AccessFilter) ([]datatypes.DocumentContext, map[string]int) {
	kept := make([]datatypes.DocumentContext, 0, len(contexts))
	drops := make(map[string]int)
	for _, c := range contexts {
		reason := dropReason(c, filter)
		if reason == "" {
			kept = append(kept, c)
			continue
		}
		drops[reason]++
		r.metrics.RecordRetrievalDrop(reason)
		r.logger.Warn("dropped context outside access scope",
			"request_id", extensions.RequestIDFromContext(ctx),
			"doc_id", c.DocID,
			"reason", reason)
	}
	return kept, drops
}

func dropReason(c datatypes.DocumentContext, filter datatypes.AccessFilter) string {
	switch {
	case c.DocID == "":
		return DropMissingDocID
	case !filter.PermitsClassification(c.Classification):
		return DropClassification
	case c.Restricted && len(c.SecurityTags) == 0:
		return DropRestricted
	case !filter.PermitsTags(c.SecurityTags):
		return DropTags
	case c.Score < 0 || c.Score > 1:
		return DropScore
	}
	return ""
}

func (r *Retriever) auditRetrieval(ctx context.Context, filter datatypes.AccessFilter, returned int, kept []datatypes.DocumentContext, drops map[string]int) {
	decision := "allow"
	if len(drops) > 0 {
		decision = "filtered"
	}
	md := extensions.Metadata(nil).
		Set("returned", returned).
		Set("kept", len(kept)).
		Set("doc_ids", datatypes.DocIDs(kept)).
		Set("max_classification", string(filter.MaxClassification())).
		Set("allow_tags", filter.AllowTags())
	if len(drops) > 0 {
		md = md.Set("dropped", drops)
	}
	event := extensions.AuditEvent{
		Stage:     extensions.AuditStageRetrieval,
		Principal: extensions.PrincipalFromContext(ctx),
		Decision:  decision,
		Reason:    "post_filter",
		Timestamp: r.now().UTC(),
		RequestID: extensions.RequestIDFromContext(ctx),
		Metadata:  md,
	}
	if err := r.audit.Log(ctx, event); err != nil {
		r.logger.Warn("failed to write retrieval audit event", "error", err)
	}
}
