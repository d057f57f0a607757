// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/llm/llmtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allPass = `{"factual_traceability":true,"citation_accuracy":true,"topical_relevance":true,"no_external_knowledge":true,"reason":"supported"}`

type memAudit struct {
	extensions.NopAuditLogger
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *memAudit) Log(_ context.Context, e extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

var feeContexts = []datatypes.DocumentContext{
	{
		Text:           "Cancelling a subscription incurs a service termination fee of $50.",
		DocID:          "billing-fees",
		Source:         "billing/fees.md",
		Score:          0.74,
		Classification: datatypes.ClassificationPublic,
	},
}

func grounded() *datatypes.RagAnswer {
	return &datatypes.RagAnswer{
		Answer:    "Cancelling costs a $50 service termination fee.",
		Citations: []datatypes.Citation{{DocID: "billing-fees", Source: "billing/fees.md"}},
	}
}

func TestVerify_PassesGroundedDraft(t *testing.T) {
	client := &llmtest.MockLLMClient{Response: allPass}
	audit := &memAudit{}
	v := New(client, Config{Audit: audit})

	ctx := extensions.WithPrincipal(context.Background(), "alice")
	got, err := v.Verify(ctx, "How much is the termination fee?", grounded(), feeContexts)
	require.NoError(t, err)
	assert.True(t, got.OK)
	assert.Equal(t, ReasonPassed, got.Reason)
	assert.Equal(t, grounded().Answer, got.Answer)

	call := client.Calls()[0]
	assert.True(t, call.Params.JSONMode)
	assert.Contains(t, call.Prompt, "Cited doc_ids: billing-fees")

	require.Len(t, audit.events, 1)
	e := audit.events[0]
	assert.Equal(t, extensions.AuditStageVerification, e.Stage)
	assert.Equal(t, "pass", e.Decision)
	assert.Equal(t, "alice", e.Principal)
	ok, _ := e.Metadata.GetBool("no_external_knowledge")
	assert.True(t, ok)
}

func TestVerify_RefusalsPassWithoutJudge(t *testing.T) {
	client := &llmtest.MockLLMClient{Response: allPass}
	v := New(client, Config{})

	for _, refusal := range []*datatypes.RagAnswer{datatypes.NoAuthorizedDocuments(), datatypes.TopicNotFound()} {
		for _, contexts := range [][]datatypes.DocumentContext{nil, feeContexts} {
			got, err := v.Verify(context.Background(), "q", refusal, contexts)
			require.NoError(t, err)
			assert.True(t, got.OK)
			assert.Equal(t, refusal.Answer, got.Answer)
			assert.Equal(t, ReasonRefusal, got.Reason)
		}
	}
	assert.Zero(t, client.CallCount())
}

func TestVerify_DeterministicRejections(t *testing.T) {
	tests := []struct {
		name   string
		draft  *datatypes.RagAnswer
		reason string
	}{
		{"nil draft", nil, ReasonNoCitations},
		{"no citations", &datatypes.RagAnswer{Answer: "The fee is $50."}, ReasonNoCitations},
		{"unknown doc id", &datatypes.RagAnswer{Answer: "x", Citations: []datatypes.Citation{{DocID: "hr-termination"}}}, ReasonUnknownCitation},
		{"one of two unknown", &datatypes.RagAnswer{Answer: "x", Citations: []datatypes.Citation{{DocID: "billing-fees"}, {DocID: "ghost"}}}, ReasonUnknownCitation},
		{"source mismatch", &datatypes.RagAnswer{Answer: "x", Citations: []datatypes.Citation{{DocID: "billing-fees", Source: "hr/handbook.pdf"}}}, ReasonSourceMismatch},
		{"refusal with citations", &datatypes.RagAnswer{Answer: datatypes.TopicNotFoundAnswer, Citations: []datatypes.Citation{{DocID: "billing-fees"}}}, ReasonMalformedRefusal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &llmtest.MockLLMClient{Response: allPass}
			got, err := New(client, Config{}).Verify(context.Background(), "q", tt.draft, feeContexts)
			require.NoError(t, err)
			assert.False(t, got.OK)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, datatypes.SafeRejectionMessage, got.Answer)
			assert.Zero(t, client.CallCount(), "deterministic checks run before the judge")
		})
	}
}

func TestVerify_JudgeRejections(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
		reason   string
		answer   string
	}{
		{"traceability", `{"factual_traceability":false,"citation_accuracy":true,"topical_relevance":true,"no_external_knowledge":true,"reason":""}`, nil, ReasonFactualTrace, datatypes.TopicNotFoundAnswer},
		{"accuracy", `{"factual_traceability":true,"citation_accuracy":false,"topical_relevance":true,"no_external_knowledge":true,"reason":""}`, nil, ReasonCitationAccuracy, datatypes.SafeRejectionMessage},
		{"relevance", `{"factual_traceability":true,"citation_accuracy":true,"topical_relevance":false,"no_external_knowledge":true,"reason":""}`, nil, ReasonTopicalRelevance, datatypes.TopicNotFoundAnswer},
		{"external", `{"factual_traceability":true,"citation_accuracy":true,"topical_relevance":true,"no_external_knowledge":false,"reason":""}`, nil, ReasonExternalKnowledge, datatypes.TopicNotFoundAnswer},
		{"missing check", `{"factual_traceability":true,"citation_accuracy":true,"topical_relevance":true,"reason":""}`, nil, ReasonJudgeMalformed, datatypes.SafeRejectionMessage},
		{"prose", `Looks good to me.`, nil, ReasonJudgeMalformed, datatypes.SafeRejectionMessage},
		{"extra field", `{"factual_traceability":true,"citation_accuracy":true,"topical_relevance":true,"no_external_knowledge":true,"reason":"","score":1}`, nil, ReasonJudgeMalformed, datatypes.SafeRejectionMessage},
		{"call error", "", errors.New("503 from backend"), ReasonJudgeUnavailable, datatypes.SafeRejectionMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			metrics := observability.NewGatewayMetrics(reg)
			client := &llmtest.MockLLMClient{Response: tt.response, Err: tt.err}

			got, err := New(client, Config{Metrics: metrics}).Verify(context.Background(), "q", grounded(), feeContexts)
			require.NoError(t, err)
			assert.False(t, got.OK)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, tt.answer, got.Answer)
			assert.NotContains(t, got.Answer, "$50", "the draft never leaks through a rejection")
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.VerificationTotal.WithLabelValues("reject")))
		})
	}
}

func TestVerify_DeadlineAbortsRequest(t *testing.T) {
	client := &llmtest.MockLLMClient{Respond: llmtest.Blocking()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := New(client, Config{}).Verify(ctx, "q", grounded(), feeContexts)
	assert.Nil(t, got)
	assert.True(t, datatypes.IsKind(err, datatypes.KindVerification))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVerify_CitationSoundness(t *testing.T) {
	// Whatever the judge says, a passing draft only cites supplied contexts.
	drafts := []*datatypes.RagAnswer{
		grounded(),
		{Answer: "x", Citations: []datatypes.Citation{{DocID: "ghost"}}},
		{Answer: "x", Citations: []datatypes.Citation{{DocID: "billing-fees"}, {DocID: ""}}},
		datatypes.TopicNotFound(),
	}
	known := map[string]bool{}
	for _, c := range feeContexts {
		known[c.DocID] = true
	}
	v := New(&llmtest.MockLLMClient{Response: allPass}, Config{})
	for _, d := range drafts {
		got, err := v.Verify(context.Background(), "q", d, feeContexts)
		require.NoError(t, err)
		if !got.OK {
			continue
		}
		for _, c := range d.Citations {
			assert.True(t, known[c.DocID], "passing draft cites unknown %q", c.DocID)
		}
	}
}

func TestVerify_TerminationScenario(t *testing.T) {
	// A fabricated procedure built from a fee-only context must not pass.
	fabricated := &datatypes.RagAnswer{
		Answer:    "Termination requires two weeks notice and an exit interview.",
		Citations: []datatypes.Citation{{DocID: "billing-fees", Source: "billing/fees.md"}},
	}
	client := &llmtest.MockLLMClient{Response: `{"factual_traceability":false,"citation_accuracy":false,"topical_relevance":false,"no_external_knowledge":false,"reason":"procedure not in documents"}`}

	got, err := New(client, Config{}).Verify(context.Background(), "What are Termination Procedures?", fabricated, feeContexts)
	require.NoError(t, err)
	assert.False(t, got.OK)
	assert.Equal(t, ReasonFactualTrace, got.Reason)
	assert.Equal(t, datatypes.TopicNotFoundAnswer, got.Answer)
}
