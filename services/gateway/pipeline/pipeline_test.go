// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/answerer"
	"github.com/AleutianAI/AleutianGate/services/gateway/auth"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/reranker"
	"github.com/AleutianAI/AleutianGate/services/gateway/retriever"
	"github.com/AleutianAI/AleutianGate/services/gateway/verifier"
	"github.com/AleutianAI/AleutianGate/services/llm/llmtest"
	"github.com/AleutianAI/AleutianGate/services/policy_engine"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	judgePass = `{"factual_traceability":true,"citation_accuracy":true,"topical_relevance":true,"no_external_knowledge":true,"reason":"ok"}`
	judgeFail = `{"factual_traceability":true,"citation_accuracy":false,"topical_relevance":true,"no_external_knowledge":true,"reason":"misattributed"}`
)

// tokenAuth maps opaque tokens to identities.
type tokenAuth map[string]*extensions.AuthInfo

func (a tokenAuth) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if info, ok := a[token]; ok {
		return info, nil
	}
	return nil, extensions.ErrUnauthorized
}

type countingStore struct {
	mu      sync.Mutex
	calls   int
	queries []retriever.StoreQuery
	result  []datatypes.DocumentContext
	err     error
	block   bool
}

func (s *countingStore) Query(ctx context.Context, q retriever.StoreQuery) (*retriever.StoreResult, error) {
	s.mu.Lock()
	s.calls++
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &retriever.StoreResult{Contexts: s.result}, nil
}

type harness struct {
	pipeline *Pipeline
	store    *countingStore
	rerank   *llmtest.MockLLMClient
	answer   *llmtest.MockLLMClient
	judge    *llmtest.MockLLMClient
}

var identities = tokenAuth{
	"finance-token": {Subject: "alice", Roles: []string{"finance.viewer"}, Tenant: "acme"},
	"admin-token":   {Subject: "bob", Roles: []string{"engineering.admin"}, Tenant: "acme", StepUp: true},
	"intern-token":  {Subject: "carol", Roles: []string{"astronaut"}, Tenant: "acme"},
}

var financeDocs = []datatypes.DocumentContext{
	{Text: "Travel booking goes through the portal.", DocID: "ops-travel", Source: "ops/travel.md", Score: 0.6, Classification: datatypes.ClassificationPublic},
	{Text: "The 2025 travel budget is 50,000 EUR.", DocID: "fin-travel", Source: "finance/travel.pdf", Score: 0.9, SecurityTags: []string{"role:finance.viewer"}, Classification: datatypes.ClassificationInternal},
}

func newHarness(t *testing.T, timeouts Timeouts) *harness {
	t.Helper()
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)

	h := &harness{
		store:  &countingStore{result: financeDocs},
		rerank: &llmtest.MockLLMClient{Response: `{"ranking":[1,0]}`},
		answer: &llmtest.MockLLMClient{Response: `{"relevant":true,"answer":"The travel budget is 50,000 EUR.","citations":[{"doc_id":"fin-travel","source":"finance/travel.pdf"}]}`},
		judge:  &llmtest.MockLLMClient{Response: judgePass},
	}
	h.pipeline, err = New(Stages{
		Auth:      identities,
		Policy:    engine,
		Retriever: retriever.New(h.store, retriever.Config{}),
		Reranker:  reranker.New(h.rerank, nil, nil),
		Answerer:  answerer.New(h.answer, answerer.Config{}),
		Verifier:  verifier.New(h.judge, verifier.Config{}),
	}, Config{TopK: 4, Timeouts: timeouts})
	require.NoError(t, err)
	return h
}

func ask(token, question string) datatypes.AskRequest {
	return datatypes.AskRequest{JWT: token, Question: question}
}

func TestAsk_ReturnsVerifiedAnswer(t *testing.T) {
	h := newHarness(t, Timeouts{})

	out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
	require.NoError(t, err)
	assert.Equal(t, StateReturned, out.State)
	assert.Equal(t, Trace{StateAuthenticating, StateRetrieving, StateAnswering, StateVerifying, StateReturned}, out.Trace)
	assert.Equal(t, "The travel budget is 50,000 EUR.", out.Response.Answer)
	assert.Equal(t, []datatypes.Citation{{DocID: "fin-travel", Source: "finance/travel.pdf"}}, out.Response.Citations)
	assert.True(t, out.Verification.OK)
	assert.False(t, out.Degraded)

	require.Equal(t, 1, h.store.calls)
	q := h.store.queries[0]
	assert.Equal(t, []string{"role:finance.viewer", "tenant:acme"}, q.AllowTags)
	assert.Equal(t, datatypes.ClassificationInternal, q.MaxClassification)
	assert.Equal(t, 4, q.TopK)
}

func TestAsk_StepUpAdminGetsConfidential(t *testing.T) {
	h := newHarness(t, Timeouts{})
	_, err := h.pipeline.Ask(context.Background(), ask("admin-token", "What is the travel budget?"))
	require.NoError(t, err)
	assert.Equal(t, datatypes.ClassificationConfidential, h.store.queries[0].MaxClassification)
}

func TestAsk_UnrecognizedRoleIsDegradedNotFatal(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.store.result = financeDocs[:1]
	h.answer.Response = `{"relevant":true,"answer":"Book through the portal.","citations":[{"doc_id":"ops-travel","source":"ops/travel.md"}]}`

	out, err := h.pipeline.Ask(context.Background(), ask("intern-token", "How do I book travel?"))
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, StateReturned, out.State)
	assert.Equal(t, datatypes.ClassificationPublic, h.store.queries[0].MaxClassification)
}

func TestAsk_AuthenticationFailsClosed(t *testing.T) {
	h := newHarness(t, Timeouts{})

	out, err := h.pipeline.Ask(context.Background(), ask("forged", "What is the travel budget?"))
	assert.Nil(t, out)
	assert.True(t, datatypes.IsKind(err, datatypes.KindAuthentication))
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)
	assert.Zero(t, h.store.calls, "nothing is retrieved without verified claims")
	assert.Zero(t, h.answer.CallCount())
}

func TestAsk_InvalidRequest(t *testing.T) {
	h := newHarness(t, Timeouts{})
	_, err := h.pipeline.Ask(context.Background(), ask("finance-token", "   "))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, h.store.calls)
}

func TestAsk_EmptyRetrievalReturnsRefusal(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.store.result = nil

	out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
	require.NoError(t, err)
	assert.Equal(t, StateReturned, out.State)
	assert.Equal(t, datatypes.NoAuthorizedDocumentsAnswer, out.Response.Answer)
	assert.NotNil(t, out.Response.Citations)
	assert.Empty(t, out.Response.Citations)
	assert.Zero(t, h.answer.CallCount())
	assert.Zero(t, h.judge.CallCount())
}

func TestAsk_OffTopicReturnsTopicNotFound(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.store.result = []datatypes.DocumentContext{
		{Text: "A service termination fee of $50 applies.", DocID: "billing-fees", Source: "billing.md", Score: 0.7, Classification: datatypes.ClassificationPublic},
	}
	h.answer.Response = `{"relevant":false,"answer":"","citations":[]}`

	out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What are Termination Procedures?"))
	require.NoError(t, err)
	assert.Equal(t, StateReturned, out.State)
	assert.Equal(t, datatypes.TopicNotFoundAnswer, out.Response.Answer)
	assert.Empty(t, out.Response.Citations)
}

func TestAsk_RerankFailureKeepsRetrievalOrder(t *testing.T) {
	for name, mock := range map[string]*llmtest.MockLLMClient{
		"malformed": {Response: "not json at all"},
		"error":     {Err: errors.New("rerank backend down")},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Timeouts{})
			h.pipeline.stages.Reranker = reranker.New(mock, nil, nil)

			out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
			require.NoError(t, err)
			assert.Equal(t, StateReturned, out.State)

			prompt := h.answer.Calls()[0].Prompt
			first := strings.Index(prompt, `doc_id="ops-travel"`)
			second := strings.Index(prompt, `doc_id="fin-travel"`)
			assert.True(t, first >= 0 && second > first, "answerer sees retrieval order")
		})
	}
}

func TestAsk_RejectionNeverLeaksDraft(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.judge.Response = judgeFail

	out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, datatypes.SafeRejectionMessage, out.Response.Answer)
	assert.Empty(t, out.Response.Citations)
	assert.NotContains(t, out.Response.Answer, "50,000")
	assert.Equal(t, 1, h.answer.CallCount(), "the answerer is never retried")
}

func TestAsk_ExtrapolatedDraftReturnsTopicNotFound(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.store.result = []datatypes.DocumentContext{
		{Text: "A service termination fee of $50 applies.", DocID: "billing-fees", Source: "billing.md", Score: 0.7, Classification: datatypes.ClassificationPublic},
	}
	h.answer.Response = `{"relevant":true,"answer":"Give two weeks notice, return equipment, then pay the $50 fee.","citations":[{"doc_id":"billing-fees","source":"billing.md"}]}`
	h.judge.Response = `{"factual_traceability":true,"citation_accuracy":true,"topical_relevance":false,"no_external_knowledge":true,"reason":"procedure not in documents"}`

	out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What are Termination Procedures?"))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, datatypes.TopicNotFoundAnswer, out.Response.Answer)
	assert.Empty(t, out.Response.Citations)
	assert.Equal(t, verifier.ReasonTopicalRelevance, out.Verification.Reason)
}

// leakyVerifier rejects but hands back the draft text.
type leakyVerifier struct{}

func (leakyVerifier) Verify(_ context.Context, _ string, draft *datatypes.RagAnswer, _ []datatypes.DocumentContext) (*datatypes.VerificationResult, error) {
	return &datatypes.VerificationResult{OK: false, Reason: "custom", Answer: draft.Answer}, nil
}

func TestAsk_RejectionOnlyCarriesFixedText(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.pipeline.stages.Verifier = leakyVerifier{}

	out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, datatypes.SafeRejectionMessage, out.Response.Answer)
}

func TestAsk_CitationOfUnretrievedDocIsRejected(t *testing.T) {
	h := newHarness(t, Timeouts{})
	h.answer.Response = `{"relevant":true,"answer":"Salaries rise 3%.","citations":[{"doc_id":"hr-salaries","source":"hr.pdf"}]}`

	out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Zero(t, h.judge.CallCount())
}

func TestAsk_StageFailuresAbort(t *testing.T) {
	t.Run("retrieval", func(t *testing.T) {
		h := newHarness(t, Timeouts{})
		h.store.err = retriever.ErrStoreUnavailable
		_, err := h.pipeline.Ask(context.Background(), ask("finance-token", "q?"))
		assert.True(t, datatypes.IsKind(err, datatypes.KindRetrieval))
		assert.Zero(t, h.answer.CallCount())
		assert.Equal(t, 1, h.store.calls)
	})
	t.Run("retrieval timeout", func(t *testing.T) {
		h := newHarness(t, Timeouts{Retrieve: 20 * time.Millisecond})
		h.store.block = true
		_, err := h.pipeline.Ask(context.Background(), ask("finance-token", "q?"))
		assert.True(t, datatypes.IsKind(err, datatypes.KindRetrieval))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("answer", func(t *testing.T) {
		h := newHarness(t, Timeouts{})
		h.answer.Response = "The budget is big."
		_, err := h.pipeline.Ask(context.Background(), ask("finance-token", "q?"))
		assert.True(t, datatypes.IsKind(err, datatypes.KindAnswerGeneration))
		assert.Zero(t, h.judge.CallCount())
	})
	t.Run("verify timeout", func(t *testing.T) {
		h := newHarness(t, Timeouts{Verify: 20 * time.Millisecond})
		h.judge.Respond = llmtest.Blocking()
		_, err := h.pipeline.Ask(context.Background(), ask("finance-token", "q?"))
		assert.True(t, datatypes.IsKind(err, datatypes.KindVerification))
	})
}

func TestAsk_IdempotentOutcomeClass(t *testing.T) {
	h := newHarness(t, Timeouts{})
	var states []State
	for i := 0; i < 3; i++ {
		out, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
		require.NoError(t, err)
		states = append(states, out.State)
	}
	assert.Equal(t, []State{StateReturned, StateReturned, StateReturned}, states)
	for _, q := range h.store.queries {
		assert.Equal(t, h.store.queries[0], q)
	}
}

func TestAsk_Concurrent(t *testing.T) {
	h := newHarness(t, Timeouts{})
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Ask(context.Background(), ask("finance-token", "What is the travel budget?"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 16, h.store.calls)
}

func TestAsk_WithJWTProvider(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	provider, err := auth.NewJWTProvider(auth.Config{Secret: []byte(secret)})
	require.NoError(t, err)

	h := newHarness(t, Timeouts{})
	h.pipeline.stages.Auth = provider

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "alice",
		"roles":  []string{"finance.viewer"},
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	out, err := h.pipeline.Ask(context.Background(), ask(token, "What is the travel budget?"))
	require.NoError(t, err)
	assert.Equal(t, StateReturned, out.State)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = h.pipeline.Ask(context.Background(), ask(expired, "What is the travel budget?"))
	assert.True(t, datatypes.IsKind(err, datatypes.KindAuthentication))
}

func TestNew_RequiresEveryStage(t *testing.T) {
	_, err := New(Stages{}, Config{})
	assert.Error(t, err)
}

func TestTrace_RejectsBackwardTransitions(t *testing.T) {
	var tr Trace
	require.Error(t, tr.advance(StateRetrieving), "must start authenticating")
	require.NoError(t, tr.advance(StateAuthenticating))
	require.NoError(t, tr.advance(StateRetrieving))
	assert.Error(t, tr.advance(StateAuthenticating))
	assert.Error(t, tr.advance(StateRetrieving), "no stage is re-entered")
	require.NoError(t, tr.advance(StateAnswering))
	require.NoError(t, tr.advance(StateVerifying))
	require.NoError(t, tr.advance(StateRejected))
	assert.Error(t, tr.advance(StateReturned))
	assert.True(t, tr.Current().Terminal())
}
