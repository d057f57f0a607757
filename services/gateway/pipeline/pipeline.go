// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs one governed question through every stage.
//
// # Description
//
// Stages run strictly in order:
//
//	AUTHENTICATING -> RETRIEVING -> ANSWERING -> VERIFYING -> RETURNED | REJECTED
//
// Each stage gets its own deadline. A rerank failure is absorbed; every
// other stage error aborts the request and no answer is produced. Nothing is
// retried. The pipeline keeps no per-request state on the Pipeline value, so
// one instance serves concurrent requests.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/auth"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
	"github.com/AleutianAI/AleutianGate/services/policy_engine"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.gateway.pipeline")

// ErrInvalidRequest marks requests rejected before authentication.
var ErrInvalidRequest = errors.New("invalid request")

// Stage collaborators. The concrete implementations live in the policy_engine,
// retriever, reranker, answerer and verifier packages.
type (
	PolicyDeriver interface {
		DeriveDecision(ctx context.Context, claims datatypes.Claims) policy_engine.Decision
	}
	ContextRetriever interface {
		Retrieve(ctx context.Context, question string, filter datatypes.AccessFilter, topK int) ([]datatypes.DocumentContext, error)
	}
	ContextReranker interface {
		Rerank(ctx context.Context, question string, contexts []datatypes.DocumentContext) []datatypes.DocumentContext
	}
	DraftAnswerer interface {
		Answer(ctx context.Context, question string, contexts []datatypes.DocumentContext) (*datatypes.RagAnswer, error)
	}
	DraftVerifier interface {
		Verify(ctx context.Context, question string, draft *datatypes.RagAnswer, contexts []datatypes.DocumentContext) (*datatypes.VerificationResult, error)
	}
)

// Timeouts bounds each stage. Zero values take the defaults.
type Timeouts struct {
	Authenticate time.Duration
	Retrieve     time.Duration
	Rerank       time.Duration
	Answer       time.Duration
	Verify       time.Duration
}

// DefaultTimeouts returns the stage deadlines used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Authenticate: 2 * time.Second,
		Retrieve:     10 * time.Second,
		Rerank:       15 * time.Second,
		Answer:       60 * time.Second,
		Verify:       30 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Authenticate <= 0 {
		t.Authenticate = d.Authenticate
	}
	if t.Retrieve <= 0 {
		t.Retrieve = d.Retrieve
	}
	if t.Rerank <= 0 {
		t.Rerank = d.Rerank
	}
	if t.Answer <= 0 {
		t.Answer = d.Answer
	}
	if t.Verify <= 0 {
		t.Verify = d.Verify
	}
	return t
}

// Stages groups the injected collaborators. All are required.
type Stages struct {
	Auth      extensions.AuthProvider
	Policy    PolicyDeriver
	Retriever ContextRetriever
	Reranker  ContextReranker
	Answerer  DraftAnswerer
	Verifier  DraftVerifier
}

type Config struct {
	TopK     int
	Timeouts Timeouts
	Metrics  *observability.GatewayMetrics
	Logger   *slog.Logger
}

// Outcome is the result of a request that reached a terminal state.
//
// # Fields
//
//   - State: StateReturned or StateRejected.
//   - Trace: Every state the request passed through, in order.
//   - Response: What the caller receives. On rejection this is the safe
//     message with no citations.
//   - Verification: The verifier's decision.
//   - Degraded: The policy decision was degraded (unrecognized roles or
//     invalid claims), so the scope may be narrower than expected.
type Outcome struct {
	State        State
	Trace        Trace
	Response     datatypes.AskResponse
	Verification *datatypes.VerificationResult
	Degraded     bool
}

type Pipeline struct {
	stages   Stages
	topK     int
	timeouts Timeouts
	metrics  *observability.GatewayMetrics
	logger   *slog.Logger
}

func New(stages Stages, cfg Config) (*Pipeline, error) {
	switch {
	case stages.Auth == nil:
		return nil, fmt.Errorf("pipeline: auth provider is required")
	case stages.Policy == nil:
		return nil, fmt.Errorf("pipeline: policy engine is required")
	case stages.Retriever == nil:
		return nil, fmt.Errorf("pipeline: retriever is required")
	case stages.Reranker == nil:
		return nil, fmt.Errorf("pipeline: reranker is required")
	case stages.Answerer == nil:
		return nil, fmt.Errorf("pipeline: answerer is required")
	case stages.Verifier == nil:
		return nil, fmt.Errorf("pipeline: verifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		stages:   stages,
		topK:     cfg.TopK,
		timeouts: cfg.Timeouts.withDefaults(),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Ask answers req.Question on behalf of the bearer of req.JWT.
//
// # Description
//
// A request id is taken from ctx or generated, and attached to every log
// line and audit event of the request.
//
// # Outputs
//
//   - *Outcome: Set when the request reached RETURNED or REJECTED.
//   - error: Wraps ErrInvalidRequest for a malformed request, otherwise a
//     *datatypes.PipelineError naming the failed stage.
func (p *Pipeline) Ask(ctx context.Context, req datatypes.AskRequest) (*Outcome, error) {
	if extensions.RequestIDFromContext(ctx) == "" {
		ctx = extensions.WithRequestID(ctx, uuid.NewString())
	}
	requestID := extensions.RequestIDFromContext(ctx)

	ctx, span := tracer.Start(ctx, "Pipeline.Ask")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	p.metrics.IncInFlight()
	defer p.metrics.DecInFlight()
	start := time.Now()

	outcome, err := p.run(ctx, req)
	logger := telemetry.LoggerWithTrace(ctx, p.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		p.metrics.RecordRequest(observability.OutcomeError)
		logger.Warn("request failed",
			"request_id", requestID,
			"stage", stageOf(err),
			"kind", string(datatypes.KindOf(err)),
			"duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	result := observability.OutcomeReturned
	if outcome.State == StateRejected {
		result = observability.OutcomeRejected
	}
	p.metrics.RecordRequest(result)
	span.SetAttributes(attribute.String("request.state", string(outcome.State)))
	logger.Info("request completed",
		"request_id", requestID,
		"state", string(outcome.State),
		"citations", len(outcome.Response.Citations),
		"degraded", outcome.Degraded,
		"duration_ms", time.Since(start).Milliseconds())
	return outcome, nil
}

func (p *Pipeline) run(ctx context.Context, req datatypes.AskRequest) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	out := &Outcome{}
	advance := func(s State) error {
		if err := out.Trace.advance(s); err != nil {
			return fmt.Errorf("pipeline state: %w", err)
		}
		out.State = s
		return nil
	}

	// AUTHENTICATING: token verification and policy derivation.
	if err := advance(StateAuthenticating); err != nil {
		return nil, err
	}
	claims, err := p.authenticate(ctx, req.JWT)
	if err != nil {
		return nil, err
	}
	ctx = extensions.WithPrincipal(ctx, claims.Subject())

	policyStart := time.Now()
	decision := p.stages.Policy.DeriveDecision(ctx, claims)
	p.metrics.RecordStage("policy", time.Since(policyStart))
	out.Degraded = decision.Degraded
	filter := decision.Filter

	// RETRIEVING: one store query, then an advisory rerank.
	if err := advance(StateRetrieving); err != nil {
		return nil, err
	}
	contexts, err := withTimeout(ctx, p.timeouts.Retrieve, func(ctx context.Context) ([]datatypes.DocumentContext, error) {
		return p.stages.Retriever.Retrieve(ctx, req.Question, filter, p.topK)
	})
	if err != nil {
		return nil, err
	}
	ranked, _ := withTimeout(ctx, p.timeouts.Rerank, func(ctx context.Context) ([]datatypes.DocumentContext, error) {
		return p.stages.Reranker.Rerank(ctx, req.Question, contexts), nil
	})
	if !datatypes.SameDocIDMultiset(contexts, ranked) {
		ranked = contexts
	}

	// ANSWERING
	if err := advance(StateAnswering); err != nil {
		return nil, err
	}
	draft, err := withTimeout(ctx, p.timeouts.Answer, func(ctx context.Context) (*datatypes.RagAnswer, error) {
		return p.stages.Answerer.Answer(ctx, req.Question, ranked)
	})
	if err != nil {
		return nil, err
	}

	// VERIFYING against the same contexts the answerer saw.
	if err := advance(StateVerifying); err != nil {
		return nil, err
	}
	verdict, err := withTimeout(ctx, p.timeouts.Verify, func(ctx context.Context) (*datatypes.VerificationResult, error) {
		return p.stages.Verifier.Verify(ctx, req.Question, draft, ranked)
	})
	if err != nil {
		return nil, err
	}
	if verdict == nil {
		return nil, datatypes.NewPipelineError(datatypes.KindVerification, "verify", "verifier returned no result", nil)
	}
	out.Verification = verdict

	if !verdict.OK {
		if err := advance(StateRejected); err != nil {
			return nil, err
		}
		out.Response = datatypes.AskResponse{Answer: rejectionAnswer(verdict), Citations: []datatypes.Citation{}}
		return out, nil
	}

	if err := advance(StateReturned); err != nil {
		return nil, err
	}
	citations := draft.Citations
	if citations == nil {
		citations = []datatypes.Citation{}
	}
	out.Response = datatypes.AskResponse{Answer: verdict.Answer, Citations: citations}
	return out, nil
}

// rejectionAnswer returns the verifier's message when it is one of the fixed
// texts, so a rejected draft never reaches the caller.
func rejectionAnswer(verdict *datatypes.VerificationResult) string {
	if verdict.Answer == datatypes.SafeRejectionMessage || datatypes.IsRefusalText(verdict.Answer) {
		return verdict.Answer
	}
	return datatypes.SafeRejectionMessage
}

func (p *Pipeline) authenticate(ctx context.Context, token string) (datatypes.Claims, error) {
	start := time.Now()
	info, err := withTimeout(ctx, p.timeouts.Authenticate, func(ctx context.Context) (*extensions.AuthInfo, error) {
		return p.stages.Auth.Validate(ctx, token)
	})
	p.metrics.RecordStage("authenticate", time.Since(start))
	if err == nil && info == nil {
		err = extensions.ErrUnauthorized
	}
	if err != nil {
		p.metrics.RecordStageFailure("authenticate", string(datatypes.KindAuthentication))
		return datatypes.Claims{}, datatypes.NewPipelineError(datatypes.KindAuthentication, "authenticate", "token rejected", err)
	}
	return auth.ClaimsFromInfo(info), nil
}

// withTimeout runs fn under a child context carrying its own deadline.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(stageCtx)
}

func stageOf(err error) string {
	var pe *datatypes.PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	if errors.Is(err, ErrInvalidRequest) {
		return "validate"
	}
	return ""
}
