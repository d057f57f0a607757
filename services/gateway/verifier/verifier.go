// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verifier is the compliance gate in front of every answer.
//
// # Description
//
// A draft passes only when all four checks hold: factual traceability,
// citation accuracy, topical relevance and no external knowledge. Citation
// accuracy is decided locally against the contexts; the other three are
// judged by a model whose output must match a fixed schema. Anything the
// gate cannot positively confirm is rejected.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/llm"
	"github.com/go-playground/validator/v10"
	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.gateway.verifier")

const stageName = "verify"

// Rejection reasons recorded on the result and in the audit trail.
const (
	ReasonPassed            = "passed"
	ReasonRefusal           = "refusal"
	ReasonMalformedRefusal  = "refusal_with_citations"
	ReasonNoCitations       = "no_citations"
	ReasonUnknownCitation   = "unknown_citation"
	ReasonSourceMismatch    = "citation_source_mismatch"
	ReasonFactualTrace      = "factual_traceability"
	ReasonCitationAccuracy  = "citation_accuracy"
	ReasonTopicalRelevance  = "topical_relevance"
	ReasonExternalKnowledge = "external_knowledge"
	ReasonJudgeUnavailable  = "judge_unavailable"
	ReasonJudgeMalformed    = "judge_malformed"
)

const judgeSystemPrompt = `You are a compliance reviewer. You check a drafted answer against the
documents it was written from. You never add information and you answer in JSON only.`

const judgeTemplate = `Question:
{{.question}}

Documents:
{{range .contexts}}<document doc_id="{{.DocID}}">
{{.Text}}
</document>
{{end}}
Draft answer:
{{.answer}}

Cited doc_ids: {{range $i, $c := .citations}}{{if $i}}, {{end}}{{$c.DocID}}{{end}}

Check the draft and reply with JSON only:
{"factual_traceability": bool, "citation_accuracy": bool, "topical_relevance": bool, "no_external_knowledge": bool, "reason": "..."}

- factual_traceability: every claim in the draft is stated in at least one document.
- citation_accuracy: the cited documents support the claims attributed to them.
- topical_relevance: the draft answers the question asked, not a related one.
- no_external_knowledge: the draft contains nothing absent from all documents.`

type judgeOutput struct {
	FactualTraceability *bool  `json:"factual_traceability" validate:"required"`
	CitationAccuracy    *bool  `json:"citation_accuracy" validate:"required"`
	TopicalRelevance    *bool  `json:"topical_relevance" validate:"required"`
	NoExternalKnowledge *bool  `json:"no_external_knowledge" validate:"required"`
	Reason              string `json:"reason"`
}

// failedCheck returns the first failing check, or "" when all passed.
func (j judgeOutput) failedCheck() string {
	switch {
	case !*j.FactualTraceability:
		return ReasonFactualTrace
	case !*j.CitationAccuracy:
		return ReasonCitationAccuracy
	case !*j.TopicalRelevance:
		return ReasonTopicalRelevance
	case !*j.NoExternalKnowledge:
		return ReasonExternalKnowledge
	}
	return ""
}

type Config struct {
	Metrics *observability.GatewayMetrics
	Audit   extensions.AuditLogger
	Logger  *slog.Logger
	Now     func() time.Time
}

// Verifier gates drafts before they reach the caller.
//
// # Thread Safety
//
// Safe for concurrent use.
type Verifier struct {
	client   llm.LLMClient
	template prompts.PromptTemplate
	validate *validator.Validate
	metrics  *observability.GatewayMetrics
	audit    extensions.AuditLogger
	logger   *slog.Logger
	now      func() time.Time
}

func New(client llm.LLMClient, cfg Config) *Verifier {
	v := &Verifier{
		client:   client,
		template: prompts.NewPromptTemplate(judgeTemplate, []string{"question", "contexts", "answer", "citations"}),
		validate: validator.New(),
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if v.audit == nil {
		v.audit = &extensions.NopAuditLogger{}
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Verify decides whether draft may be returned.
//
// # Description
//
// A fixed refusal with no citations passes without a model call, whatever
// the contexts. Any other draft must cite at least one context, every cited
// docId must belong to contexts, and a cited source must match that context.
// Only then is the model judge consulted. A judge that errors or replies
// outside the schema rejects the draft.
//
// # Outputs
//
//   - *datatypes.VerificationResult: On rejection, Answer holds
//     datatypes.TopicNotFoundAnswer when the judge found content outside the
//     documents, otherwise datatypes.SafeRejectionMessage. Never the draft.
//   - error: PipelineError of kind verification when ctx expires during the
//     judge call. The request is aborted rather than answered.
func (v *Verifier) Verify(ctx context.Context, question string, draft *datatypes.RagAnswer, contexts []datatypes.DocumentContext) (*datatypes.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "Verifier.Verify")
	defer span.End()

	start := time.Now()
	result, checks, err := v.verify(ctx, question, draft, contexts)
	v.metrics.RecordStage(stageName, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification aborted")
		v.metrics.RecordStageFailure(stageName, string(datatypes.KindVerification))
		v.logger.Error("verification aborted",
			"request_id", extensions.RequestIDFromContext(ctx),
			"error", err)
		return nil, datatypes.NewPipelineError(datatypes.KindVerification, stageName, "verification aborted", err)
	}

	span.SetAttributes(attribute.Bool("verify.ok", result.OK), attribute.String("verify.reason", result.Reason))
	v.metrics.RecordVerification(result.OK)
	if !result.OK {
		v.logger.Warn("draft rejected",
			"request_id", extensions.RequestIDFromContext(ctx),
			"reason", result.Reason)
	}
	v.auditDecision(ctx, result, draft, checks)
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, question string, draft *datatypes.RagAnswer, contexts []datatypes.DocumentContext) (*datatypes.VerificationResult, extensions.Metadata, error) {
	if draft == nil {
		return reject(ReasonNoCitations), nil, nil
	}
	if draft.IsRefusal() {
		return &datatypes.VerificationResult{OK: true, Reason: ReasonRefusal, Answer: draft.Answer}, nil, nil
	}
	if datatypes.IsRefusalText(draft.Answer) {
		return reject(ReasonMalformedRefusal), nil, nil
	}
	if reason := checkCitations(draft.Citations, contexts); reason != "" {
		return reject(reason), extensions.Metadata(nil).Set("citation_accuracy", false), nil
	}

	judged, err := v.judge(ctx, question, draft, contexts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("judge call: %w", ctxErr)
		}
		reason := ReasonJudgeUnavailable
		if errors.Is(err, llm.ErrMalformedOutput) {
			reason = ReasonJudgeMalformed
		}
		v.logger.Warn("compliance judge failed",
			"request_id", extensions.RequestIDFromContext(ctx),
			"error", err)
		return reject(reason), nil, nil
	}

	checks := extensions.Metadata(nil).
		Set("factual_traceability", *judged.FactualTraceability).
		Set("citation_accuracy", *judged.CitationAccuracy).
		Set("topical_relevance", *judged.TopicalRelevance).
		Set("no_external_knowledge", *judged.NoExternalKnowledge)
	if failed := judged.failedCheck(); failed != "" {
		return reject(failed), checks, nil
	}
	return &datatypes.VerificationResult{OK: true, Reason: ReasonPassed, Answer: draft.Answer}, checks, nil
}

// checkCitations enforces citation accuracy without the model.
func checkCitations(citations []datatypes.Citation, contexts []datatypes.DocumentContext) string {
	if len(citations) == 0 {
		return ReasonNoCitations
	}
	sources := make(map[string][]string, len(contexts))
	for _, c := range contexts {
		sources[c.DocID] = append(sources[c.DocID], c.Source)
	}
	for _, cite := range citations {
		known, ok := sources[cite.DocID]
		if !ok || cite.DocID == "" {
			return ReasonUnknownCitation
		}
		if cite.Source != "" && !slices.Contains(known, cite.Source) {
			return ReasonSourceMismatch
		}
	}
	return ""
}

func (v *Verifier) judge(ctx context.Context, question string, draft *datatypes.RagAnswer, contexts []datatypes.DocumentContext) (judgeOutput, error) {
	prompt, err := v.template.Format(map[string]any{
		"question":  question,
		"contexts":  contexts,
		"answer":    draft.Answer,
		"citations": draft.Citations,
	})
	if err != nil {
		return judgeOutput{}, fmt.Errorf("build judge prompt: %w", err)
	}
	raw, err := v.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(0),
		MaxTokens:   llm.Int(512),
		System:      judgeSystemPrompt,
		JSONMode:    true,
	})
	if err != nil {
		return judgeOutput{}, fmt.Errorf("judge call: %w", err)
	}
	return llm.DecodeJSON[judgeOutput](raw, v.validate)
}

func reject(reason string) *datatypes.VerificationResult {
	return &datatypes.VerificationResult{OK: false, Reason: reason, Answer: rejectionMessage(reason)}
}

// rejectionMessage picks the text shown in place of a rejected draft. A draft
// the judge found unsupported by the documents reads as the topic refusal;
// every other failure gets the generic safe message.
func rejectionMessage(reason string) string {
	switch reason {
	case ReasonFactualTrace, ReasonTopicalRelevance, ReasonExternalKnowledge:
		return datatypes.TopicNotFoundAnswer
	default:
		return datatypes.SafeRejectionMessage
	}
}

func (v *Verifier) auditDecision(ctx context.Context, result *datatypes.VerificationResult, draft *datatypes.RagAnswer, checks extensions.Metadata) {
	decision := "pass"
	if !result.OK {
		decision = "reject"
	}
	md := checks.Clone()
	if draft != nil {
		cited := make([]string, 0, len(draft.Citations))
		for _, c := range draft.Citations {
			cited = append(cited, c.DocID)
		}
		md = md.Set("cited_doc_ids", cited)
	}
	event := extensions.AuditEvent{
		Stage:     extensions.AuditStageVerification,
		Principal: extensions.PrincipalFromContext(ctx),
		Decision:  decision,
		Reason:    result.Reason,
		Timestamp: v.now().UTC(),
		RequestID: extensions.RequestIDFromContext(ctx),
		Metadata:  md,
	}
	if err := v.audit.Log(ctx, event); err != nil {
		v.logger.Warn("failed to write verification audit event", "error", err)
	}
}
