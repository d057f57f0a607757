// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package answerer drafts citation-bound answers from authorized contexts.
package answerer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
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

var tracer = otel.Tracer("aleutian.gateway.answerer")

const stageName = "answer"

const systemPrompt = `You answer questions for employees using only the documents provided.
Never use outside knowledge. Every statement must be supported by a cited document.
If the documents do not cover the question, say so by setting "relevant" to false.`

const answerTemplate = `Question:
{{.question}}

Documents:
{{range .contexts}}<document doc_id="{{.DocID}}" source="{{.Source}}">
{{.Text}}
</document>
{{end}}
Reply with JSON only:
{"relevant": true|false, "answer": "...", "citations": [{"doc_id": "...", "source": "..."}]}

Rules:
- "relevant" is false when none of the documents address the question; then leave "answer" empty and "citations" empty.
- When "relevant" is true, "answer" uses only facts stated in the documents and "citations" lists every doc_id the answer relies on.
- Cite doc_id values exactly as given.`

type citationOutput struct {
	DocID  string `json:"doc_id" validate:"required"`
	Source string `json:"source"`
}

type answerOutput struct {
	Relevant  *bool            `json:"relevant" validate:"required"`
	Answer    string           `json:"answer"`
	Citations []citationOutput `json:"citations" validate:"dive"`
}

type Config struct {
	Metrics     *observability.GatewayMetrics
	Logger      *slog.Logger
	Temperature float32
	MaxTokens   int
}

// Answerer turns ranked contexts into a draft RagAnswer.
type Answerer struct {
	client   llm.LLMClient
	template prompts.PromptTemplate
	validate *validator.Validate
	metrics  *observability.GatewayMetrics
	logger   *slog.Logger
	params   llm.GenerationParams
}

func New(client llm.LLMClient, cfg Config) *Answerer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Answerer{
		client:   client,
		template: prompts.NewPromptTemplate(answerTemplate, []string{"question", "contexts"}),
		validate: validator.New(),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		params: llm.GenerationParams{
			Temperature: llm.Float32(cfg.Temperature),
			MaxTokens:   llm.Int(cfg.MaxTokens),
			System:      systemPrompt,
			JSONMode:    true,
		},
	}
}

// Answer drafts an answer to question grounded in contexts.
//
// # Description
//
// With no contexts the fixed "no authorized documents" refusal is returned
// without a model call. When the model reports the contexts as off-topic the
// fixed "topic not found" refusal is returned. Otherwise the answer and its
// citations are taken from the model verbatim; the verifier checks them.
//
// # Outputs
//
//   - *datatypes.RagAnswer: The draft. Citations is never nil.
//   - error: PipelineError of kind answer_generation on a failed call, an
//     expired deadline or output that does not parse.
func (a *Answerer) Answer(ctx context.Context, question string, contexts []datatypes.DocumentContext) (*datatypes.RagAnswer, error) {
	if len(contexts) == 0 {
		return datatypes.NoAuthorizedDocuments(), nil
	}

	ctx, span := tracer.Start(ctx, "Answerer.Answer")
	defer span.End()
	span.SetAttributes(attribute.Int("answer.contexts", len(contexts)))

	start := time.Now()
	draft, err := a.generate(ctx, question, contexts)
	a.metrics.RecordStage(stageName, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer generation failed")
		a.metrics.RecordStageFailure(stageName, string(datatypes.KindAnswerGeneration))
		a.logger.Error("answer generation failed",
			"request_id", extensions.RequestIDFromContext(ctx),
			"error", err)
		return nil, datatypes.NewPipelineError(datatypes.KindAnswerGeneration, stageName, "answer generation failed", err)
	}
	span.SetAttributes(attribute.Int("answer.citations", len(draft.Citations)))
	return draft, nil
}

func (a *Answerer) generate(ctx context.Context, question string, contexts []datatypes.DocumentContext) (*datatypes.RagAnswer, error) {
	prompt, err := a.template.Format(map[string]any{
		"question": question,
		"contexts": contexts,
	})
	if err != nil {
		return nil, fmt.Errorf("build answer prompt: %w", err)
	}

	raw, err := a.client.Generate(ctx, prompt, a.params)
	if err != nil {
		return nil, fmt.Errorf("answer call: %w", err)
	}
	out, err := llm.DecodeJSON[answerOutput](raw, a.validate)
	if err != nil {
		return nil, err
	}

	if !*out.Relevant {
		return datatypes.TopicNotFound(), nil
	}
	answer := strings.TrimSpace(out.Answer)
	if answer == "" {
		return nil, fmt.Errorf("%w: relevant answer is empty", llm.ErrMalformedOutput)
	}
	if len(out.Citations) == 0 {
		return nil, fmt.Errorf("%w: relevant answer has no citations", llm.ErrMalformedOutput)
	}

	citations := make([]datatypes.Citation, 0, len(out.Citations))
	for _, c := range out.Citations {
		citations = append(citations, datatypes.Citation{DocID: c.DocID, Source: c.Source})
	}
	return &datatypes.RagAnswer{Answer: answer, Citations: citations}, nil
}
