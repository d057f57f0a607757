// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reranker reorders retrieved contexts by relevance.
//
// The reranker is advisory. It can only permute the contexts it is given, and
// any failure leaves the retrieval order in place.
package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/llm"
	"github.com/go-playground/validator/v10"
	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.gateway.reranker")

const stageName = "rerank"

// maxSnippetChars bounds each context in the prompt.
const maxSnippetChars = 1500

const rerankTemplate = `Rank the numbered passages by how well they answer the question.

Order the passages by these tiers, highest first:
1. directly answers the question
2. related or contextual information for the question
3. background with topical overlap
4. tangential to the question
5. irrelevant

Keep every passage, including irrelevant ones; only the order changes.

Question:
{{.question}}

Passages:
{{range $i, $c := .contexts}}[{{$i}}] source={{$c.Source}} version={{$c.VersionID}}
{{$c.Text}}

{{end}}Return JSON of the form {"ranking":[...]} listing every passage index from 0 to {{.last}} exactly once, most relevant first.`

type rankingOutput struct {
	Ranking []int `json:"ranking" validate:"required,min=1"`
}

// Reranker asks the model for a permutation of the contexts.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reranker struct {
	client   llm.LLMClient
	template prompts.PromptTemplate
	validate *validator.Validate
	metrics  *observability.GatewayMetrics
	logger   *slog.Logger
}

func New(client llm.LLMClient, metrics *observability.GatewayMetrics, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{
		client:   client,
		template: prompts.NewPromptTemplate(rerankTemplate, []string{"question", "contexts", "last"}),
		validate: validator.New(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Rerank returns contexts in relevance order.
//
// # Description
//
// Zero or one context is returned unchanged without a model call. Otherwise
// the model's ranking must be a permutation of the input indexes, and the
// result must carry the same docId multiset as the input. When any of that
// fails (call error, deadline, malformed output) the input order is returned
// and a rerank failure is recorded. Rerank never returns an error.
func (r *Reranker) Rerank(ctx context.Context, question string, contexts []datatypes.DocumentContext) []datatypes.DocumentContext {
	if len(contexts) <= 1 {
		return contexts
	}

	ctx, span := tracer.Start(ctx, "Reranker.Rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("rerank.contexts", len(contexts)))

	start := time.Now()
	ranked, err := r.rank(ctx, question, contexts)
	r.metrics.RecordStage(stageName, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("rerank.fallback", true))
		r.metrics.RecordRerankFallback()
		r.metrics.RecordStageFailure(stageName, string(datatypes.KindRerank))
		r.logger.Warn("rerank failed, keeping retrieval order",
			"error", datatypes.NewPipelineError(datatypes.KindRerank, stageName, "rerank failed", err))
		return contexts
	}
	return ranked
}

func (r *Reranker) rank(ctx context.Context, question string, contexts []datatypes.DocumentContext) ([]datatypes.DocumentContext, error) {
	snippets := make([]datatypes.DocumentContext, len(contexts))
	for i, c := range contexts {
		c.Text = truncate(c.Text, maxSnippetChars)
		snippets[i] = c
	}
	prompt, err := r.template.Format(map[string]any{
		"question": question,
		"contexts": snippets,
		"last":     len(contexts) - 1,
	})
	if err != nil {
		return nil, fmt.Errorf("build rerank prompt: %w", err)
	}

	raw, err := r.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(0),
		MaxTokens:   llm.Int(256),
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank call: %w", err)
	}
	out, err := llm.DecodeJSON[rankingOutput](raw, r.validate)
	if err != nil {
		return nil, err
	}
	if err := checkPermutation(out.Ranking, len(contexts)); err != nil {
		return nil, err
	}

	ranked := make([]datatypes.DocumentContext, 0, len(contexts))
	for _, idx := range out.Ranking {
		ranked = append(ranked, contexts[idx])
	}
	if !datatypes.SameDocIDMultiset(contexts, ranked) {
		return nil, fmt.Errorf("%w: reranked set differs from input", llm.ErrMalformedOutput)
	}
	return ranked, nil
}

// checkPermutation requires ranking to list each of 0..n-1 exactly once.
func checkPermutation(ranking []int, n int) error {
	if len(ranking) != n {
		return fmt.Errorf("%w: ranking has %d entries, want %d", llm.ErrMalformedOutput, len(ranking), n)
	}
	seen := make([]bool, n)
	for _, idx := range ranking {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: index %d out of range", llm.ErrMalformedOutput, idx)
		}
		if seen[idx] {
			return fmt.Errorf("%w: index %d repeated", llm.ErrMalformedOutput, idx)
		}
		seen[idx] = true
	}
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
