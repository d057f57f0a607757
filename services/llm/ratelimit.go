// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds the token bucket settings for LLM calls.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero or less disables limiting.
	RequestsPerSecond float64
	// BurstSize is the maximum burst. Values below 1 become 1.
	BurstSize int
}

// RateLimitedClient throttles calls to a wrapped backend.
//
// The reranker, answerer and verifier usually share one backend, so sharing
// one RateLimitedClient bounds the total call rate of the gateway. Waiting
// respects the caller's context, so a stage timeout still fires while queued.
type RateLimitedClient struct {
	next    LLMClient
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps next. A non-positive rate returns next unchanged.
func NewRateLimitedClient(next LLMClient, cfg RateLimitConfig) LLMClient {
	if cfg.RequestsPerSecond <= 0 {
		return next
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
	}
}

func (r *RateLimitedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Generate(ctx, prompt, params)
}

var _ LLMClient = (*RateLimitedClient)(nil)
