// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the language-model backends used by the reranker,
// answerer and verifier. Every backend answers a single prompt with a single
// completion; there is no conversation state.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.llm")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// System is the system instruction sent alongside the prompt.
	System string `json:"system,omitempty"`

	// JSONMode asks the backend to constrain output to a JSON object where
	// the backend supports it.
	JSONMode bool `json:"json_mode,omitempty"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Backend names accepted by NewClientFromEnv.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
	BackendClaude = "claude"
	BackendLocal  = "local"
)

// NewClientFromEnv selects and builds a backend by name, reading its settings
// from the environment.
func NewClientFromEnv(backend string) (LLMClient, error) {
	switch strings.ToLower(backend) {
	case BackendOpenAI:
		return NewOpenAIClient()
	case BackendOllama:
		return NewOllamaClient()
	case BackendClaude, "anthropic":
		return NewAnthropicClient()
	case BackendLocal:
		return NewLocalLlamaCppClient()
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", backend)
	}
}

// readSecret returns the environment value for key, falling back to a
// mounted secret file.
func readSecret(envKey, secretPath string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	content, err := os.ReadFile(secretPath)
	if err != nil {
		return ""
	}
	slog.Info("Read API key from mounted secret", "path", secretPath)
	return strings.TrimSpace(string(content))
}

func Float32(v float32) *float32 { return &v }

func Int(v int) *int { return &v }
