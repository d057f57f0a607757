// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llmtest provides an in-memory llm.LLMClient for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianGate/services/llm"
)

// Call records one Generate invocation.
type Call struct {
	Prompt string
	Params llm.GenerationParams
}

// MockLLMClient implements llm.LLMClient for testing purposes.
//
// Respond, when set, computes the reply for each call. Otherwise Response and
// Err are returned. Safe for concurrent use.
type MockLLMClient struct {
	Response string
	Err      error
	Respond  func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error)

	mu    sync.Mutex
	calls []Call
}

func (m *MockLLMClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Prompt: prompt, Params: params})
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		return respond(ctx, prompt, params)
	}
	return m.Response, m.Err
}

// Calls returns a copy of the recorded calls.
func (m *MockLLMClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Blocking returns a Respond func that waits for ctx to end and returns its
// error, simulating a backend that never answers.
func Blocking() func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return func(ctx context.Context, _ string, _ llm.GenerationParams) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

var _ llm.LLMClient = (*MockLLMClient)(nil)
