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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeteredClient records latency and failures of every Generate call as OTel
// instruments, labelled with the backend name.
//
// Thread Safety: Safe for concurrent use when next is.
type MeteredClient struct {
	next     LLMClient
	attrs    metric.MeasurementOption
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// NewMeteredClient wraps next with instruments created from meter.
func NewMeteredClient(next LLMClient, meter metric.Meter, backend string) (*MeteredClient, error) {
	duration, err := meter.Float64Histogram(
		"aleutian_llm_generate_duration_seconds",
		metric.WithDescription("Generative call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create generate_duration: %w", err)
	}

	failures, err := meter.Int64Counter(
		"aleutian_llm_generate_failures_total",
		metric.WithDescription("Failed generative calls by backend and cause"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create generate_failures: %w", err)
	}

	return &MeteredClient{
		next:     next,
		attrs:    metric.WithAttributes(attribute.String("backend", backend)),
		duration: duration,
		failures: failures,
	}, nil
}

func (m *MeteredClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	start := time.Now()
	out, err := m.next.Generate(ctx, prompt, params)
	m.duration.Record(ctx, time.Since(start).Seconds(), m.attrs)
	if err != nil {
		m.failures.Add(ctx, 1, m.attrs, metric.WithAttributes(attribute.String("cause", failureCause(err))))
	}
	return out, err
}

func failureCause(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "backend"
	}
}

var _ LLMClient = (*MeteredClient)(nil)
