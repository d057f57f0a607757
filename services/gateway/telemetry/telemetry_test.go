// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "otlp")
	cfg := DefaultConfig()
	assert.Equal(t, "aleutian-gateway", cfg.ServiceName)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "none", cfg.TraceExporter, "the environment is read by the caller")
	assert.Equal(t, "prometheus", cfg.MetricExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck
	_, err := Init(nil, quietConfig(), nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Noop(t *testing.T) {
	shutdown, err := Init(context.Background(), quietConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_StdoutTracer(t *testing.T) {
	cfg := quietConfig()
	cfg.TraceExporter = "stdout"
	shutdown, err := Init(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := quietConfig()
	cfg.TraceExporter = "zipkin-v0"
	_, err := Init(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = quietConfig()
	cfg.MetricExporter = "graphite"
	_, err = Init(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusBridgeUsesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := quietConfig()
	cfg.MetricExporter = "prometheus"
	shutdown, err := Init(context.Background(), cfg, reg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	counter, err := otel.Meter("test").Int64Counter("gate_bridge_probe")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "gate_bridge_probe") {
			found = true
		}
	}
	assert.True(t, found, "otel counter exposed through the registry")
}

func TestInit_StdoutMeter(t *testing.T) {
	cfg := quietConfig()
	cfg.MetricExporter = "stdout"
	shutdown, err := Init(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.True(t, strings.HasPrefix(sampler(1).Description(), "ParentBased{root:AlwaysOnSampler"))
	assert.True(t, strings.HasPrefix(sampler(0).Description(), "ParentBased{root:AlwaysOffSampler"))
	assert.True(t, strings.HasPrefix(sampler(0.5).Description(), "ParentBased{root:TraceIDRatioBased"))
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanID := trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	buf.Reset()
	LoggerWithTrace(ctx, logger).Info("traced")
	assert.Contains(t, buf.String(), traceID.String())
	assert.Contains(t, buf.String(), spanID.String())

	assert.NotNil(t, LoggerWithTrace(ctx, nil))
}

func TestInit_OTLPDialsLazily(t *testing.T) {
	cfg := quietConfig()
	cfg.TraceExporter = "otlp"
	cfg.OTLPEndpoint = "127.0.0.1:1"
	shutdown, err := Init(context.Background(), cfg, nil)
	require.NoError(t, err, "grpc.NewClient does not connect eagerly")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
