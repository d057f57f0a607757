// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Metrics Exposed
//
//   - aleutian_gateway_requests_total{outcome}
//   - aleutian_gateway_stage_duration_seconds{stage}
//   - aleutian_gateway_stage_failures_total{stage,kind}
//   - aleutian_gateway_rerank_fallbacks_total
//   - aleutian_gateway_retrieval_dropped_total{reason}
//   - aleutian_gateway_verification_total{result}
//   - aleutian_gateway_audit_dropped_total
//   - aleutian_gateway_in_flight_requests
//
// Labels never carry principals, questions or document ids.
//
// # Thread Safety
//
// All methods are safe for concurrent use. A nil *GatewayMetrics is valid and
// records nothing, so stages can be built without metrics in tests.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const gatewaySubsystem = "gateway"

// Request outcomes.
const (
	OutcomeReturned = "returned"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type GatewayMetrics struct {
	// RequestsTotal counts finished requests.
	// Labels: outcome (returned, rejected, error)
	RequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures each pipeline stage.
	// Labels: stage (authenticate, policy, retrieve, rerank, answer, verify)
	StageDurationSeconds *prometheus.HistogramVec

	// StageFailuresTotal counts stage errors.
	// Labels: stage, kind (authentication, retrieval, rerank, ...)
	StageFailuresTotal *prometheus.CounterVec

	RerankFallbacksTotal prometheus.Counter

	// RetrievalDroppedTotal counts contexts removed by the post-filter.
	// Labels: reason (classification, tags, missing_doc_id, score)
	RetrievalDroppedTotal *prometheus.CounterVec

	// VerificationTotal counts verifier decisions.
	// Labels: result (pass, reject)
	VerificationTotal *prometheus.CounterVec

	AuditDroppedTotal prometheus.Counter

	InFlightRequests prometheus.Gauge
}

// NewGatewayMetrics registers the gateway metrics with reg. Passing nil uses
// the default Prometheus registerer.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &GatewayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of ask requests by outcome",
			},
			[]string{"outcome"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		StageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stage_failures_total",
				Help:      "Total number of stage failures by stage and error kind",
			},
			[]string{"stage", "kind"},
		),
		RerankFallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "rerank_fallbacks_total",
				Help:      "Total number of reranks that fell back to retrieval order",
			},
		),
		RetrievalDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "retrieval_dropped_total",
				Help:      "Total number of retrieved contexts dropped by the access post-filter",
			},
			[]string{"reason"},
		),
		VerificationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "verification_total",
				Help:      "Total number of verifier decisions by result",
			},
			[]string{"result"},
		),
		AuditDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "audit_dropped_total",
				Help:      "Total number of audit events dropped because the queue was full",
			},
		),
		InFlightRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "in_flight_requests",
				Help:      "Number of ask requests currently being processed",
			},
		),
	}
}

func (m *GatewayMetrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *GatewayMetrics) RecordStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *GatewayMetrics) RecordStageFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.StageFailuresTotal.WithLabelValues(stage, kind).Inc()
}

func (m *GatewayMetrics) RecordRerankFallback() {
	if m == nil {
		return
	}
	m.RerankFallbacksTotal.Inc()
}

func (m *GatewayMetrics) RecordRetrievalDrop(reason string) {
	if m == nil {
		return
	}
	m.RetrievalDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *GatewayMetrics) RecordVerification(ok bool) {
	if m == nil {
		return
	}
	result := "reject"
	if ok {
		result = "pass"
	}
	m.VerificationTotal.WithLabelValues(result).Inc()
}

func (m *GatewayMetrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditDroppedTotal.Inc()
}

func (m *GatewayMetrics) IncInFlight() {
	if m == nil {
		return
	}
	m.InFlightRequests.Inc()
}

func (m *GatewayMetrics) DecInFlight() {
	if m == nil {
		return
	}
	m.InFlightRequests.Dec()
}
