// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*GatewayMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewGatewayMetrics(reg), reg
}

func TestGatewayMetrics_Counters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest(OutcomeReturned)
	m.RecordRequest(OutcomeReturned)
	m.RecordRequest(OutcomeRejected)
	m.RecordStageFailure("retrieve", "retrieval")
	m.RecordRerankFallback()
	m.RecordRetrievalDrop("classification")
	m.RecordVerification(true)
	m.RecordVerification(false)
	m.RecordAuditDrop()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OutcomeReturned)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailuresTotal.WithLabelValues("retrieve", "retrieval")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RerankFallbacksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalDroppedTotal.WithLabelValues("classification")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerificationTotal.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerificationTotal.WithLabelValues("reject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDroppedTotal))
}

func TestGatewayMetrics_InFlightAndStages(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlightRequests))

	m.RecordStage("retrieve", 120*time.Millisecond)
	count, err := testutil.GatherAndCount(reg, "aleutian_gateway_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGatewayMetrics_NilIsNoop(t *testing.T) {
	var m *GatewayMetrics
	assert.NotPanics(t, func() {
		m.RecordRequest(OutcomeError)
		m.RecordStage("verify", time.Second)
		m.RecordStageFailure("verify", "verification")
		m.RecordRerankFallback()
		m.RecordRetrievalDrop("tags")
		m.RecordVerification(false)
		m.RecordAuditDrop()
		m.IncInFlight()
		m.DecInFlight()
	})
}

func TestNewGatewayMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewGatewayMetrics(reg)
	assert.Panics(t, func() { NewGatewayMetrics(reg) })
}
