// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianGate/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName is the otelgin server name for gateway spans.
const ServiceName = "aleutian-gateway"

// SetupRoutes registers the gateway endpoints on router.
//
// The in-flight limit guards /v1/ask only; /health and /metrics stay
// reachable under load. A nil gatherer serves the default registry.
func SetupRoutes(router *gin.Engine, asker handlers.Asker, gatherer prometheus.Gatherer, maxInFlight int64) {
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(middleware.RequestID())

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/ask", middleware.InFlightLimit(maxInFlight), handlers.HandleAsk(asker))
	}
}
