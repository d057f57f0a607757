// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway HTTP endpoints.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGate/services/gateway/pipeline"
	"github.com/gin-gonic/gin"
)

// maxAskBodyBytes bounds the request body; the question itself is capped at
// datatypes.MaxQuestionBytes by validation.
const maxAskBodyBytes = 64 << 10

// Asker runs the governed pipeline. *pipeline.Pipeline implements it.
type Asker interface {
	Ask(ctx context.Context, req datatypes.AskRequest) (*pipeline.Outcome, error)
}

// HandleAsk serves POST /v1/ask.
//
// # Description
//
// The body is {"jwt": "...", "question": "..."}. When jwt is empty the token
// is taken from "Authorization: Bearer". The reply is always
// {"answer","citations"} on 200, including a verifier rejection, which
// carries a fixed rejection text and no citations. Failures map to
//
//	400 invalid body or question
//	401 authentication failure
//	504 a stage deadline expired
//	502 any other stage failure
//
// Error bodies never include stage detail.
func HandleAsk(asker Asker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAskBodyBytes)

		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("invalid ask body",
				"request_id", middleware.GetRequestID(c),
				"error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request"})
			return
		}
		if req.JWT == "" {
			req.JWT = middleware.BearerToken(c)
		}

		outcome, err := asker.Ask(c.Request.Context(), req)
		if err != nil {
			status, body := errorResponse(err)
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusOK, outcome.Response)
	}
}

func errorResponse(err error) (int, datatypes.ErrorResponse) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request"}
	case datatypes.IsKind(err, datatypes.KindAuthentication):
		return http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, datatypes.ErrorResponse{Error: "request failed"}
	default:
		return http.StatusBadGateway, datatypes.ErrorResponse{Error: "request failed"}
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
