// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the gateway.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► X-Request-ID header + request context
//	   │
//	   ▼
//	InFlightLimit ──► 503 when saturated
//	   │
//	   ▼
//	Handler
package middleware

import (
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "aleutian_request_id"

// RequestID assigns every request an id.
//
// # Description
//
// A client-supplied X-Request-ID is kept when it parses as a UUID; anything
// else is replaced with a fresh UUID. The id is echoed in the response header,
// stored on the gin context and attached to the request context so audit
// events carry it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(extensions.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// InFlightLimit rejects requests beyond max concurrent ones with 503.
//
// # Thread Safety
//
// The returned handler is safe for concurrent use; the semaphore is shared by
// every request passing through it.
func InFlightLimit(max int64) gin.HandlerFunc {
	if max <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	sem := semaphore.NewWeighted(max)
	return func(c *gin.Context) {
		if !sem.TryAcquire(1) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
			return
		}
		defer sem.Release(1)
		c.Next()
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>". The
// scheme is matched case-insensitively. Returns "" when absent or malformed.
func BearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
