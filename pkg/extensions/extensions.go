// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the injection points of the gateway.
//
// The gateway depends on two collaborators it does not own: an identity
// provider that turns a bearer token into verified principal information, and
// an audit sink that records every policy and verification decision. Both are
// expressed as interfaces here so deployments can supply their own
// implementations through ServiceOptions.
//
// # Defaults
//
// DefaultOptions fails closed: DenyAllAuthProvider rejects every token and
// NopAuditLogger discards events. A gateway built from defaults serves no
// answers until a real AuthProvider is configured.
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(jwtProvider).
//	    WithAudit(dispatcher)
//	svc, err := gateway.New(ctx, cfg, &opts)
package extensions

// ServiceOptions holds the pluggable implementations used by the gateway.
//
// # Fields
//
//   - AuthProvider: Token verification. Default: DenyAllAuthProvider.
//   - AuditLogger: Decision audit trail. Default: NopAuditLogger.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; requests run in parallel.
type ServiceOptions struct {
	AuthProvider AuthProvider

	AuditLogger AuditLogger
}

// DefaultOptions returns fail-closed defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &DenyAllAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize fills nil fields with defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	defaults := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = defaults.AuthProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = defaults.AuditLogger
	}
	return opts
}
