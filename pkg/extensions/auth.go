// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"slices"
)

// ErrUnauthorized is returned by AuthProvider implementations when a token is
// missing, malformed, expired or carries an invalid signature.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the verified content of a bearer token.
//
// # Description
//
// AuthInfo is produced only by an AuthProvider after signature and expiry
// checks succeed. The gateway turns it into request Claims; nothing else may
// construct principal information.
//
// # Fields
//
//   - Subject: Token subject. Never empty for a valid token.
//   - Roles: Role names asserted by the issuer.
//   - Tenant: Tenant id, or "".
//   - StepUp: True when the token asserts step-up authentication.
//   - Tier: Principal tier, or "".
//   - Metadata: Provider-specific extras (issuer, token id). Not used for
//     authorization.
type AuthInfo struct {
	Subject string

	Roles []string

	Tenant string

	StepUp bool

	Tier string

	Metadata Metadata
}

// HasRole reports whether the principal holds role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider verifies bearer tokens.
//
// # Description
//
// Validate must fail closed: any parse, signature, expiry, issuer or audience
// problem returns an error wrapping ErrUnauthorized and a nil AuthInfo.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// DenyAllAuthProvider rejects every token.
type DenyAllAuthProvider struct{}

// Validate always returns ErrUnauthorized.
func (p *DenyAllAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return nil, ErrUnauthorized
}

var _ AuthProvider = (*DenyAllAuthProvider)(nil)
