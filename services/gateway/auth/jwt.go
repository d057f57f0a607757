// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth verifies bearer tokens and turns them into pipeline claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultLeeway tolerates clock skew between the issuer and the gateway.
	DefaultLeeway = 30 * time.Second

	// MinSecretBytes is the shortest HS256 secret accepted.
	MinSecretBytes = 32
)

// Config configures a JWTProvider.
type Config struct {
	// Secret is the HS256 key. It is moved into a memguard enclave and the
	// caller's slice is wiped.
	Secret []byte

	// Issuer, when set, must equal the token's iss claim.
	Issuer string

	// Audience, when set, must appear in the token's aud claim.
	Audience string

	Leeway time.Duration

	// Now overrides the clock for tests.
	Now func() time.Time
}

// JWTProvider validates HS256 tokens.
//
// # Description
//
// Tokens must be signed with HS256 and carry exp and a non-empty sub. The
// provider never synthesizes an identity: every failure is reported as
// extensions.ErrUnauthorized.
//
// # Thread Safety
//
// Safe for concurrent use. The secret is decrypted into locked memory for the
// duration of each verification and destroyed afterwards.
type JWTProvider struct {
	secret *memguard.Enclave
	parser *jwt.Parser
}

// NewJWTProvider builds a provider from cfg.
func NewJWTProvider(cfg Config) (*JWTProvider, error) {
	if len(cfg.Secret) < MinSecretBytes {
		return nil, fmt.Errorf("HS256 secret must be at least %d bytes", MinSecretBytes)
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &JWTProvider{
		secret: memguard.NewEnclave(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Validate implements extensions.AuthProvider.
func (p *JWTProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", extensions.ErrUnauthorized)
	}

	key, err := p.secret.Open()
	if err != nil {
		slog.Error("failed to open the signing key enclave", "error", err)
		return nil, fmt.Errorf("%w: key unavailable", extensions.ErrUnauthorized)
	}
	defer key.Destroy()

	claims := jwt.MapClaims{}
	_, err = p.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key.Bytes(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", extensions.ErrUnauthorized, reasonFor(err))
	}

	return infoFromClaims(claims)
}

// Authenticate validates token and returns pipeline claims. Failures are
// authentication-kind PipelineErrors wrapping extensions.ErrUnauthorized.
func (p *JWTProvider) Authenticate(ctx context.Context, token string) (datatypes.Claims, error) {
	info, err := p.Validate(ctx, token)
	if err != nil {
		return datatypes.Claims{}, datatypes.NewPipelineError(datatypes.KindAuthentication, "authenticate", "token rejected", err)
	}
	return ClaimsFromInfo(info), nil
}

// ClaimsFromInfo converts provider output into immutable Claims.
func ClaimsFromInfo(info *extensions.AuthInfo) datatypes.Claims {
	return datatypes.NewClaims(info.Subject, info.Roles, info.Tenant, info.StepUp, info.Tier)
}

func infoFromClaims(claims jwt.MapClaims) (*extensions.AuthInfo, error) {
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return nil, fmt.Errorf("%w: missing subject", extensions.ErrUnauthorized)
	}

	roles, err := stringList(claims["roles"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
	}

	tenant, err := optionalString(claims, "tenant")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
	}
	tier, err := optionalString(claims, "tier")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
	}

	stepUp := false
	if v, ok := claims["step_up"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: step_up must be a boolean", extensions.ErrUnauthorized)
		}
		stepUp = b
	}
	if amr, err := stringList(claims["amr"]); err == nil && slices.Contains(amr, "mfa") {
		stepUp = true
	}

	md := extensions.Metadata(nil)
	if iss, err := claims.GetIssuer(); err == nil && iss != "" {
		md = md.Set("issuer", iss)
	}
	if jti, ok := claims["jti"].(string); ok && jti != "" {
		md = md.Set("jti", jti)
	}

	return &extensions.AuthInfo{
		Subject:  sub,
		Roles:    roles,
		Tenant:   tenant,
		StepUp:   stepUp,
		Tier:     tier,
		Metadata: md,
	}, nil
}

// stringList accepts a JSON array of strings or a single string.
func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New("roles must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return slices.Clone(t), nil
	default:
		return nil, errors.New("roles must be a string or an array of strings")
	}
}

func optionalString(claims jwt.MapClaims, key string) (string, error) {
	v, ok := claims[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

// reasonFor maps a parse error to a short code safe for logs.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "required claim missing"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "bad issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "bad audience"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not valid yet"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable token"
	default:
		return "invalid token"
	}
}

var _ extensions.AuthProvider = (*JWTProvider)(nil)
