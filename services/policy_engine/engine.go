// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

const (
	roleTagPrefix   = "role:"
	tenantTagPrefix = "tenant:"
)

// PolicyEngine derives the AccessFilter for verified claims.
//
// # Description
//
// The engine holds the compiled access policy and is read-only after
// construction. Derivation depends only on the claims and the policy, so the
// same claims always produce the same filter.
//
// # Thread Safety
//
// Safe for concurrent use. The audit logger must be safe for concurrent use.
type PolicyEngine struct {
	policy      AccessPolicyFile
	fingerprint string
	audit       extensions.AuditLogger
	logger      *slog.Logger
	now         func() time.Time
}

// EngineOption configures a PolicyEngine.
type EngineOption func(*PolicyEngine)

// WithAuditLogger sets the sink for policy decisions.
func WithAuditLogger(audit extensions.AuditLogger) EngineOption {
	return func(e *PolicyEngine) {
		if audit != nil {
			e.audit = audit
		}
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *PolicyEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the timestamp source of audit events.
func WithClock(now func() time.Time) EngineOption {
	return func(e *PolicyEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewPolicyEngine builds an engine from the policy embedded in the binary.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles the role and tenant patterns and validates rule globs.
// 3. Sorts rules by priority.
//
// Returns an error if the embedded YAML is malformed.
func NewPolicyEngine(opts ...EngineOption) (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.AccessPolicy, opts...)
}

// NewPolicyEngineFromYAML builds an engine from an explicit policy document.
func NewPolicyEngineFromYAML(data []byte, opts ...EngineOption) (*PolicyEngine, error) {
	var policy AccessPolicyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the access policy: %w", err)
	}
	if err := policy.Compile(); err != nil {
		return nil, fmt.Errorf("failed to compile the access policy: %w", err)
	}
	policy.SortByPriority()

	sum := sha256.Sum256(data)
	engine := &PolicyEngine{
		policy:      policy,
		fingerprint: fmt.Sprintf("sha256:%x", sum),
		audit:       &extensions.NopAuditLogger{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Fingerprint returns the sha256 of the policy document the engine was built
// from, formatted as "sha256:<hex>".
func (e *PolicyEngine) Fingerprint() string {
	return e.fingerprint
}

func (e *PolicyEngine) Version() string {
	return e.policy.Version
}

// Evaluate derives the filter and the reasoning behind it without side
// effects.
//
// # Description
//
// allowTags holds "role:<r>" for every role and "tenant:<t>" when a tenant is
// present. Each role takes the grant of the first rule, in priority order,
// that matches it; maxClassification is the highest of those grants, raised to the step-up grant when the token asserts step-up and (when
// the policy requires it) at least one role is recognized. Roles matching no
// rule still narrow results through their tag but never raise the tier.
//
// Structurally invalid claims yield the public-only filter.
func (e *PolicyEngine) Evaluate(claims datatypes.Claims) Decision {
	if reason := e.invalidClaims(claims); reason != "" {
		return Decision{
			Filter:   datatypes.PublicOnlyFilter(),
			Degraded: true,
			Reason:   ReasonInvalidClaims,
		}
	}

	roles := claims.Roles()
	tags := make([]string, 0, len(roles)+1)
	for _, role := range roles {
		tags = append(tags, roleTagPrefix+role)
	}
	if tenant := claims.Tenant(); tenant != "" {
		tags = append(tags, tenantTagPrefix+tenant)
	}

	max := e.policy.DefaultClassification.Classification()
	matched := ""
	recognized := 0
	var unrecognized []string
	for _, role := range roles {
		rule, ok := e.matchRole(role)
		if !ok {
			unrecognized = append(unrecognized, role)
			continue
		}
		recognized++
		if grant := rule.Grants.Classification(); grant.Rank() > max.Rank() {
			max = grant
			matched = rule.Name
		}
	}

	if claims.StepUp() && (recognized > 0 || !e.policy.StepUp.RequiresRecognizedRole) {
		if grant := e.policy.StepUp.Grants.Classification(); grant.Rank() > max.Rank() {
			max = grant
			matched = "step_up"
		}
	}

	decision := Decision{
		Filter:            datatypes.NewAccessFilter(tags, max),
		MatchedRule:       matched,
		UnrecognizedRoles: unrecognized,
	}
	switch {
	case len(unrecognized) > 0:
		decision.Degraded = true
		decision.Reason = ReasonUnrecognized
	case recognized == 0:
		decision.Reason = ReasonNoRecognizedRole
	default:
		decision.Reason = ReasonGranted
	}
	return decision
}

// matchRole returns the first rule, in priority order, matching role.
func (e *PolicyEngine) matchRole(role string) (RoleRule, bool) {
	for _, rule := range e.policy.Rules {
		if rule.Matches(role) {
			return rule, true
		}
	}
	return RoleRule{}, false
}

func (e *PolicyEngine) invalidClaims(claims datatypes.Claims) string {
	if strings.TrimSpace(claims.Subject()) == "" {
		return "empty subject"
	}
	if tenant := claims.Tenant(); tenant != "" && !e.policy.compiledTenantPattern.MatchString(tenant) {
		return "malformed tenant"
	}
	for _, role := range claims.Roles() {
		if !e.policy.compiledRolePattern.MatchString(role) {
			return "malformed role"
		}
	}
	return ""
}

// Derive returns the AccessFilter for claims and records the decision.
//
// # Description
//
// Derive never fails. Invalid claims fail closed to the public-only filter and
// unrecognized roles are reported as a degraded decision. The audit write is
// best-effort; a failing audit logger is logged and otherwise ignored.
//
// # Inputs
//
//   - ctx: Carries the request id for the audit record.
//   - claims: Verified claims of the request.
//
// # Outputs
//
//   - datatypes.AccessFilter: Immutable scope for retrieval.
func (e *PolicyEngine) Derive(ctx context.Context, claims datatypes.Claims) datatypes.AccessFilter {
	return e.DeriveDecision(ctx, claims).Filter
}

// DeriveDecision is Derive returning the full Decision, for callers that
// surface degradation.
func (e *PolicyEngine) DeriveDecision(ctx context.Context, claims datatypes.Claims) Decision {
	decision := e.Evaluate(claims)

	verdict := "allow"
	if decision.Degraded {
		verdict = "degraded"
		e.logger.Warn("policy decision degraded",
			"principal", claims.Subject(),
			"reason", decision.Reason,
			"unrecognized_roles", decision.UnrecognizedRoles)
	}

	metadata := extensions.Metadata(nil).
		Set("roles", claims.Roles()).
		Set("tenant", claims.Tenant()).
		Set("step_up", claims.StepUp()).
		Set("allow_tags", decision.Filter.AllowTags()).
		Set("max_classification", decision.Filter.MaxClassification().String()).
		Set("policy", e.fingerprint)
	if decision.MatchedRule != "" {
		metadata = metadata.Set("matched_rule", decision.MatchedRule)
	}
	if tier := claims.Tier(); tier != "" {
		metadata = metadata.Set("tier", tier)
	}

	event := extensions.AuditEvent{
		Stage:     extensions.AuditStagePolicy,
		Principal: claims.Subject(),
		Decision:  verdict,
		Reason:    decision.Reason,
		Timestamp: e.now().UTC(),
		RequestID: extensions.RequestIDFromContext(ctx),
		Metadata:  metadata,
	}
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.Error("failed to record policy decision", "error", err)
	}
	return decision
}
