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
	"fmt"
	"path"
	"regexp"
	"sort"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"gopkg.in/yaml.v3"
)

// Grant is a classification tier named in the policy file.
type Grant datatypes.Classification

func (g *Grant) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	c, err := datatypes.ParseClassification(s)
	if err != nil {
		return fmt.Errorf("invalid value for grants: %q", s)
	}
	*g = Grant(c)
	return nil
}

func (g Grant) Classification() datatypes.Classification {
	return datatypes.Classification(g)
}

type AccessPolicyFile struct {
	Version               string     `yaml:"version"`
	DefaultClassification Grant      `yaml:"default_classification"`
	RolePattern           string     `yaml:"role_pattern"`
	TenantPattern         string     `yaml:"tenant_pattern"`
	StepUp                StepUpRule `yaml:"step_up"`
	Rules                 []RoleRule `yaml:"rules"`

	compiledRolePattern   *regexp.Regexp `yaml:"-"`
	compiledTenantPattern *regexp.Regexp `yaml:"-"`
}

type StepUpRule struct {
	Grants                 Grant `yaml:"grants"`
	RequiresRecognizedRole bool  `yaml:"requires_recognized_role"`
}

type RoleRule struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Grants      Grant    `yaml:"grants"`
	Roles       []string `yaml:"roles"`
}

// Matches reports whether role matches any of the rule's glob patterns.
// Patterns were checked by Compile, so match errors cannot occur here.
func (r RoleRule) Matches(role string) bool {
	for _, pattern := range r.Roles {
		if ok, _ := path.Match(pattern, role); ok {
			return true
		}
	}
	return false
}

// Compile validates patterns and fills defaults.
func (p *AccessPolicyFile) Compile() error {
	if p.DefaultClassification == "" {
		p.DefaultClassification = Grant(datatypes.ClassificationPublic)
	}
	if p.StepUp.Grants == "" {
		p.StepUp.Grants = Grant(datatypes.ClassificationConfidential)
	}
	if p.RolePattern == "" || p.TenantPattern == "" {
		return fmt.Errorf("role_pattern and tenant_pattern are required")
	}

	re, err := regexp.Compile(p.RolePattern)
	if err != nil {
		return fmt.Errorf("failed to compile the role pattern %s: %w", p.RolePattern, err)
	}
	p.compiledRolePattern = re

	re, err = regexp.Compile(p.TenantPattern)
	if err != nil {
		return fmt.Errorf("failed to compile the tenant pattern %s: %w", p.TenantPattern, err)
	}
	p.compiledTenantPattern = re

	for _, rule := range p.Rules {
		if rule.Grants == "" {
			return fmt.Errorf("rule %q has no grants", rule.Name)
		}
		for _, pattern := range rule.Roles {
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("rule %q has a bad role pattern %q: %w", rule.Name, pattern, err)
			}
		}
	}
	return nil
}

func (p *AccessPolicyFile) SortByPriority() {
	sort.SliceStable(p.Rules, func(i, j int) bool {
		return p.Rules[i].Priority > p.Rules[j].Priority
	})
}

// Decision is the full result of evaluating claims against the policy.
type Decision struct {
	Filter datatypes.AccessFilter

	// Degraded is set when the filter was lowered because of unrecognized
	// roles or structurally invalid claims.
	Degraded bool

	// Reason is a machine-readable code: "granted", "unrecognized_roles",
	// "no_recognized_role" or "invalid_claims".
	Reason string

	// MatchedRule names the rule that produced the tier, "step_up", or ""
	// when the default applied.
	MatchedRule string

	// UnrecognizedRoles lists roles that matched no rule.
	UnrecognizedRoles []string
}

const (
	ReasonGranted          = "granted"
	ReasonUnrecognized     = "unrecognized_roles"
	ReasonNoRecognizedRole = "no_recognized_role"
	ReasonInvalidClaims    = "invalid_claims"
)
