// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"slices"
	"sort"
)

// =============================================================================
// Claims
// =============================================================================

// Claims is the authenticated principal of a single request.
//
// # Description
//
// Claims are built once from a verified token and are read-only afterwards.
// Fields are unexported so no stage can widen a principal's roles after
// authentication; accessors return copies.
//
// # Thread Safety
//
// Safe for concurrent reads.
type Claims struct {
	subject string
	roles   []string
	tenant  string
	stepUp  bool
	tier    string
}

// NewClaims builds Claims from verified token content.
//
// # Inputs
//
//   - subject: Token subject. Required by the authenticator, not checked here.
//   - roles: Role names from the token. Copied.
//   - tenant: Tenant id, or "" when absent.
//   - stepUp: Whether the token asserts step-up authentication.
//   - tier: Principal tier from the token, or "".
func NewClaims(subject string, roles []string, tenant string, stepUp bool, tier string) Claims {
	return Claims{
		subject: subject,
		roles:   slices.Clone(roles),
		tenant:  tenant,
		stepUp:  stepUp,
		tier:    tier,
	}
}

func (c Claims) Subject() string { return c.subject }

// Roles returns a copy of the principal's roles.
func (c Claims) Roles() []string { return slices.Clone(c.roles) }

func (c Claims) Tenant() string { return c.tenant }

func (c Claims) StepUp() bool { return c.stepUp }

func (c Claims) Tier() string { return c.tier }

// claimsJSON is the JSON shape used by operator tooling and audit records.
type claimsJSON struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Tenant  string   `json:"tenant,omitempty"`
	StepUp  bool     `json:"step_up"`
	Tier    string   `json:"tier,omitempty"`
}

func (c Claims) MarshalJSON() ([]byte, error) {
	return json.Marshal(claimsJSON{
		Subject: c.subject,
		Roles:   c.roles,
		Tenant:  c.tenant,
		StepUp:  c.stepUp,
		Tier:    c.tier,
	})
}

func (c *Claims) UnmarshalJSON(data []byte) error {
	var raw claimsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = NewClaims(raw.Subject, raw.Roles, raw.Tenant, raw.StepUp, raw.Tier)
	return nil
}

// =============================================================================
// AccessFilter
// =============================================================================

// AccessFilter is the per-request authorization scope.
//
// # Description
//
// An AccessFilter is produced only by the policy engine and cannot be modified
// after creation. The retriever forwards its values to the document store
// verbatim and re-checks every returned context against it.
//
// # Fields
//
//   - allowTags: Sorted, de-duplicated tags ("role:x", "tenant:y").
//   - maxClassification: Highest tier the principal may see.
type AccessFilter struct {
	allowTags         []string
	maxClassification Classification
}

// NewAccessFilter builds an immutable filter. Tags are copied, sorted and
// de-duplicated. An invalid max collapses to public.
func NewAccessFilter(allowTags []string, max Classification) AccessFilter {
	tags := slices.Clone(allowTags)
	sort.Strings(tags)
	tags = slices.Compact(tags)
	if !max.Valid() {
		max = ClassificationPublic
	}
	return AccessFilter{allowTags: tags, maxClassification: max}
}

// PublicOnlyFilter is the fail-closed filter: no tags, public tier only.
func PublicOnlyFilter() AccessFilter {
	return NewAccessFilter(nil, ClassificationPublic)
}

// AllowTags returns a copy of the filter's tags.
func (f AccessFilter) AllowTags() []string { return slices.Clone(f.allowTags) }

func (f AccessFilter) MaxClassification() Classification {
	if !f.maxClassification.Valid() {
		return ClassificationPublic
	}
	return f.maxClassification
}

// PermitsClassification reports whether c is at or below the filter's tier.
func (f AccessFilter) PermitsClassification(c Classification) bool {
	return c.AtMost(f.MaxClassification())
}

// PermitsTags reports whether a context carrying securityTags may be shown.
// Untagged contexts are restricted by classification only; tagged contexts
// must share at least one tag with the filter.
func (f AccessFilter) PermitsTags(securityTags []string) bool {
	if len(securityTags) == 0 {
		return true
	}
	for _, tag := range securityTags {
		if _, found := slices.BinarySearch(f.allowTags, tag); found {
			return true
		}
	}
	return false
}

// Equal reports whether two filters carry the same scope.
func (f AccessFilter) Equal(other AccessFilter) bool {
	return f.MaxClassification() == other.MaxClassification() &&
		slices.Equal(f.allowTags, other.allowTags)
}

type accessFilterJSON struct {
	AllowTags         []string       `json:"allowTags"`
	MaxClassification Classification `json:"maxClassification"`
}

func (f AccessFilter) MarshalJSON() ([]byte, error) {
	tags := f.allowTags
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(accessFilterJSON{AllowTags: tags, MaxClassification: f.MaxClassification()})
}

// =============================================================================
// Retrieved Contexts
// =============================================================================

// DocumentContext is a single retrieved chunk with its security metadata.
//
// Stages after the retriever may reorder contexts but never modify them.
type DocumentContext struct {
	Text           string         `json:"text"`
	DocID          string         `json:"docId"`
	VersionID      string         `json:"versionId,omitempty"`
	Source         string         `json:"source"`
	Score          float64        `json:"score"`
	SecurityTags   []string       `json:"securityTags,omitempty"`
	Classification Classification `json:"classification"`

	// Restricted marks a document the store flagged as tag-gated. A restricted
	// context without security tags is never served.
	Restricted bool `json:"restricted,omitempty"`
}

// DocIDs returns the docId of every context in order.
func DocIDs(contexts []DocumentContext) []string {
	ids := make([]string, 0, len(contexts))
	for _, c := range contexts {
		ids = append(ids, c.DocID)
	}
	return ids
}

// SameDocIDMultiset reports whether a and b contain the same docIds with the
// same multiplicities, ignoring order.
func SameDocIDMultiset(a, b []DocumentContext) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, c := range a {
		counts[c.DocID]++
	}
	for _, c := range b {
		counts[c.DocID]--
		if counts[c.DocID] < 0 {
			return false
		}
	}
	return true
}

// =============================================================================
// Answers
// =============================================================================

// Citation binds an answer to a source document.
type Citation struct {
	DocID  string `json:"docId" validate:"required"`
	Source string `json:"source"`
}

// RagAnswer is the draft produced by the answerer.
type RagAnswer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// VerificationResult is the compliance gate's decision.
//
// When OK is false, Answer holds the safe rejection message and never the
// draft text.
type VerificationResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
	Answer string `json:"answer"`
}

// Fixed answers. These are the only texts the pipeline returns without
// citations.
const (
	NoAuthorizedDocumentsAnswer = "No authorized documents found to answer this question."
	TopicNotFoundAnswer         = "The authorized documents don't contain information about this specific topic."
	SafeRejectionMessage        = "I could not produce a verified answer from the authorized documents."
)

// NoAuthorizedDocuments returns the refusal used when retrieval is empty.
func NoAuthorizedDocuments() *RagAnswer {
	return &RagAnswer{Answer: NoAuthorizedDocumentsAnswer, Citations: []Citation{}}
}

// TopicNotFound returns the refusal used when contexts miss the question's topic.
func TopicNotFound() *RagAnswer {
	return &RagAnswer{Answer: TopicNotFoundAnswer, Citations: []Citation{}}
}

// IsRefusalText reports whether text is one of the fixed refusals.
func IsRefusalText(text string) bool {
	return text == NoAuthorizedDocumentsAnswer || text == TopicNotFoundAnswer
}

// IsRefusal reports whether a is a correctly formed refusal: a fixed refusal
// text with no citations.
func (a *RagAnswer) IsRefusal() bool {
	return a != nil && IsRefusalText(a.Answer) && len(a.Citations) == 0
}
