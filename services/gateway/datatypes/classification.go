// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the entities and wire types shared by every stage
// of the governed-answer pipeline.
//
// The types in this package carry the security metadata that the pipeline must
// preserve end to end: the AccessFilter produced from verified claims, the
// classification and security tags of every retrieved context, and the
// citations binding an answer to those contexts.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Classification is the sensitivity tier of a document.
//
// # Description
//
// Tiers are totally ordered: public < internal < confidential. The zero value
// is ClassificationUnknown, which ranks above every valid tier so that an
// unparsed classification can never pass a "≤ max" comparison.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"

	// ClassificationUnknown marks a value that did not parse. It is never
	// produced by the policy engine.
	ClassificationUnknown Classification = ""
)

// classificationRanks maps each valid tier to its position in the ordering.
var classificationRanks = map[Classification]int{
	ClassificationPublic:       0,
	ClassificationInternal:     1,
	ClassificationConfidential: 2,
}

// unknownRank sorts unknown classifications after every valid tier.
const unknownRank = 1 << 30

// AllClassifications returns the valid tiers in ascending order.
func AllClassifications() []Classification {
	return []Classification{
		ClassificationPublic,
		ClassificationInternal,
		ClassificationConfidential,
	}
}

// ParseClassification parses a tier name case-insensitively.
//
// # Outputs
//
//   - Classification: the parsed tier, or ClassificationUnknown.
//   - error: non-nil when the input is not a recognized tier.
func ParseClassification(s string) (Classification, error) {
	c := Classification(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := classificationRanks[c]; !ok {
		return ClassificationUnknown, fmt.Errorf("unknown classification %q", s)
	}
	return c, nil
}

// Valid reports whether c is one of the recognized tiers.
func (c Classification) Valid() bool {
	_, ok := classificationRanks[c]
	return ok
}

// Rank returns the position of c in the tier ordering.
func (c Classification) Rank() int {
	if r, ok := classificationRanks[c]; ok {
		return r
	}
	return unknownRank
}

// AtMost reports whether c is a valid tier ranked at or below max.
//
// An invalid c or an invalid max always yields false.
func (c Classification) AtMost(max Classification) bool {
	if !c.Valid() || !max.Valid() {
		return false
	}
	return c.Rank() <= max.Rank()
}

// UpTo returns every valid tier ranked at or below c, in ascending order.
func (c Classification) UpTo() []Classification {
	var out []Classification
	for _, level := range AllClassifications() {
		if level.AtMost(c) {
			out = append(out, level)
		}
	}
	return out
}

func (c Classification) String() string {
	if c == ClassificationUnknown {
		return "unknown"
	}
	return string(c)
}

// UnmarshalJSON keeps unknown tier names decodable so the retriever can drop
// the offending context instead of failing the whole response.
func (c *Classification) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("classification must be a string: %w", err)
	}
	parsed, err := ParseClassification(s)
	if err != nil {
		*c = ClassificationUnknown
		return nil
	}
	*c = parsed
	return nil
}
