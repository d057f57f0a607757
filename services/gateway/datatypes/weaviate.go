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
	"fmt"
	"strings"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Weaviate returns map[string]models.JSONObject; the data is re-marshaled and
// decoded into T, whose json tags must match the response shape. GraphQL
// errors carried in the response are returned as an error.
//
// # Example
//
//	type docResponse struct {
//	    Get struct {
//	        GovernedDocument []WeaviateDocument `json:"GovernedDocument"`
//	    } `json:"Get"`
//	}
//	parsed, err := ParseGraphQLResponse[docResponse](resp)
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// WeaviateDocument is one object of the governed document class.
type WeaviateDocument struct {
	Text           string         `json:"text"`
	DocID          string         `json:"doc_id"`
	VersionID      string         `json:"version_id"`
	Source         string         `json:"source"`
	SecurityTags   []string       `json:"security_tags"`
	Classification Classification `json:"classification"`
	Restricted     bool           `json:"restricted"`
	Additional     struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}
