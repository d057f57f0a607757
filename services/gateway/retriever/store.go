// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
)

// ErrStoreUnavailable marks transport failures and 5xx responses.
var ErrStoreUnavailable = errors.New("document store unavailable")

// StoreQuery is the single request sent to the document store. The filter
// values are copied verbatim from the request's AccessFilter.
type StoreQuery struct {
	Question          string                   `json:"question"`
	AllowTags         []string                 `json:"allow_tags"`
	MaxClassification datatypes.Classification `json:"max_classification"`
	TopK              int                      `json:"top_k"`
}

type StoreResult struct {
	Contexts []datatypes.DocumentContext `json:"contexts"`
}

// DocumentStore performs filtered semantic search.
//
// Implementations must apply AllowTags and MaxClassification server-side.
// The retriever re-checks every result regardless.
type DocumentStore interface {
	Query(ctx context.Context, q StoreQuery) (*StoreResult, error)
}
