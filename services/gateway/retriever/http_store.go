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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxStoreResponseBytes bounds the body read from the store.
const maxStoreResponseBytes = 8 << 20

// HTTPStore queries a document store service over JSON.
//
// Request:  POST {base}/query {"question","allow_tags","max_classification","top_k"}
// Response: 200 {"contexts":[{"text","docId","versionId","source","score","securityTags","classification"}]}
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPStore(baseURL string, timeout time.Duration) (*HTTPStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("document store URL is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (s *HTTPStore) Query(ctx context.Context, q StoreQuery) (*StoreResult, error) {
	if q.AllowTags == nil {
		q.AllowTags = []string{}
	}
	reqBody, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal store query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/query", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStoreResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrStoreUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrStoreUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("document store returned status %d", resp.StatusCode)
	}

	var result StoreResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse store response: %w", err)
	}
	return &result, nil
}

var _ DocumentStore = (*HTTPStore)(nil)
