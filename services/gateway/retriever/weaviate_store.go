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
	"fmt"
	"net/url"
	"slices"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// DefaultWeaviateClass is the class holding governed document chunks.
const DefaultWeaviateClass = "GovernedDocument"

// WeaviateStore runs filtered nearText queries against a Weaviate class.
//
// # Description
//
// The class must expose text, doc_id, version_id, source, security_tags
// (text[]), classification (text) and restricted (bool, true when
// security_tags is non-empty). The where filter is
//
//	classification ContainsAny <tiers up to max>
//	AND (security_tags ContainsAny <allowTags> OR restricted = false)
//
// and certainty in _additional becomes the context score.
type WeaviateStore struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateStore connects to rawURL, e.g. "http://weaviate:8080".
func NewWeaviateStore(rawURL, className string) (*WeaviateStore, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return NewWeaviateStoreWithClient(client, className), nil
}

func NewWeaviateStoreWithClient(client *weaviate.Client, className string) *WeaviateStore {
	if className == "" {
		className = DefaultWeaviateClass
	}
	return &WeaviateStore{client: client, className: className}
}

// buildWhere translates the access scope into a Weaviate filter.
func buildWhere(q StoreQuery) *filters.WhereBuilder {
	levels := make([]string, 0, 3)
	for _, c := range q.MaxClassification.UpTo() {
		levels = append(levels, string(c))
	}
	if len(levels) == 0 {
		levels = []string{string(datatypes.ClassificationPublic)}
	}
	classificationFilter := filters.Where().
		WithPath([]string{"classification"}).
		WithOperator(filters.ContainsAny).
		WithValueText(levels...)

	unrestricted := filters.Where().
		WithPath([]string{"restricted"}).
		WithOperator(filters.Equal).
		WithValueBoolean(false)

	tagFilter := unrestricted
	if len(q.AllowTags) > 0 {
		tagged := filters.Where().
			WithPath([]string{"security_tags"}).
			WithOperator(filters.ContainsAny).
			WithValueText(q.AllowTags...)
		tagFilter = filters.Where().
			WithOperator(filters.Or).
			WithOperands([]*filters.WhereBuilder{tagged, unrestricted})
	}

	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{classificationFilter, tagFilter})
}

func (s *WeaviateStore) Query(ctx context.Context, q StoreQuery) (*StoreResult, error) {
	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{q.Question})

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "doc_id"},
		{Name: "version_id"},
		{Name: "source"},
		{Name: "security_tags"},
		{Name: "classification"},
		{Name: "restricted"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(fields...).
		WithWhere(buildWhere(q)).
		WithNearText(nearText).
		WithLimit(q.TopK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: weaviate search failed: %w", ErrStoreUnavailable, err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[map[string]map[string][]datatypes.WeaviateDocument](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse weaviate results: %w", err)
	}
	docs := (*parsed)["Get"][s.className]

	result := &StoreResult{Contexts: make([]datatypes.DocumentContext, 0, len(docs))}
	for _, doc := range docs {
		result.Contexts = append(result.Contexts, toContext(doc))
	}
	return result, nil
}

// toContext maps a Weaviate object. A missing doc_id falls back to the
// object UUID; a missing certainty leaves the score invalid so the
// post-filter drops it. The restricted flag is carried so a restricted
// object stored without tags fails the post-filter.
func toContext(doc datatypes.WeaviateDocument) datatypes.DocumentContext {
	docID := doc.DocID
	if docID == "" && strfmt.IsUUID(doc.Additional.ID) {
		docID = doc.Additional.ID
	}
	score := -1.0
	if doc.Additional.Certainty != nil {
		score = *doc.Additional.Certainty
	}
	return datatypes.DocumentContext{
		Text:           doc.Text,
		DocID:          docID,
		VersionID:      doc.VersionID,
		Source:         doc.Source,
		Score:          score,
		SecurityTags:   slices.Clone(doc.SecurityTags),
		Classification: doc.Classification,
		Restricted:     doc.Restricted,
	}
}

var _ DocumentStore = (*WeaviateStore)(nil)
