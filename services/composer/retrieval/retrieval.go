// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval finds knowledge-base snippets for a chat turn.
//
// # Description
//
// A ContentRetriever returns scored Content for a query. Two kinds exist:
// the Weaviate retriever searches a pre-embedded class named by a
// retriever connection, and the document retriever searches files
// uploaded with the request. A QueryRouter fans the query out to every
// retriever, and RRFAggregator fuses the ranked lists. Augmentor ties
// the two together for the AI service.
package retrieval

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.composer.retrieval")

// Content is one retrieved snippet.
//
// Score is in [0, 1], higher is more relevant.
type Content struct {
	Text     string
	Source   string
	Score    float64
	Metadata map[string]string
}

// SourceInfo converts c to the client-facing shape.
func (c Content) SourceInfo() datatypes.SourceInfo {
	return datatypes.SourceInfo{
		Source:   c.Source,
		Content:  c.Text,
		Score:    c.Score,
		Metadata: c.Metadata,
	}
}

// ContentRetriever returns snippets relevant to query, best first.
type ContentRetriever interface {
	Retrieve(ctx context.Context, query string) ([]Content, error)

	// Name labels the retriever in logs and metrics.
	Name() string
}

// Defaults applied when a connection leaves limits unset.
const (
	DefaultMaxResults = 4
	DefaultMinScore   = 0.5
)

var (
	// ErrNoRetrievers is returned by NewQueryRouter with an empty list.
	ErrNoRetrievers = errors.New("no content retrievers configured")

	// ErrUnsupportedRetriever is returned for an unknown retriever type.
	ErrUnsupportedRetriever = errors.New("unsupported content retriever type")

	// ErrUnsupportedEmbedding is returned for an unknown embedding type.
	ErrUnsupportedEmbedding = errors.New("unsupported embedding type")

	// ErrNoDocuments is returned when no uploaded file produced text.
	ErrNoDocuments = errors.New("no document content to index")

	// ErrUnsupportedDocument is returned for an upload that is neither
	// text nor a readable PDF.
	ErrUnsupportedDocument = errors.New("unsupported document type")
)

// Sources converts contents to client-facing source info.
func Sources(contents []Content) []datatypes.SourceInfo {
	out := make([]datatypes.SourceInfo, 0, len(contents))
	for _, c := range contents {
		out = append(out, c.SourceInfo())
	}
	return out
}
