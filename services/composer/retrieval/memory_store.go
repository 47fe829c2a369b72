// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

// MemoryStore is an in-process vector store for request-scoped documents.
//
// # Description
//
// Documents are embedded on AddDocuments and searched by cosine
// similarity. Scores are mapped from [-1, 1] to [0, 1] with (cos+1)/2 so
// the score threshold means the same thing as for stored knowledge bases.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Limitations
//
//   - Linear scan. Intended for the handful of chunks an upload produces.
//   - Filters and namespaces are ignored.
type MemoryStore struct {
	embedder embeddings.Embedder

	mu      sync.RWMutex
	entries []memoryEntry
}

type memoryEntry struct {
	id     string
	doc    schema.Document
	vector []float32
}

// NewMemoryStore returns an empty store using embedder.
func NewMemoryStore(embedder embeddings.Embedder) *MemoryStore {
	return &MemoryStore{embedder: embedder}
}

// AddDocuments implements vectorstores.VectorStore.
func (s *MemoryStore) AddDocuments(ctx context.Context, docs []schema.Document, options ...vectorstores.Option) ([]string, error) {
	opts := s.options(options)
	if opts.Embedder == nil {
		return nil, errors.New("memory store requires an embedder")
	}
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.PageContent
	}
	vectors, err := opts.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	ids := make([]string, len(docs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range docs {
		ids[i] = uuid.NewString()
		s.entries = append(s.entries, memoryEntry{id: ids[i], doc: d, vector: vectors[i]})
	}
	return ids, nil
}

// SimilaritySearch implements vectorstores.VectorStore.
func (s *MemoryStore) SimilaritySearch(ctx context.Context, query string, numDocuments int, options ...vectorstores.Option) ([]schema.Document, error) {
	opts := s.options(options)
	if opts.Embedder == nil {
		return nil, errors.New("memory store requires an embedder")
	}
	qv, err := opts.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	scored := make([]schema.Document, 0, len(s.entries))
	for _, e := range s.entries {
		score := relevanceScore(cosineSimilarity(qv, e.vector))
		if score < opts.ScoreThreshold {
			continue
		}
		d := e.doc
		d.Score = score
		scored = append(scored, d)
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if numDocuments > 0 && len(scored) > numDocuments {
		scored = scored[:numDocuments]
	}
	return scored, nil
}

// Len reports the number of stored chunks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) options(options []vectorstores.Option) vectorstores.Options {
	opts := vectorstores.Options{Embedder: s.embedder}
	for _, o := range options {
		o(&opts)
	}
	return opts
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func relevanceScore(cos float64) float32 {
	return float32((cos + 1) / 2)
}

var _ vectorstores.VectorStore = (*MemoryStore)(nil)
