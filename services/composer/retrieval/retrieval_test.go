// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

func TestMemoryStore_SimilaritySearch(t *testing.T) {
	ctx := context.Background()
	emb := newKeywordEmbedder("semáforo", "velocidad", "casco")
	store := NewMemoryStore(emb)

	ids, err := store.AddDocuments(ctx, []schema.Document{
		{PageContent: "Cruzar el semáforo en rojo es falta grave.", Metadata: map[string]any{"source": "a"}},
		{PageContent: "El exceso de velocidad agrava la culpa.", Metadata: map[string]any{"source": "b"}},
		{PageContent: "El uso de casco es obligatorio.", Metadata: map[string]any{"source": "c"}},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 3, store.Len())

	docs, err := store.SimilaritySearch(ctx, "¿quién pasó el semáforo?", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Metadata["source"])
	assert.Greater(t, docs[0].Score, docs[1].Score)
	assert.LessOrEqual(t, docs[0].Score, float32(1.0))
}

func TestMemoryStore_ScoreThreshold(t *testing.T) {
	ctx := context.Background()
	emb := newKeywordEmbedder("semáforo", "velocidad")
	store := NewMemoryStore(emb)

	_, err := store.AddDocuments(ctx, []schema.Document{
		{PageContent: "semáforo semáforo"},
		{PageContent: "velocidad velocidad"},
	})
	require.NoError(t, err)

	docs, err := store.SimilaritySearch(ctx, "semáforo", 10, vectorstores.WithScoreThreshold(0.95))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "semáforo semáforo", docs[0].PageContent)
}

func TestMemoryStore_EmbedderError(t *testing.T) {
	emb := newKeywordEmbedder("x")
	emb.err = errors.New("embedding service unavailable")
	store := NewMemoryStore(emb)

	_, err := store.AddDocuments(context.Background(), []schema.Document{{PageContent: "x"}})
	assert.Error(t, err)
	_, err = store.SimilaritySearch(context.Background(), "x", 1)
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.InDelta(t, 0.5, float64(relevanceScore(0)), 1e-6)
}

func TestDocumentRetriever(t *testing.T) {
	ctx := context.Background()
	emb := newKeywordEmbedder("semáforo", "velocidad", "casco")

	law := strings.Join([]string{
		"ARTICULO 44.- Vías semaforizadas. El semáforo en rojo obliga a detenerse.",
		"ARTICULO 51.- Velocidad máxima. La velocidad en zona urbana es de 40 km/h.",
	}, "\n")

	r, err := NewDocumentRetriever(ctx, emb, []UploadedDocument{
		{Name: "ley24449.txt", Data: []byte(law)},
		{Name: "empty.txt", Data: []byte("   ")},
	}, DocumentOptions{MaxResults: 1, MinScore: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "documents", r.Name())
	assert.GreaterOrEqual(t, r.Chunks(), 1)

	contents, err := r.Retrieve(ctx, "exceso de velocidad")
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0].Text, "velocidad")
	assert.Equal(t, "ley24449.txt", contents[0].Source)
	assert.GreaterOrEqual(t, contents[0].Score, 0.5)
}

func TestDocumentRetriever_NoContent(t *testing.T) {
	_, err := NewDocumentRetriever(context.Background(), newKeywordEmbedder("x"),
		[]UploadedDocument{{Name: "blank.txt", Data: []byte("\n\n")}}, DocumentOptions{})
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestDocumentRetriever_PDF(t *testing.T) {
	ctx := context.Background()
	emb := newKeywordEmbedder("rotonda", "prioridad")

	r, err := NewDocumentRetriever(ctx, emb, []UploadedDocument{
		{Name: "denuncia.pdf", Data: buildPDF("En la rotonda tiene prioridad quien circula por ella.")},
	}, DocumentOptions{MaxResults: 1, MinScore: 0.5})
	require.NoError(t, err)

	contents, err := r.Retrieve(ctx, "rotonda prioridad")
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0].Text, "rotonda")
	assert.NotContains(t, contents[0].Text, "%PDF")
	assert.Equal(t, "denuncia.pdf", contents[0].Source)
}

func TestDocumentRetriever_UnsupportedDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  UploadedDocument
	}{
		{"png image", UploadedDocument{Name: "foto.png", Data: []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")}},
		{"zip archive", UploadedDocument{Name: "informe.docx", Data: []byte("PK\x03\x04\x14\x00\x06\x00\x08\x00\xff\xfe")}},
		{"broken pdf", UploadedDocument{Name: "roto.pdf", Data: []byte("no es un PDF")}},
		{"truncated pdf", UploadedDocument{Name: "corto.pdf", Data: buildPDF("rotonda")[:120]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb := newKeywordEmbedder("rotonda")
			_, err := NewDocumentRetriever(context.Background(), emb, []UploadedDocument{tt.doc}, DocumentOptions{})
			assert.ErrorIs(t, err, ErrUnsupportedDocument)
			assert.Zero(t, emb.calls.Load())
		})
	}
}

func TestSplitterFor_ChunksLongText(t *testing.T) {
	long := strings.Repeat("palabra ", 400)
	chunks, err := splitterFor(".txt").SplitText(long)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), chunkSize)
	}
}

func TestQueryRouter_FanOut(t *testing.T) {
	a := &staticRetriever{name: "a", contents: []Content{{Text: "a1"}}}
	b := &staticRetriever{name: "b", contents: []Content{{Text: "b1"}, {Text: "b2"}}}

	router, err := NewQueryRouter(a, b)
	require.NoError(t, err)

	lists, err := router.Route(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, lists, 2)
	assert.Equal(t, a.contents, lists[0])
	assert.Equal(t, b.contents, lists[1])
}

func TestQueryRouter_PartialFailure(t *testing.T) {
	ok := &staticRetriever{name: "ok", contents: []Content{{Text: "x"}}}
	bad := &staticRetriever{name: "bad", err: errRetrieverDown}

	router, err := NewQueryRouter(bad, ok)
	require.NoError(t, err)

	lists, err := router.Route(context.Background(), "q")
	require.NoError(t, err)
	assert.Nil(t, lists[0])
	assert.Len(t, lists[1], 1)
}

func TestQueryRouter_AllFail(t *testing.T) {
	router, err := NewQueryRouter(
		&staticRetriever{name: "a", err: errRetrieverDown},
		&staticRetriever{name: "b", err: errRetrieverDown},
	)
	require.NoError(t, err)

	_, err = router.Route(context.Background(), "q")
	assert.ErrorIs(t, err, errRetrieverDown)
}

func TestQueryRouter_Cancelled(t *testing.T) {
	router, err := NewQueryRouter(&staticRetriever{name: "slow", block: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = router.Route(ctx, "q")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewQueryRouter_Empty(t *testing.T) {
	_, err := NewQueryRouter()
	assert.ErrorIs(t, err, ErrNoRetrievers)
}

func TestRRFAggregator(t *testing.T) {
	agg := RRFAggregator{}

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, agg.Aggregate(nil))
		assert.Nil(t, agg.Aggregate([][]Content{nil, {}}))
	})

	t.Run("single list unchanged", func(t *testing.T) {
		list := []Content{{Text: "b", Score: 0.2}, {Text: "a", Score: 0.9}}
		assert.Equal(t, list, agg.Aggregate([][]Content{list, nil}))
	})

	t.Run("shared snippet ranks first", func(t *testing.T) {
		kb := []Content{{Text: "only-kb", Score: 0.9}, {Text: "shared", Score: 0.7}}
		docs := []Content{{Text: " shared ", Score: 0.8}, {Text: "only-docs", Score: 0.95}}

		out := agg.Aggregate([][]Content{kb, docs})
		require.Len(t, out, 3)
		assert.Equal(t, "shared", out[0].Text)
		assert.InDelta(t, 0.8, out[0].Score, 1e-9)
		// 1/61 beats 1/62.
		assert.Equal(t, "only-kb", out[1].Text)
		assert.Equal(t, "only-docs", out[2].Text)
	})
}

func TestAugmentor_Retrieve(t *testing.T) {
	router, err := NewQueryRouter(
		&staticRetriever{name: "a", contents: []Content{{Text: "1"}, {Text: "2"}, {Text: "3"}}},
		&staticRetriever{name: "b", contents: []Content{{Text: "3"}}},
	)
	require.NoError(t, err)

	aug := NewAugmentor(router)
	aug.MaxContents = 2

	contents, err := aug.Retrieve(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, contents, 2)
	assert.Equal(t, "3", contents[0].Text)
}

func TestSources(t *testing.T) {
	out := Sources([]Content{{Text: "t", Source: "s", Score: 0.7, Metadata: map[string]string{"k": "v"}}})
	require.Len(t, out, 1)
	assert.Equal(t, "s", out[0].Source)
	assert.Equal(t, "t", out[0].Content)
	assert.Equal(t, 0.7, out[0].Score)
	assert.Equal(t, "v", out[0].Metadata["k"])
}
