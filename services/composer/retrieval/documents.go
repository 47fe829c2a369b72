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
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianComposer/services/composer/observability"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/tmc/langchaingo/vectorstores"
	"go.opentelemetry.io/otel/attribute"
)

const (
	chunkSize    = 1000
	chunkOverlap = 100
)

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ",
		"\n\n", "\n", " ", "",
	}
	// Argentine statutes are laid out as "ARTICULO 64.-" blocks.
	legalSeparators = []string{"\nARTICULO ", "\nArtículo ", "\nART. ", "\n\n", "\n", " ", ""}
)

// UploadedDocument is a file attached to a chat request.
type UploadedDocument struct {
	Name string
	Data []byte
}

// DocumentOptions bound what the document retriever returns.
type DocumentOptions struct {
	MaxResults int
	MinScore   float64
}

// DocumentRetriever searches files uploaded with a single request.
//
// # Description
//
// Each file is loaded with a langchaingo document loader picked by
// extension (PDF, HTML, CSV or plain text), split into 1000 character chunks with 100 characters of
// overlap, embedded into a MemoryStore and searched through
// vectorstores.ToRetriever with the score threshold.
type DocumentRetriever struct {
	store     *MemoryStore
	retriever vectorstores.Retriever
	chunks    int
}

// NewDocumentRetriever indexes docs and returns a retriever over them.
//
// # Outputs
//
//   - error: ErrNoDocuments when no file yields text, ErrUnsupportedDocument
//     for binary files that are not PDFs. Loader, splitter and embedding
//     failures are returned wrapped.
func NewDocumentRetriever(ctx context.Context, embedder embeddings.Embedder, docs []UploadedDocument, opts DocumentOptions) (*DocumentRetriever, error) {
	ctx, span := tracer.Start(ctx, "NewDocumentRetriever")
	defer span.End()

	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}

	var chunks []schema.Document
	for _, d := range docs {
		split, err := loadDocument(ctx, d)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, split...)
	}
	if len(chunks) == 0 {
		return nil, ErrNoDocuments
	}

	store := NewMemoryStore(embedder)
	if _, err := store.AddDocuments(ctx, chunks); err != nil {
		return nil, fmt.Errorf("index uploaded documents: %w", err)
	}
	span.SetAttributes(
		attribute.Int("documents.files", len(docs)),
		attribute.Int("documents.chunks", len(chunks)),
	)
	slog.Debug("Indexed uploaded documents", "files", len(docs), "chunks", len(chunks))

	return &DocumentRetriever{
		store:     store,
		retriever: vectorstores.ToRetriever(store, opts.MaxResults, vectorstores.WithScoreThreshold(float32(opts.MinScore))),
		chunks:    len(chunks),
	}, nil
}

// Name implements ContentRetriever.
func (r *DocumentRetriever) Name() string { return "documents" }

// Chunks reports how many chunks were indexed.
func (r *DocumentRetriever) Chunks() int { return r.chunks }

// Retrieve implements ContentRetriever.
func (r *DocumentRetriever) Retrieve(ctx context.Context, query string) ([]Content, error) {
	ctx, span := tracer.Start(ctx, "DocumentRetriever.Retrieve")
	defer span.End()
	start := time.Now()

	docs, err := r.retriever.GetRelevantDocuments(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("document search failed: %w", err)
	}

	contents := make([]Content, 0, len(docs))
	for _, d := range docs {
		c := Content{Text: d.PageContent, Score: float64(d.Score)}
		if src, ok := d.Metadata["source"].(string); ok {
			c.Source = src
		}
		contents = append(contents, c)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRetrieval("documents", time.Since(start).Seconds(), len(contents))
	}
	return contents, nil
}

func loadDocument(ctx context.Context, d UploadedDocument) ([]schema.Document, error) {
	if len(bytes.TrimSpace(d.Data)) == 0 {
		return nil, nil
	}

	ext := strings.ToLower(filepath.Ext(d.Name))
	if ext == ".pdf" || http.DetectContentType(d.Data) == "application/pdf" {
		return loadPDF(ctx, d)
	}
	if !isText(d.Data) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDocument, d.Name)
	}

	var loader documentloaders.Loader
	switch ext {
	case ".html", ".htm":
		loader = documentloaders.NewHTML(bytes.NewReader(d.Data))
	case ".csv":
		loader = documentloaders.NewCSV(bytes.NewReader(d.Data))
	default:
		loader = documentloaders.NewText(bytes.NewReader(d.Data))
	}

	docs, err := loader.LoadAndSplit(ctx, splitterFor(ext))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", d.Name, err)
	}
	return tagChunks(docs, d.Name), nil
}

// loadPDF extracts the text of every page. The PDF reader panics on some
// malformed input, so panics are turned into ErrUnsupportedDocument.
func loadPDF(ctx context.Context, d UploadedDocument) (docs []schema.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			docs = nil
			err = fmt.Errorf("%w: %s is not a readable PDF: %v", ErrUnsupportedDocument, d.Name, r)
		}
	}()

	loader := documentloaders.NewPDF(bytes.NewReader(d.Data), int64(len(d.Data)))
	docs, err = loader.LoadAndSplit(ctx, splitterFor(".txt"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a readable PDF: %v", ErrUnsupportedDocument, d.Name, err)
	}
	return tagChunks(docs, d.Name), nil
}

// isText reports whether data looks like UTF-8 text rather than a binary
// format such as an image, an archive or an office document.
func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

func tagChunks(docs []schema.Document, source string) []schema.Document {
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]any{}
		}
		docs[i].Metadata["source"] = source
		docs[i].Metadata["chunk"] = i
	}
	return docs
}

func splitterFor(ext string) textsplitter.TextSplitter {
	separators := defaultSeparators
	switch ext {
	case ".md", ".markdown":
		separators = markdownSeparators
	case ".txt", "":
		separators = legalSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(separators),
	)
}

var _ ContentRetriever = (*DocumentRetriever)(nil)
