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
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/observability"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTextKey   = "content"
	defaultSourceKey = "source"
)

// WeaviateRetriever searches a pre-embedded Weaviate class by vector
// similarity.
//
// # Description
//
// The query is embedded with the connection's embedding model and sent as
// a nearVector Get. Certainty is used as the score because it is always
// in [0, 1] regardless of the distance metric. Objects below MinScore are
// filtered by Weaviate itself.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateRetriever struct {
	client         *weaviate.Client
	embedder       embeddings.Embedder
	name           string
	className      string
	textKey        string
	sourceKey      string
	metadataFields []string
	maxResults     int
	minScore       float64
}

// NewWeaviateRetriever builds a retriever over an existing client.
func NewWeaviateRetriever(client *weaviate.Client, embedder embeddings.Embedder, req *datatypes.RetrieverRequest) (*WeaviateRetriever, error) {
	if req == nil {
		return nil, fmt.Errorf("retriever request is required")
	}
	if strings.TrimSpace(req.Weaviate.Index) == "" {
		return nil, fmt.Errorf("weaviate index is required")
	}

	r := &WeaviateRetriever{
		client:         client,
		embedder:       embedder,
		name:           req.Name,
		className:      req.Weaviate.Index,
		textKey:        req.Weaviate.TextKey,
		sourceKey:      req.Weaviate.SourceKey,
		metadataFields: append([]string(nil), req.Weaviate.MetadataFields...),
		maxResults:     req.MaxResults,
		minScore:       req.MinScore,
	}
	if r.name == "" {
		r.name = "weaviate:" + r.className
	}
	if r.textKey == "" {
		r.textKey = defaultTextKey
	}
	if r.sourceKey == "" {
		r.sourceKey = defaultSourceKey
	}
	if r.maxResults <= 0 {
		r.maxResults = DefaultMaxResults
	}
	return r, nil
}

// Name implements ContentRetriever.
func (r *WeaviateRetriever) Name() string { return r.name }

// Retrieve implements ContentRetriever.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string) ([]Content, error) {
	ctx, span := tracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.class", r.className),
		attribute.Int("retrieval.max_results", r.maxResults),
	)
	start := time.Now()

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	if r.minScore > 0 {
		nearVector = nearVector.WithCertainty(float32(r.minScore))
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.className).
		WithFields(r.fields()...).
		WithNearVector(nearVector).
		WithLimit(r.maxResults).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate search failed")
		slog.Error("Weaviate search failed", "class", r.className, "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, fmt.Errorf("failed to parse weaviate results: %w", err)
	}

	contents := r.toContents(parsed.Objects(r.className))
	span.SetAttributes(attribute.Int("retrieval.results", len(contents)))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRetrieval("weaviate", time.Since(start).Seconds(), len(contents))
	}
	slog.Debug("Weaviate retrieval finished", "class", r.className, "results", len(contents))
	return contents, nil
}

func (r *WeaviateRetriever) fields() []graphql.Field {
	fields := []graphql.Field{{Name: r.textKey}, {Name: r.sourceKey}}
	for _, f := range r.metadataFields {
		if f == r.textKey || f == r.sourceKey {
			continue
		}
		fields = append(fields, graphql.Field{Name: f})
	}
	return append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "certainty"},
	}})
}

func (r *WeaviateRetriever) toContents(objects []datatypes.ChunkResult) []Content {
	contents := make([]Content, 0, len(objects))
	for _, obj := range objects {
		text := obj.String(r.textKey)
		if strings.TrimSpace(text) == "" {
			continue
		}
		c := Content{Text: text, Source: obj.String(r.sourceKey)}
		if add := obj.Additional(); add.Certainty != nil {
			c.Score = *add.Certainty
		}
		if c.Score < r.minScore {
			continue
		}
		if len(r.metadataFields) > 0 {
			c.Metadata = make(map[string]string, len(r.metadataFields))
			for _, f := range r.metadataFields {
				if v := obj.String(f); v != "" {
					c.Metadata[f] = v
				}
			}
		}
		contents = append(contents, c)
	}
	return contents
}

var _ ContentRetriever = (*WeaviateRetriever)(nil)

// =============================================================================
// Factory
// =============================================================================

// EmbedderFunc builds an embedder from an embedding config.
type EmbedderFunc func(cfg datatypes.EmbeddingConfig) (embeddings.Embedder, error)

// Factory builds retrievers from request-scoped retriever requests.
//
// # Description
//
// Weaviate clients are cached per scheme, host and API key so repeated
// requests against the same knowledge base share connections.
//
// # Thread Safety
//
// Safe for concurrent use.
type Factory struct {
	mu          sync.Mutex
	clients     map[string]*weaviate.Client
	newEmbedder EmbedderFunc
}

// NewFactory returns a factory using NewEmbedder.
func NewFactory() *Factory {
	return &Factory{
		clients:     make(map[string]*weaviate.Client),
		newEmbedder: NewEmbedder,
	}
}

// WithEmbedderFunc replaces the embedder constructor. Used by tests.
func (f *Factory) WithEmbedderFunc(fn EmbedderFunc) *Factory {
	f.newEmbedder = fn
	return f
}

// Retriever builds the content retriever for req.
func (f *Factory) Retriever(req *datatypes.RetrieverRequest) (ContentRetriever, error) {
	if req == nil {
		return nil, fmt.Errorf("retriever request is required")
	}
	switch datatypes.ContentRetrieverType(strings.ToLower(string(req.ContentRetrieverType))) {
	case datatypes.ContentRetrieverWeaviate:
		client, err := f.weaviateClient(req.Weaviate)
		if err != nil {
			return nil, err
		}
		embedder, err := f.newEmbedder(req.Embedding)
		if err != nil {
			return nil, fmt.Errorf("retriever %q: %w", req.Name, err)
		}
		return NewWeaviateRetriever(client, embedder, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRetriever, req.ContentRetrieverType)
	}
}

func (f *Factory) weaviateClient(cfg datatypes.WeaviateConfig) (*weaviate.Client, error) {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := strings.Trim(cfg.Host, "\"' ")
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("invalid Weaviate host: %s", cfg.Host)
		}
		scheme, host = parsed.Scheme, parsed.Host
	}
	if host == "" {
		return nil, fmt.Errorf("weaviate host is required")
	}
	key := scheme + "://" + host + "#" + cfg.APIKey

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	clientConf := weaviate.Config{Host: host, Scheme: scheme}
	if cfg.APIKey != "" {
		clientConf.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	f.clients[key] = client
	slog.Info("Weaviate client initialized", "scheme", scheme, "host", host)
	return client, nil
}
