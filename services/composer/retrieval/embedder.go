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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultOllamaEmbeddingURL = "http://localhost:11434"

// NewEmbedder builds a query/document embedder for cfg.
//
// # Description
//
// The embedding model must be the one that produced the stored vectors.
// Ollama and OpenAI-compatible endpoints are supported through the
// langchaingo LLM clients, which both implement embeddings.EmbedderClient.
//
// # Inputs
//
//   - cfg: Type and Model are required. URL defaults per type. APIKey is
//     required for openai.
func NewEmbedder(cfg datatypes.EmbeddingConfig) (embeddings.Embedder, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	var client embeddings.EmbedderClient
	switch datatypes.EmbeddingType(strings.ToLower(string(cfg.Type))) {
	case datatypes.EmbeddingOllama:
		url := strings.TrimSuffix(cfg.URL, "/")
		if url == "" {
			url = defaultOllamaEmbeddingURL
		}
		llm, err := ollama.New(ollama.WithModel(cfg.Model), ollama.WithServerURL(url))
		if err != nil {
			return nil, fmt.Errorf("create ollama embedding client: %w", err)
		}
		client = llm

	case datatypes.EmbeddingOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embeddings require an api key")
		}
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.URL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.URL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai embedding client: %w", err)
		}
		client = llm

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEmbedding, cfg.Type)
	}

	return embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
}
