// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the composer service.
//
// This file contains the catalog entities: assistants and the LLM and
// retriever connections they point at. Entities are stored in MongoDB or a
// YAML catalog and carry tags for both.
package datatypes

// =============================================================================
// Serving Runtime and Retriever Types
// =============================================================================

// ServingRuntimeType names the backend that serves an LLM connection.
type ServingRuntimeType string

const (
	ServingRuntimeOpenAI    ServingRuntimeType = "openai"
	ServingRuntimeVLLM      ServingRuntimeType = "vllm"
	ServingRuntimeOllama    ServingRuntimeType = "ollama"
	ServingRuntimeAnthropic ServingRuntimeType = "anthropic"
)

// ContentRetrieverType names the vector store behind a retriever connection.
type ContentRetrieverType string

const (
	ContentRetrieverWeaviate ContentRetrieverType = "weaviate"
)

// EmbeddingType names the provider used to embed retrieval queries.
type EmbeddingType string

const (
	EmbeddingOllama EmbeddingType = "ollama"
	EmbeddingOpenAI EmbeddingType = "openai"
)

// =============================================================================
// Entities
// =============================================================================

// Assistant is a named, user-facing chat persona.
//
// # Description
//
// An assistant binds a system prompt (UserPrompt) to one LLM connection and,
// optionally, one retriever connection. Chat requests address assistants
// by Name or by ID.
//
// # Fields
//
//   - ID: Catalog identifier (Mongo ObjectID hex or YAML key).
//   - Name: Unique lookup name. Name lookups take precedence over ID lookups.
//   - UserPrompt: System message sent with every conversation.
//   - LLMConnectionID: Required reference to an LLMConnection.
//   - RetrieverConnectionID: Optional. Empty means no retrieval augmentation.
//
// # Assumptions
//
//   - Name is unique across the catalog.
type Assistant struct {
	ID                    string   `json:"id" bson:"_id,omitempty" yaml:"id"`
	Name                  string   `json:"name" bson:"name" yaml:"name"`
	DisplayName           string   `json:"display_name,omitempty" bson:"displayName,omitempty" yaml:"display_name,omitempty"`
	Description           string   `json:"description,omitempty" bson:"description,omitempty" yaml:"description,omitempty"`
	UserPrompt            string   `json:"user_prompt,omitempty" bson:"userPrompt,omitempty" yaml:"user_prompt,omitempty"`
	LLMConnectionID       string   `json:"llm_connection_id" bson:"llmConnectionId" yaml:"llm_connection_id"`
	RetrieverConnectionID string   `json:"retriever_connection_id,omitempty" bson:"retrieverConnectionId,omitempty" yaml:"retriever_connection_id,omitempty"`
	ExampleQuestions      []string `json:"example_questions,omitempty" bson:"exampleQuestions,omitempty" yaml:"example_questions,omitempty"`
}

// LLMConnection describes how to reach a chat model.
//
// # Fields
//
//   - ServingRuntimeType: Selects the runtime client (openai, vllm, ollama, anthropic).
//   - ModelType: Selects the prompt family (default, mistral, granite, llama).
//   - URL: Base URL of the runtime. Empty uses the runtime's public default.
//   - APIKey: Credential for hosted runtimes. Never serialized to clients.
//   - Temperature, MaxTokens: Optional generation overrides.
type LLMConnection struct {
	ID                 string             `json:"id" bson:"_id,omitempty" yaml:"id"`
	Name               string             `json:"name" bson:"name" yaml:"name"`
	Description        string             `json:"description,omitempty" bson:"description,omitempty" yaml:"description,omitempty"`
	ServingRuntimeType ServingRuntimeType `json:"serving_runtime_type" bson:"servingRuntimeType" yaml:"serving_runtime_type"`
	ModelType          string             `json:"model_type,omitempty" bson:"modelType,omitempty" yaml:"model_type,omitempty"`
	URL                string             `json:"url,omitempty" bson:"url,omitempty" yaml:"url,omitempty"`
	APIKey             string             `json:"-" bson:"apiKey,omitempty" yaml:"api_key,omitempty"`
	ModelName          string             `json:"model_name" bson:"modelName" yaml:"model_name"`
	Temperature        *float32           `json:"temperature,omitempty" bson:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens          *int               `json:"max_tokens,omitempty" bson:"maxTokens,omitempty" yaml:"max_tokens,omitempty"`
}

// WeaviateConfig locates a Weaviate class holding pre-embedded chunks.
type WeaviateConfig struct {
	Scheme         string   `json:"scheme,omitempty" bson:"scheme,omitempty" yaml:"scheme,omitempty"`
	Host           string   `json:"host" bson:"host" yaml:"host"`
	APIKey         string   `json:"-" bson:"apiKey,omitempty" yaml:"api_key,omitempty"`
	Index          string   `json:"index" bson:"index" yaml:"index"`
	TextKey        string   `json:"text_key,omitempty" bson:"textKey,omitempty" yaml:"text_key,omitempty"`
	SourceKey      string   `json:"source_key,omitempty" bson:"sourceKey,omitempty" yaml:"source_key,omitempty"`
	MetadataFields []string `json:"metadata_fields,omitempty" bson:"metadataFields,omitempty" yaml:"metadata_fields,omitempty"`
}

// EmbeddingConfig selects the embedding model used for queries. It must
// match the model that produced the stored vectors.
type EmbeddingConfig struct {
	Type   EmbeddingType `json:"type" bson:"type" yaml:"type"`
	URL    string        `json:"url,omitempty" bson:"url,omitempty" yaml:"url,omitempty"`
	Model  string        `json:"model" bson:"model" yaml:"model"`
	APIKey string        `json:"-" bson:"apiKey,omitempty" yaml:"api_key,omitempty"`
}

// RetrieverConnection describes a knowledge base an assistant can search.
type RetrieverConnection struct {
	ID                   string               `json:"id" bson:"_id,omitempty" yaml:"id"`
	Name                 string               `json:"name" bson:"name" yaml:"name"`
	Description          string               `json:"description,omitempty" bson:"description,omitempty" yaml:"description,omitempty"`
	ContentRetrieverType ContentRetrieverType `json:"content_retriever_type" bson:"contentRetrieverType" yaml:"content_retriever_type"`
	Weaviate             WeaviateConfig       `json:"weaviate" bson:"weaviate" yaml:"weaviate"`
	Embedding            EmbeddingConfig      `json:"embedding" bson:"embedding" yaml:"embedding"`
	MaxResults           int                  `json:"max_results,omitempty" bson:"maxResults,omitempty" yaml:"max_results,omitempty"`
	MinScore             float64              `json:"min_score,omitempty" bson:"minScore,omitempty" yaml:"min_score,omitempty"`
}
