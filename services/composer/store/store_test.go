// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

const testCatalog = `
assistants:
  - name: siniestros
    display_name: Analista de Siniestros
    user_prompt: Sos un analista de siniestros viales.
    llm_connection_id: ollama-llama3
    retriever_connection_id: leyes
  - id: a-2
    name: general
    llm_connection_id: openai-gpt
llm_connections:
  - id: ollama-llama3
    serving_runtime_type: ollama
    model_type: llama
    model_name: llama3
  - id: openai-gpt
    serving_runtime_type: openai
    model_name: gpt-4o-mini
    api_key: ${COMPOSER_TEST_OPENAI_KEY}
retriever_connections:
  - id: leyes
    content_retriever_type: weaviate
    weaviate:
      host: localhost:8080
      index: LeyTransito
    embedding:
      type: ollama
      model: nomic-embed-text
    max_results: 5
`

func writeCatalog(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// =============================================================================
// ParseCatalog
// =============================================================================

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad yaml",
			body: "assistants: [",
			want: "decode catalog",
		},
		{
			name: "unknown llm connection",
			body: "assistants:\n  - name: a\n    llm_connection_id: missing\n",
			want: `unknown llm connection "missing"`,
		},
		{
			name: "unknown retriever connection",
			body: "assistants:\n  - name: a\n    llm_connection_id: l\n    retriever_connection_id: r\nllm_connections:\n  - id: l\n",
			want: `unknown retriever connection "r"`,
		},
		{
			name: "duplicate name",
			body: "assistants:\n  - {name: a, id: x, llm_connection_id: l}\n  - {name: a, id: y, llm_connection_id: l}\nllm_connections:\n  - id: l\n",
			want: `duplicate assistant name "a"`,
		},
		{
			name: "unnamed assistant",
			body: "assistants:\n  - llm_connection_id: l\nllm_connections:\n  - id: l\n",
			want: "has no name",
		},
		{
			name: "connection without id",
			body: "llm_connections:\n  - name: l\n",
			want: "has no id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseCatalog_ExpandsEnv(t *testing.T) {
	t.Setenv("COMPOSER_TEST_OPENAI_KEY", "sk-test")

	cat, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	require.Len(t, cat.LLMConnections, 2)
	assert.Equal(t, "sk-test", cat.LLMConnections[1].APIKey)
	assert.Equal(t, "siniestros", cat.Assistants[0].ID, "missing id defaults to name")
}

// =============================================================================
// FileRepository lookups
// =============================================================================

func TestFileRepository_Lookups(t *testing.T) {
	repo, err := NewFileRepository(writeCatalog(t, t.TempDir(), testCatalog))
	require.NoError(t, err)
	defer repo.Close(context.Background())
	ctx := context.Background()

	a, err := repo.AssistantByName(ctx, "siniestros")
	require.NoError(t, err)
	assert.Equal(t, "Sos un analista de siniestros viales.", a.UserPrompt)
	assert.Equal(t, "leyes", a.RetrieverConnectionID)

	byID, err := repo.AssistantByID(ctx, "a-2")
	require.NoError(t, err)
	assert.Equal(t, "general", byID.Name)

	_, err = repo.AssistantByName(ctx, "nadie")
	assert.ErrorIs(t, err, ErrAssistantNotFound)
	_, err = repo.AssistantByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrAssistantNotFound)

	llm, err := repo.LLMConnection(ctx, "ollama-llama3")
	require.NoError(t, err)
	assert.Equal(t, datatypes.ServingRuntimeOllama, llm.ServingRuntimeType)
	assert.Equal(t, "llama", llm.ModelType)

	ret, err := repo.RetrieverConnection(ctx, "leyes")
	require.NoError(t, err)
	assert.Equal(t, "LeyTransito", ret.Weaviate.Index)
	assert.Equal(t, 5, ret.MaxResults)

	_, err = repo.LLMConnection(ctx, "missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	_, err = repo.RetrieverConnection(ctx, "missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	list, err := repo.ListAssistants(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "general", list[0].Name)
	assert.Equal(t, "siniestros", list[1].Name)
}

func TestFileRepository_ReturnsCopies(t *testing.T) {
	repo, err := NewFileRepository(writeCatalog(t, t.TempDir(), testCatalog))
	require.NoError(t, err)
	ctx := context.Background()

	a, err := repo.AssistantByName(ctx, "siniestros")
	require.NoError(t, err)
	a.UserPrompt = "mutated"

	again, err := repo.AssistantByName(ctx, "siniestros")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.UserPrompt)
}

func TestNewFileRepository_MissingFile(t *testing.T) {
	_, err := NewFileRepository(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read catalog")
}

// =============================================================================
// Hot reload
// =============================================================================

func TestFileRepository_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalog)

	repo, err := NewFileRepository(path)
	require.NoError(t, err)
	repo.debounce = 10 * time.Millisecond
	require.NoError(t, repo.Watch(context.Background()))
	defer repo.Close(context.Background())

	updated := `
assistants:
  - name: nuevo
    llm_connection_id: l
llm_connections:
  - id: l
    serving_runtime_type: ollama
    model_name: llama3
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		_, err := repo.AssistantByName(context.Background(), "nuevo")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	_, err = repo.AssistantByName(context.Background(), "siniestros")
	assert.ErrorIs(t, err, ErrAssistantNotFound)
}

func TestFileRepository_InvalidReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalog)

	repo, err := NewFileRepository(path)
	require.NoError(t, err)
	repo.debounce = 10 * time.Millisecond
	require.NoError(t, repo.Watch(context.Background()))
	defer repo.Close(context.Background())

	require.NoError(t, os.WriteFile(path, []byte("assistants: ["), 0o600))
	time.Sleep(200 * time.Millisecond)

	_, err = repo.AssistantByName(context.Background(), "siniestros")
	assert.NoError(t, err)
	assert.Equal(t, 1, repo.Reloads())
}

func TestFileRepository_WatchTwice(t *testing.T) {
	repo, err := NewFileRepository(writeCatalog(t, t.TempDir(), testCatalog))
	require.NoError(t, err)
	require.NoError(t, repo.Watch(context.Background()))
	defer repo.Close(context.Background())

	assert.Error(t, repo.Watch(context.Background()))
}

func TestFileRepository_CloseWithoutWatch(t *testing.T) {
	repo, err := NewFileRepository(writeCatalog(t, t.TempDir(), testCatalog))
	require.NoError(t, err)
	assert.NoError(t, repo.Close(context.Background()))
}

// =============================================================================
// MongoRepository (integration)
// =============================================================================

func TestMongoRepository_Integration(t *testing.T) {
	uri := os.Getenv("COMPOSER_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("COMPOSER_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	repo, err := NewMongoRepository(ctx, MongoConfig{URI: uri, Database: "composer_test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer repo.Close(ctx)

	require.NoError(t, repo.Ping(ctx))

	_, err = repo.AssistantByName(ctx, "definitely-not-an-assistant")
	assert.True(t, errors.Is(err, ErrAssistantNotFound))

	_, err = repo.LLMConnection(ctx, "000000000000000000000000")
	assert.True(t, errors.Is(err, ErrConnectionNotFound))

	_, err = repo.ListAssistants(ctx)
	assert.NoError(t, err)
}

func TestNewMongoRepository_RequiresConfig(t *testing.T) {
	_, err := NewMongoRepository(context.Background(), MongoConfig{})
	assert.Error(t, err)
}

func TestIDFilter(t *testing.T) {
	f := idFilter("65f1c0ffee65f1c0ffee65f1")
	in, ok := f["_id"].(bson.M)
	require.True(t, ok, "expected $in filter, got %#v", f["_id"])
	assert.Len(t, in["$in"], 2)

	assert.Equal(t, "plain-id", idFilter("plain-id")["_id"])
}
