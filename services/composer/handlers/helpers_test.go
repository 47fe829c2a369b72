// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianComposer/pkg/extensions"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/services"
	"github.com/AleutianAI/AleutianComposer/services/composer/store"
	"github.com/AleutianAI/AleutianComposer/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Setup
// =============================================================================

const handlerCatalog = `
assistants:
  - id: a-1
    name: siniestros
    display_name: Siniestros Viales
    user_prompt: Sos un perito de siniestros.
    llm_connection_id: llm-1
    example_questions: ["¿Quién tiene prioridad en una rotonda?"]
  - id: a-2
    name: roto
    llm_connection_id: llm-2
  - id: a-3
    name: vacio
    llm_connection_id: llm-3
llm_connections:
  - id: llm-1
    serving_runtime_type: fake
    model_name: fake-model
  - id: llm-2
    serving_runtime_type: missing
    model_name: x
  - id: llm-3
    serving_runtime_type: fake
`

// mockModel streams fixed tokens. With block set it then waits for block
// or cancellation, closing cancelled when the context ends first.
type mockModel struct {
	tokens    []string
	err       error
	block     chan struct{}
	cancelled chan struct{}

	mu       sync.Mutex
	received []datatypes.Message
}

func (m *mockModel) ChatStream(ctx context.Context, messages []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	m.mu.Lock()
	m.received = append([]datatypes.Message(nil), messages...)
	m.mu.Unlock()
	for _, tok := range m.tokens {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			if m.cancelled != nil {
				close(m.cancelled)
			}
			return ctx.Err()
		}
	}
	return m.err
}

func (m *mockModel) ModelName() string { return "fake-model" }

func (m *mockModel) lastMessages() []datatypes.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

type mockModels struct{ model *mockModel }

func (f *mockModels) ChatModel(req *datatypes.LLMRequest) (llm.ChatModel, error) {
	if req.ServingRuntimeType != "fake" {
		return nil, llm.ErrUnknownServingRuntime
	}
	return f.model, nil
}

type mockClassifier struct{}

func (mockClassifier) Predict(context.Context, string) datatypes.Prediction {
	return datatypes.Prediction{Culpability: "No Culpable", Confidence: 0.77}
}

// keywordEmbedder embeds by keyword counts, so uploads are searchable.
type keywordEmbedder struct{}

func (keywordEmbedder) vec(text string) []float32 {
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "rotonda")),
		float32(strings.Count(lower, "prioridad")),
		0.1,
	}
}

func (e keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vec(t)
	}
	return out, nil
}

func (e keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vec(text), nil
}

// recordingAuditor collects audit events.
type recordingAuditor struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (r *recordingAuditor) Log(_ context.Context, ev extensions.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAuditor) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

type testEnv struct {
	repo    *store.FileRepository
	model   *mockModel
	svc     *services.ChatBotService
	auditor *recordingAuditor
	handler ChatHandler
}

func newTestEnv(t *testing.T, opts extensions.ServiceOptions) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(handlerCatalog), 0o600))
	repo, err := store.NewFileRepository(path)
	require.NoError(t, err)

	env := &testEnv{
		repo:    repo,
		model:   &mockModel{tokens: []string{"**Decisión Final:** ", "No Culpable"}},
		auditor: &recordingAuditor{},
	}
	env.svc, err = services.NewChatBotService(services.Dependencies{
		Repository: repo,
		Models:     &mockModels{model: env.model},
		Classifier: mockClassifier{},
		NewEmbedder: func(datatypes.EmbeddingConfig) (embeddings.Embedder, error) {
			return keywordEmbedder{}, nil
		},
	}, services.Config{
		DocumentEmbedding: &datatypes.EmbeddingConfig{Type: "ollama", Model: "nomic-embed-text"},
		DocumentMinScore:  0.01,
	})
	require.NoError(t, err)

	if opts.AuditLogger == nil {
		opts.AuditLogger = env.auditor
	}
	env.handler = NewChatHandler(env.svc, opts, ChatHandlerConfig{})
	return env
}

func (e *testEnv) router() *gin.Engine {
	r := gin.New()
	r.POST("/v1/assistants/chat/stream", e.handler.HandleAssistantChatStream)
	r.POST("/v1/assistants/chat/documents/stream", e.handler.HandleDocumentsChatStream)
	r.POST("/v1/chat/stream", e.handler.HandleChatStream)
	r.GET("/v1/assistants/chat/ws", e.handler.HandleWebSocket)
	return r
}

// parseSSE decodes every "data:" frame of an SSE body.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func eventTypes(events []datatypes.StreamEvent) []datatypes.StreamEventType {
	out := make([]datatypes.StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
