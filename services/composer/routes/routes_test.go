// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianComposer/pkg/extensions"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/middleware"
	"github.com/AleutianAI/AleutianComposer/services/composer/services"
	"github.com/AleutianAI/AleutianComposer/services/composer/store"
	"github.com/AleutianAI/AleutianComposer/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

const routesCatalog = `
assistants:
  - id: a-1
    name: siniestros
    llm_connection_id: llm-1
llm_connections:
  - id: llm-1
    serving_runtime_type: fake
    model_name: fake
`

type mockModel struct{}

func (mockModel) ChatStream(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	return cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: "ok"})
}

func (mockModel) ModelName() string { return "fake" }

type mockModels struct{}

func (mockModels) ChatModel(*datatypes.LLMRequest) (llm.ChatModel, error) { return mockModel{}, nil }

type mockClassifier struct{}

func (mockClassifier) Predict(context.Context, string) datatypes.Prediction {
	return datatypes.FallbackPrediction()
}

func newRouter(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routesCatalog), 0o600))
	repo, err := store.NewFileRepository(path)
	require.NoError(t, err)

	svc, err := services.NewChatBotService(services.Dependencies{
		Repository: repo,
		Models:     mockModels{},
		Classifier: mockClassifier{},
	}, services.Config{})
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, svc, opts)
	return router
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersRoutes(t *testing.T) {
	router := newRouter(t, Options{})

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/assistants"},
		{"GET", "/v1/assistants/:id"},
		{"POST", "/v1/assistants/chat/stream"},
		{"POST", "/v1/assistants/chat/documents/stream"},
		{"GET", "/v1/assistants/chat/ws"},
		{"POST", "/v1/chat/stream"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestSetupRoutes_PublicEndpoints(t *testing.T) {
	provider, err := extensions.NewAPIKeyAuthProvider(map[string]string{"ana": "secret"})
	require.NoError(t, err)
	t.Cleanup(provider.Destroy)
	router := newRouter(t, Options{Version: "test", Extensions: extensions.DefaultOptions().WithAuth(provider)})

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestSetupRoutes_RequiresAuth(t *testing.T) {
	provider, err := extensions.NewAPIKeyAuthProvider(map[string]string{"ana": "secret"})
	require.NoError(t, err)
	t.Cleanup(provider.Destroy)
	router := newRouter(t, Options{Extensions: extensions.DefaultOptions().WithAuth(provider)})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/assistants", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/assistants", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "siniestros")
}

func TestSetupRoutes_AssistantChatStream(t *testing.T) {
	router := newRouter(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/assistants/chat/stream",
		strings.NewReader(`{"assistant_name":"siniestros","message":"hola"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: done")
}

func TestSetupRoutes_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	router := newRouter(t, Options{RateLimiter: limiter})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/assistants", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
