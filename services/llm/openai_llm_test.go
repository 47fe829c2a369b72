// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSSEChunks writes OpenAI-style chat.completion.chunk events.
func writeSSEChunks(w http.ResponseWriter, tokens ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for i, tok := range tokens {
		chunk := map[string]any{
			"id":      fmt.Sprintf("chatcmpl-%d", i),
			"object":  "chat.completion.chunk",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]any{"content": tok},
			}},
		}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestOpenAIClient_ChatStream(t *testing.T) {
	var gotReq struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxTokens int `json:"max_tokens"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer EMPTY", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeSSEChunks(w, "El ", "conductor ", "", "es culpable.")
	}))
	defer server.Close()

	client, err := NewVLLMClient(&datatypes.LLMRequest{
		ServingRuntimeType: datatypes.ServingRuntimeVLLM,
		URL:                server.URL,
		ModelName:          "test-model",
	})
	require.NoError(t, err)

	maxTokens := 128
	var sb strings.Builder
	err = client.ChatStream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "Sos un perito."},
		{Role: datatypes.RoleUser, Content: "¿Quién es culpable?"},
	}, GenerationParams{MaxTokens: &maxTokens}, func(event StreamEvent) error {
		assert.Equal(t, StreamEventToken, event.Type)
		sb.WriteString(event.Content)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "El conductor es culpable.", sb.String())
	assert.Equal(t, "test-model", gotReq.Model)
	assert.True(t, gotReq.Stream)
	assert.Equal(t, 128, gotReq.MaxTokens)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestOpenAIClient_ChatStream_CallbackAbort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSEChunks(w, "a", "b", "c")
	}))
	defer server.Close()

	client, err := NewVLLMClient(&datatypes.LLMRequest{URL: server.URL, ModelName: "m"})
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = client.ChatStream(context.Background(), nil, GenerationParams{}, func(StreamEvent) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestOpenAIClient_ChatStream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	client, err := NewOpenAIClient(&datatypes.LLMRequest{APIKey: "sk-test", URL: server.URL + "/v1", ModelName: "gpt-4o"})
	require.NoError(t, err)

	err = client.ChatStream(context.Background(), nil, GenerationParams{}, func(StreamEvent) error { return nil })
	assert.Error(t, err)
}

func TestNewOpenAIClient_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIClient(&datatypes.LLMRequest{ModelName: "gpt-4o"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNewVLLMClient_RequiresURL(t *testing.T) {
	_, err := NewVLLMClient(&datatypes.LLMRequest{ModelName: "m"})
	assert.Error(t, err)
}

func TestNormalizeOpenAIBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://vllm:8000", "http://vllm:8000/v1"},
		{"http://vllm:8000/", "http://vllm:8000/v1"},
		{"http://vllm:8000/v1", "http://vllm:8000/v1"},
		{" http://vllm:8000/v1/ ", "http://vllm:8000/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeOpenAIBaseURL(tt.in))
		})
	}
}

func TestToOpenAIMessages_Roles(t *testing.T) {
	out := toOpenAIMessages([]datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "s"},
		{Role: datatypes.RoleAssistant, Content: "a"},
		{Role: datatypes.RoleUser, Content: "u"},
		{Role: "unknown", Content: "x"},
	})
	require.Len(t, out, 4)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
	assert.Equal(t, "user", out[2].Role)
	assert.Equal(t, "user", out[3].Role)
}
