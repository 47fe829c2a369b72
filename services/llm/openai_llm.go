// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// vllmPlaceholderKey is sent when an OpenAI-compatible runtime needs no key.
const vllmPlaceholderKey = "EMPTY"

// OpenAIClient streams from the OpenAI API or any OpenAI-compatible runtime
// such as vLLM.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewOpenAIClient creates a client for the openai runtime.
//
// # Inputs
//
//   - req: LLM request. APIKey and ModelName are required. URL is optional
//     and overrides the public endpoint.
//
// # Outputs
//
//   - *OpenAIClient: Ready client.
//   - error: ErrMissingAPIKey if no key was provided.
func NewOpenAIClient(req *datatypes.LLMRequest) (*OpenAIClient, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, datatypes.ServingRuntimeOpenAI)
	}
	return newOpenAICompatibleClient(req.APIKey, req.URL, req.ModelName), nil
}

// NewVLLMClient creates a client for a vLLM runtime. vLLM serves the OpenAI
// wire format under /v1, so the URL is normalized to end with it.
func NewVLLMClient(req *datatypes.LLMRequest) (*OpenAIClient, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("vllm runtime requires a url")
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = vllmPlaceholderKey
	}
	return newOpenAICompatibleClient(apiKey, normalizeOpenAIBaseURL(req.URL), req.ModelName), nil
}

func newOpenAICompatibleClient(apiKey, baseURL, model string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	slog.Debug("Initializing OpenAI-compatible client", "model", model, "base_url", config.BaseURL)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(config),
		model:   model,
		baseURL: config.BaseURL,
	}
}

func normalizeOpenAIBaseURL(raw string) string {
	u := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

// ModelName implements ChatModel.
func (o *OpenAIClient) ModelName() string {
	return o.model
}

// ChatStream implements ChatModel using chat completion streaming.
//
// # Description
//
// Opens a streaming completion and forwards every non-empty delta as a
// token event. The stream ends on io.EOF. Context cancellation closes
// the underlying HTTP response.
//
// # Limitations
//
//   - Tool calls in deltas are ignored.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI stream request failed", "model", o.model, "error", err)
		return fmt.Errorf("openai stream request failed: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("openai stream receive failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
			return err
		}
	}
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case datatypes.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case datatypes.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

var _ ChatModel = (*OpenAIClient)(nil)
