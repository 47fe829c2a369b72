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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// defaultAnthropicMaxTokens is sent when the connection sets no limit; the
// Messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient streams from the Anthropic Messages API through
// langchaingo's anthropic model.
type AnthropicClient struct {
	model llms.Model
	name  string
}

// NewAnthropicClient creates a client for the anthropic runtime.
//
// # Inputs
//
//   - req: LLM request. APIKey and ModelName are required. URL optionally
//     overrides the API base (for gateways); "/v1" is appended when absent.
func NewAnthropicClient(req *datatypes.LLMRequest) (*AnthropicClient, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, datatypes.ServingRuntimeAnthropic)
	}

	opts := []anthropic.Option{
		anthropic.WithToken(req.APIKey),
		anthropic.WithModel(req.ModelName),
	}
	if strings.TrimSpace(req.URL) != "" {
		opts = append(opts, anthropic.WithBaseURL(normalizeAnthropicBaseURL(req.URL)))
	}

	model, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic client: %w", err)
	}
	return &AnthropicClient{model: model, name: req.ModelName}, nil
}

// normalizeAnthropicBaseURL appends the /v1 prefix the Messages API path
// is resolved against.
func normalizeAnthropicBaseURL(raw string) string {
	u := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u
}

// ModelName implements ChatModel.
func (a *AnthropicClient) ModelName() string {
	return a.name
}

// ChatStream implements ChatModel. System messages are lifted into the
// request's system prompt by the underlying client.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "AnthropicClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", a.name),
		attribute.Int("llm.num_messages", len(messages)),
	)

	maxTokens := defaultAnthropicMaxTokens
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	callOpts := []llms.CallOption{
		llms.WithMaxTokens(maxTokens),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return callback(StreamEvent{Type: StreamEventToken, Content: string(chunk)})
		}),
	}
	if params.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		callOpts = append(callOpts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.TopK != nil {
		callOpts = append(callOpts, llms.WithTopK(*params.TopK))
	}
	if len(params.Stop) > 0 {
		callOpts = append(callOpts, llms.WithStopWords(params.Stop))
	}

	if _, err := a.model.GenerateContent(ctx, toMessageContent(messages), callOpts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("anthropic stream failed: %w", err)
	}
	return nil
}

// toMessageContent converts chat turns to langchaingo's message format.
func toMessageContent(messages []datatypes.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case datatypes.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case datatypes.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

var _ ChatModel = (*AnthropicClient)(nil)
