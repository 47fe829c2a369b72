// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides streaming clients for the serving runtimes an LLM
// connection can point at.
//
// Every runtime implements ChatModel. The RuntimeFactory picks a runtime by
// its ServingRuntimeType and builds a ChatModel from a request-scoped
// datatypes.LLMRequest.
package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
)

// =============================================================================
// Generation Parameters
// =============================================================================

// GenerationParams are optional sampling overrides. Nil fields use the
// runtime's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ParamsFromRequest lifts the connection-level overrides into params.
func ParamsFromRequest(req *datatypes.LLMRequest) GenerationParams {
	if req == nil {
		return GenerationParams{}
	}
	return GenerationParams{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// =============================================================================
// Streaming Types
// =============================================================================

// StreamEventType identifies a chunk emitted by a runtime.
type StreamEventType string

const (
	// StreamEventToken carries a partial response.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking carries reasoning text from models that expose it.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventError reports an error the runtime sent in-band.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one chunk of a streaming response.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives chunks in order. Returning an error aborts the
// stream and ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Interfaces
// =============================================================================

// ChatModel streams a chat completion.
//
// # Description
//
// ChatStream sends messages to the model and invokes callback for every
// chunk. It returns after the final chunk, on error, or when ctx is
// cancelled.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type ChatModel interface {
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error

	// ModelName reports the model this client talks to, for metrics.
	ModelName() string
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownServingRuntime is returned for an unsupported runtime type.
	ErrUnknownServingRuntime = errors.New("unknown serving runtime")

	// ErrMissingAPIKey is returned when a hosted runtime has no credential.
	ErrMissingAPIKey = errors.New("api key required for serving runtime")

	// ErrModelNotFound is returned when the runtime does not know the model.
	ErrModelNotFound = errors.New("model not found")
)
