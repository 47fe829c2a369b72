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
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
)

// =============================================================================
// Serving Runtimes
// =============================================================================

// ServingRuntime builds chat models for one kind of serving backend.
type ServingRuntime interface {
	// Type reports the runtime type this implementation serves.
	Type() datatypes.ServingRuntimeType

	// ChatModel builds a streaming model for the request.
	ChatModel(req *datatypes.LLMRequest) (ChatModel, error)
}

// RuntimeFunc adapts a constructor to ServingRuntime.
type RuntimeFunc struct {
	RuntimeType datatypes.ServingRuntimeType
	Build       func(req *datatypes.LLMRequest) (ChatModel, error)
}

// Type implements ServingRuntime.
func (f RuntimeFunc) Type() datatypes.ServingRuntimeType { return f.RuntimeType }

// ChatModel implements ServingRuntime.
func (f RuntimeFunc) ChatModel(req *datatypes.LLMRequest) (ChatModel, error) {
	return f.Build(req)
}

// =============================================================================
// Runtime Factory
// =============================================================================

// RuntimeFactory resolves serving runtimes by type.
//
// # Description
//
// The factory maps a connection's ServingRuntimeType to the runtime that
// builds its ChatModel. NewRuntimeFactory registers the built-in runtimes
// (openai, vllm, ollama, anthropic); Register adds or replaces one, which
// is how tests inject fakes.
//
// # Thread Safety
//
// Safe for concurrent use.
type RuntimeFactory struct {
	mu       sync.RWMutex
	runtimes map[datatypes.ServingRuntimeType]ServingRuntime
}

// NewRuntimeFactory returns a factory with the built-in runtimes.
func NewRuntimeFactory() *RuntimeFactory {
	f := &RuntimeFactory{runtimes: make(map[datatypes.ServingRuntimeType]ServingRuntime)}
	f.Register(RuntimeFunc{RuntimeType: datatypes.ServingRuntimeOpenAI, Build: func(r *datatypes.LLMRequest) (ChatModel, error) {
		return NewOpenAIClient(r)
	}})
	f.Register(RuntimeFunc{RuntimeType: datatypes.ServingRuntimeVLLM, Build: func(r *datatypes.LLMRequest) (ChatModel, error) {
		return NewVLLMClient(r)
	}})
	f.Register(RuntimeFunc{RuntimeType: datatypes.ServingRuntimeOllama, Build: func(r *datatypes.LLMRequest) (ChatModel, error) {
		return NewOllamaClient(r)
	}})
	f.Register(RuntimeFunc{RuntimeType: datatypes.ServingRuntimeAnthropic, Build: func(r *datatypes.LLMRequest) (ChatModel, error) {
		return NewAnthropicClient(r)
	}})
	return f
}

// Register adds or replaces the runtime for its type.
func (f *RuntimeFactory) Register(rt ServingRuntime) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtimes[rt.Type()] = rt
}

// Runtime returns the runtime for a type. Matching is case-insensitive.
func (f *RuntimeFactory) Runtime(runtimeType datatypes.ServingRuntimeType) (ServingRuntime, error) {
	key := datatypes.ServingRuntimeType(strings.ToLower(strings.TrimSpace(string(runtimeType))))

	f.mu.RLock()
	rt, ok := f.runtimes[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServingRuntime, runtimeType)
	}
	return rt, nil
}

// ChatModel resolves the request's runtime and builds its model.
func (f *RuntimeFactory) ChatModel(req *datatypes.LLMRequest) (ChatModel, error) {
	if req == nil {
		return nil, datatypes.ErrModelRequired
	}
	rt, err := f.Runtime(req.ServingRuntimeType)
	if err != nil {
		return nil, err
	}
	model, err := rt.ChatModel(req)
	if err != nil {
		return nil, fmt.Errorf("build %s chat model: %w", rt.Type(), err)
	}
	slog.Debug("Resolved chat model", "runtime", rt.Type(), "model", model.ModelName())
	return model, nil
}
