// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aiservice assembles the prompt pipeline for a chat model.
//
// An AI service owns a streaming chat model, an optional retrieval
// augmentor and a model-specific chat template. ChatToken renders the
// system and user turns, retrieves and injects knowledge-base content,
// then streams the model's answer through handler callbacks.
package aiservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/retrieval"
	"github.com/AleutianAI/AleutianComposer/services/llm"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.composer.aiservice")

// Model types with their own user-turn template.
const (
	ModelTypeDefault = "default"
	ModelTypeMistral = "mistral"
	ModelTypeGranite = "granite"
	ModelTypeLlama   = "llama"
)

// User-turn templates. context is optional and omitted when empty.
var userTemplates = map[string]string{
	ModelTypeDefault: "{{if .context}}Context:\n{{.context}}\n\n{{end}}{{.message}}",
	ModelTypeMistral: "[INST] {{if .context}}{{.context}}\n\n{{end}}{{.message}} [/INST]",
	ModelTypeGranite: "{{if .context}}<documents>\n{{.context}}\n</documents>\n\n{{end}}{{.message}}",
	ModelTypeLlama:   "{{if .context}}<context>\n{{.context}}\n</context>\n\n{{end}}{{.message}}",
}

// ErrEmptyMessage is returned when the rendered user turn is blank.
var ErrEmptyMessage = errors.New("user message is empty")

// =============================================================================
// Handlers
// =============================================================================

// Handlers receive the stages of a ChatToken call in order: OnRetrieved at
// most once before the first token, OnToken for each partial response.
// Either may be nil. A returned error aborts the call.
type Handlers struct {
	OnRetrieved func(contents []retrieval.Content) error
	OnToken     func(token string) error
}

// ChatInput is one turn handed to ChatToken.
//
// # Fields
//
//   - Context: Optional free-form context placed before the message.
//   - Message: Required user message.
//   - SystemMessage: Optional system turn.
//   - Query: Optional retrieval query. Empty uses Message.
type ChatInput struct {
	Context       string
	Message       string
	SystemMessage string
	Query         string
}

// =============================================================================
// Service
// =============================================================================

// Service is a model-specific prompt pipeline bound to one chat model.
//
// # Thread Safety
//
// Safe for concurrent use if the underlying model and augmentor are.
type Service struct {
	modelType string
	chat      prompts.ChatPromptTemplate
	model     llm.ChatModel
	params    llm.GenerationParams
	augmentor *retrieval.Augmentor
	injector  *ContentInjector
}

// HasRetrieval reports whether an augmentor is attached.
func (s *Service) HasRetrieval() bool { return s.augmentor != nil }

// ChatToken streams the model's answer to input.
//
// # Description
//
// Renders the system and user turns. When an augmentor is attached,
// retrieves content for the query, reports it via OnRetrieved and appends
// it to the user turn. Then streams the model, forwarding tokens to
// OnToken. Thinking chunks are not forwarded.
//
// # Outputs
//
//   - error: Render, retrieval, model or handler failure. In-band model
//     errors are returned as errors.
func (s *Service) ChatToken(ctx context.Context, input ChatInput, h Handlers) error {
	ctx, span := tracer.Start(ctx, "AIService.ChatToken")
	defer span.End()
	span.SetAttributes(
		attribute.String("aiservice.model_type", s.modelType),
		attribute.String("llm.model", s.model.ModelName()),
		attribute.Bool("aiservice.retrieval", s.augmentor != nil),
	)

	fail := func(err error, msg string) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return err
	}

	messages, err := s.render(input)
	if err != nil {
		return fail(err, "render failed")
	}

	if s.augmentor != nil {
		query := input.Query
		if strings.TrimSpace(query) == "" {
			query = input.Message
		}
		contents, err := s.augmentor.Retrieve(ctx, query)
		if err != nil {
			return fail(fmt.Errorf("retrieve content: %w", err), "retrieval failed")
		}
		span.SetAttributes(attribute.Int("aiservice.contents", len(contents)))
		if len(contents) > 0 {
			if h.OnRetrieved != nil {
				if err := h.OnRetrieved(contents); err != nil {
					return fail(err, "retrieved handler failed")
				}
			}
			last := &messages[len(messages)-1]
			if last.Content, err = s.injector.Inject(last.Content, contents); err != nil {
				return fail(err, "inject failed")
			}
		}
	}

	err = s.model.ChatStream(ctx, messages, s.params, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			if h.OnToken != nil && ev.Content != "" {
				return h.OnToken(ev.Content)
			}
		case llm.StreamEventError:
			return fmt.Errorf("model error: %s", ev.Error)
		}
		return nil
	})
	if err != nil {
		return fail(err, "stream failed")
	}
	return nil
}

// render formats the chat template into runtime messages.
func (s *Service) render(input ChatInput) ([]datatypes.Message, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, ErrEmptyMessage
	}
	formatted, err := s.chat.FormatMessages(map[string]any{
		"system":  input.SystemMessage,
		"context": strings.TrimSpace(input.Context),
		"message": input.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("render chat template: %w", err)
	}

	out := make([]datatypes.Message, 0, len(formatted))
	for _, m := range formatted {
		var role string
		switch m.GetType() {
		case llms.ChatMessageTypeSystem:
			if strings.TrimSpace(m.GetContent()) == "" {
				continue
			}
			role = datatypes.RoleSystem
		case llms.ChatMessageTypeAI:
			role = datatypes.RoleAssistant
		default:
			role = datatypes.RoleUser
		}
		out = append(out, datatypes.Message{Role: role, Content: m.GetContent()})
	}
	return out, nil
}

// =============================================================================
// Factory
// =============================================================================

// Factory builds services by model type.
//
// # Description
//
// Unknown or empty model types use the default template. Templates can be
// added or replaced with Register.
//
// # Thread Safety
//
// Safe for concurrent use.
type Factory struct {
	mu        sync.RWMutex
	templates map[string]string
	injector  *ContentInjector
}

// NewFactory returns a factory with the built-in model types and the given
// injector. A nil injector uses DefaultInjectorTemplate.
func NewFactory(injector *ContentInjector) *Factory {
	if injector == nil {
		injector, _ = NewContentInjector("")
	}
	f := &Factory{templates: make(map[string]string, len(userTemplates)), injector: injector}
	for k, v := range userTemplates {
		f.templates[k] = v
	}
	return f
}

// Register sets the user-turn template for a model type. The template may
// reference context and message.
func (f *Factory) Register(modelType, userTemplate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[strings.ToLower(modelType)] = userTemplate
}

// Resolve returns the model type the factory will use for modelType.
func (f *Factory) Resolve(modelType string) string {
	key := strings.ToLower(strings.TrimSpace(modelType))
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.templates[key]; ok {
		return key
	}
	if key != "" {
		slog.Debug("Unknown model type, using default", "model_type", modelType)
	}
	return ModelTypeDefault
}

// Build returns a service for modelType bound to model. augmentor may be
// nil.
func (f *Factory) Build(modelType string, model llm.ChatModel, params llm.GenerationParams, augmentor *retrieval.Augmentor) *Service {
	resolved := f.Resolve(modelType)

	f.mu.RLock()
	userTmpl := f.templates[resolved]
	f.mu.RUnlock()

	chat := prompts.NewChatPromptTemplate([]prompts.MessageFormatter{
		prompts.NewSystemMessagePromptTemplate("{{.system}}", []string{"system"}),
		prompts.NewHumanMessagePromptTemplate(userTmpl, []string{"context", "message"}),
	})

	return &Service{
		modelType: resolved,
		chat:      chat,
		model:     model,
		params:    params,
		augmentor: augmentor,
		injector:  f.injector,
	}
}
