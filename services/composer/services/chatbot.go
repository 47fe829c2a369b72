// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides the chat orchestration for the composer.
//
// ChatBotService resolves an assistant, assembles its model and retrieval
// pipeline, asks the claim classifier for an initial verdict and streams
// the LLM's validation of that verdict as typed events.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer/aiservice"
	"github.com/AleutianAI/AleutianComposer/services/composer/classifier"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/observability"
	"github.com/AleutianAI/AleutianComposer/services/composer/retrieval"
	"github.com/AleutianAI/AleutianComposer/services/composer/store"
	"github.com/AleutianAI/AleutianComposer/services/llm"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.composer.services.chatbot")

// Status lines streamed before the LLM answer.
const (
	StatusConsultingClassifier = "🔍 Consultando modelo BERT para determinación inicial..."
	StatusValidatingWithLLM    = "⚖️ Validando con LLM y leyes de tránsito argentinas..."
	predictionPrefix           = "📊 **Predicción BERT:** "
)

// ClientErrorMessage is the text sent to clients in error events.
const ClientErrorMessage = "An error occurred while processing your request"

// DefaultSystemMessage is used when neither the request nor the
// configuration supplies one.
const DefaultSystemMessage = "Sos un asistente experto en siniestros viales y en la legislación de tránsito de la República Argentina. Respondé en español."

var (
	// ErrDocumentsNotConfigured is returned when documents are uploaded but
	// no embedder is configured to index them.
	ErrDocumentsNotConfigured = errors.New("document retrieval not configured")

	// ErrInvalidConnection is returned when an assistant's stored
	// connections fail validation. It is a server-side configuration
	// error, unlike validation errors on client input.
	ErrInvalidConnection = errors.New("assistant connection misconfigured")
)

// =============================================================================
// Dependencies
// =============================================================================

// ModelFactory builds a streaming chat model for a request.
// llm.RuntimeFactory implements it.
type ModelFactory interface {
	ChatModel(req *datatypes.LLMRequest) (llm.ChatModel, error)
}

// RetrieverFactory builds a knowledge-base retriever for a request.
// retrieval.Factory implements it.
type RetrieverFactory interface {
	Retriever(req *datatypes.RetrieverRequest) (retrieval.ContentRetriever, error)
}

// Config holds the service defaults.
//
// # Fields
//
//   - DefaultSystemMessage: Used when a request has no system message.
//   - DocumentMaxResults, DocumentMinScore: Bounds for uploaded documents.
//     Zero uses retrieval.DefaultMaxResults and retrieval.DefaultMinScore.
//   - DocumentEmbedding: Embedder for uploaded documents. Nil rejects
//     uploads with ErrDocumentsNotConfigured.
type Config struct {
	DefaultSystemMessage string
	DocumentMaxResults   int
	DocumentMinScore     float64
	DocumentEmbedding    *datatypes.EmbeddingConfig
}

// Dependencies are the collaborators ChatBotService drives. All but
// Retrievers are required.
type Dependencies struct {
	Repository store.Repository
	Models     ModelFactory
	AIServices *aiservice.Factory
	Retrievers RetrieverFactory
	Classifier classifier.Classifier

	// NewEmbedder builds the uploaded-document embedder. Default:
	// retrieval.NewEmbedder.
	NewEmbedder retrieval.EmbedderFunc
}

// =============================================================================
// ChatBotService
// =============================================================================

// ChatBotService orchestrates assistant chats.
//
// # Description
//
// A chat runs in two phases. Prepare resolves configuration and builds the
// pipeline; its errors happen before anything is streamed and map to HTTP
// statuses. Stream then emits, in order:
//
//  1. status: classifier consultation
//  2. prediction: the classifier verdict (fallback on any failure)
//  3. status: LLM validation
//  4. sources: retrieved content, at most once, when any was found
//  5. token: partial LLM responses
//  6. done, or error
//
// # Thread Safety
//
// Safe for concurrent use. Each chat builds its own pipeline.
type ChatBotService struct {
	repo        store.Repository
	models      ModelFactory
	aiServices  *aiservice.Factory
	retrievers  RetrieverFactory
	classifier  classifier.Classifier
	newEmbedder retrieval.EmbedderFunc
	cfg         Config
}

// NewChatBotService wires the service.
func NewChatBotService(deps Dependencies, cfg Config) (*ChatBotService, error) {
	switch {
	case deps.Repository == nil:
		return nil, fmt.Errorf("chatbot service: repository is required")
	case deps.Models == nil:
		return nil, fmt.Errorf("chatbot service: model factory is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("chatbot service: classifier is required")
	}
	if deps.AIServices == nil {
		deps.AIServices = aiservice.NewFactory(nil)
	}
	if deps.NewEmbedder == nil {
		deps.NewEmbedder = retrieval.NewEmbedder
	}
	if strings.TrimSpace(cfg.DefaultSystemMessage) == "" {
		cfg.DefaultSystemMessage = DefaultSystemMessage
	}
	if cfg.DocumentMaxResults <= 0 {
		cfg.DocumentMaxResults = retrieval.DefaultMaxResults
	}
	if cfg.DocumentMinScore <= 0 {
		cfg.DocumentMinScore = retrieval.DefaultMinScore
	}
	return &ChatBotService{
		repo:        deps.Repository,
		models:      deps.Models,
		aiServices:  deps.AIServices,
		retrievers:  deps.Retrievers,
		classifier:  deps.Classifier,
		newEmbedder: deps.NewEmbedder,
		cfg:         cfg,
	}, nil
}

// Repository exposes the assistant store for read-only endpoints.
func (s *ChatBotService) Repository() store.Repository { return s.repo }

// ChatWithAssistant resolves the assistant and runs Chat.
func (s *ChatBotService) ChatWithAssistant(ctx context.Context, req datatypes.AssistantChatRequest,
	docs []retrieval.UploadedDocument, emit datatypes.EventCallback) error {

	session, err := s.PrepareAssistant(ctx, req, docs)
	if err != nil {
		return err
	}
	return session.Stream(ctx, emit)
}

// Chat prepares and streams a model-level request.
func (s *ChatBotService) Chat(ctx context.Context, req *datatypes.ChatBotRequest,
	docs []retrieval.UploadedDocument, emit datatypes.EventCallback) error {

	session, err := s.Prepare(ctx, req, docs)
	if err != nil {
		return err
	}
	return session.Stream(ctx, emit)
}

// PrepareAssistant resolves the assistant and prepares its chat.
func (s *ChatBotService) PrepareAssistant(ctx context.Context, req datatypes.AssistantChatRequest,
	docs []retrieval.UploadedDocument) (*ChatSession, error) {

	chatReq, err := s.ResolveAssistant(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Prepare(ctx, chatReq, docs)
}

// ResolveAssistant maps an assistant chat request to a model-level request.
//
// # Description
//
// Looks the assistant up by name when AssistantName is set, otherwise by
// AssistantID. Loads its LLM connection and, when referenced, its
// retriever connection, then copies them into a ChatBotRequest with the
// assistant's prompt as system message.
//
// # Outputs
//
//   - error: datatypes.ErrAssistantRequired, store.ErrAssistantNotFound or
//     store.ErrConnectionNotFound, possibly wrapped. ErrInvalidConnection
//     when the stored connections fail validation; the validator errors are
//     folded into its message so they are not mistaken for client errors.
func (s *ChatBotService) ResolveAssistant(ctx context.Context, req datatypes.AssistantChatRequest) (*datatypes.ChatBotRequest, error) {
	ctx, span := tracer.Start(ctx, "ChatBotService.ResolveAssistant")
	defer span.End()

	var (
		assistant *datatypes.Assistant
		err       error
	)
	switch {
	case strings.TrimSpace(req.AssistantName) != "":
		span.SetAttributes(attribute.String("assistant.name", req.AssistantName))
		assistant, err = s.repo.AssistantByName(ctx, strings.TrimSpace(req.AssistantName))
	case strings.TrimSpace(req.AssistantID) != "":
		span.SetAttributes(attribute.String("assistant.id", req.AssistantID))
		assistant, err = s.repo.AssistantByID(ctx, strings.TrimSpace(req.AssistantID))
	default:
		err = datatypes.ErrAssistantRequired
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assistant lookup failed")
		return nil, err
	}

	llmConn, err := s.repo.LLMConnection(ctx, assistant.LLMConnectionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm connection lookup failed")
		return nil, fmt.Errorf("assistant %q: %w", assistant.Name, err)
	}

	var retrieverConn *datatypes.RetrieverConnection
	if assistant.RetrieverConnectionID != "" {
		retrieverConn, err = s.repo.RetrieverConnection(ctx, assistant.RetrieverConnectionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retriever connection lookup failed")
			return nil, fmt.Errorf("assistant %q: %w", assistant.Name, err)
		}
	}

	chatReq := datatypes.NewChatBotRequest(req, assistant, llmConn, retrieverConn)
	if err := chatReq.ValidateConnections(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid assistant connection")
		return nil, fmt.Errorf("%w: assistant %q: %v", ErrInvalidConnection, assistant.Name, err)
	}
	return chatReq, nil
}

// Prepare validates req and builds its pipeline.
//
// # Description
//
// Builds the chat model for the request's serving runtime, picks the AI
// service for its model type, and attaches a retrieval augmentor when the
// request names a retriever or documents were uploaded. Uploaded documents
// are indexed here, so large uploads make Prepare slow.
//
// # Outputs
//
//   - *ChatSession: Ready to Stream.
//   - error: Validation errors from datatypes, llm.ErrUnknownServingRuntime,
//     retrieval errors, or ErrDocumentsNotConfigured.
func (s *ChatBotService) Prepare(ctx context.Context, req *datatypes.ChatBotRequest,
	docs []retrieval.UploadedDocument) (*ChatSession, error) {

	ctx, span := tracer.Start(ctx, "ChatBotService.Prepare")
	defer span.End()

	fail := func(err error, msg string) (*ChatSession, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return nil, err
	}

	if req == nil {
		return fail(datatypes.ErrMessageRequired, "nil request")
	}
	traceID := trace.SpanContextFromContext(ctx).TraceID().String()
	slog.Info("ChatBotService.Chat", "message", truncate(req.Message, 200), "traceId", traceID)

	if err := req.Validate(); err != nil {
		return fail(err, "invalid request")
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("llm.runtime", string(req.ModelRequest.ServingRuntimeType)),
		attribute.String("llm.model", req.ModelRequest.ModelName),
		attribute.Int("documents.count", len(docs)),
	)

	model, err := s.models.ChatModel(req.ModelRequest)
	if err != nil {
		return fail(err, "model build failed")
	}

	augmentor, err := s.buildAugmentor(ctx, req.RetrieverRequest, docs)
	if err != nil {
		return fail(err, "retriever build failed")
	}

	svc := s.aiServices.Build(req.ModelRequest.ModelType, model, llm.ParamsFromRequest(req.ModelRequest), augmentor)

	systemMessage := req.SystemMessage
	if strings.TrimSpace(systemMessage) == "" {
		systemMessage = s.cfg.DefaultSystemMessage
	}

	return &ChatSession{
		RequestID:     requestID,
		TraceID:       traceID,
		service:       svc,
		classifier:    s.classifier,
		modelName:     model.ModelName(),
		message:       req.Message,
		context:       req.Context,
		systemMessage: systemMessage,
	}, nil
}

// buildAugmentor returns nil when there is nothing to retrieve from.
func (s *ChatBotService) buildAugmentor(ctx context.Context, retrieverReq *datatypes.RetrieverRequest,
	docs []retrieval.UploadedDocument) (*retrieval.Augmentor, error) {

	var retrievers []retrieval.ContentRetriever

	if retrieverReq != nil {
		if s.retrievers == nil {
			return nil, fmt.Errorf("%w: no retriever factory", retrieval.ErrUnsupportedRetriever)
		}
		r, err := s.retrievers.Retriever(retrieverReq)
		if err != nil {
			return nil, fmt.Errorf("build retriever: %w", err)
		}
		retrievers = append(retrievers, r)
	}

	if len(docs) > 0 {
		if s.cfg.DocumentEmbedding == nil {
			return nil, ErrDocumentsNotConfigured
		}
		embedder, err := s.newEmbedder(*s.cfg.DocumentEmbedding)
		if err != nil {
			return nil, fmt.Errorf("build document embedder: %w", err)
		}
		r, err := retrieval.NewDocumentRetriever(ctx, embedder, docs, retrieval.DocumentOptions{
			MaxResults: s.cfg.DocumentMaxResults,
			MinScore:   s.cfg.DocumentMinScore,
		})
		if err != nil {
			return nil, fmt.Errorf("index documents: %w", err)
		}
		slog.Info("Indexed uploaded documents", "documents", len(docs), "chunks", r.Chunks())
		retrievers = append(retrievers, r)
	}

	if len(retrievers) == 0 {
		return nil, nil
	}
	router, err := retrieval.NewQueryRouter(retrievers...)
	if err != nil {
		return nil, err
	}
	return retrieval.NewAugmentor(router), nil
}

// =============================================================================
// ChatSession
// =============================================================================

// ChatSession is a prepared chat, ready to stream once.
type ChatSession struct {
	RequestID string
	TraceID   string

	service       *aiservice.Service
	classifier    classifier.Classifier
	modelName     string
	message       string
	context       string
	systemMessage string
}

// emitError marks failures of the event sink, so they are not reported
// back through the same sink.
type emitError struct{ err error }

func (e *emitError) Error() string { return "emit: " + e.err.Error() }
func (e *emitError) Unwrap() error { return e.err }

// Stream runs the classifier and the LLM and relays events to emit.
//
// # Description
//
// Every event passes through emit synchronously and in order. When emit
// returns an error the stream stops and that error is returned without an
// error event. Other failures are reported as an error event carrying
// ClientErrorMessage, logged in full and returned.
//
// # Outputs
//
//   - error: nil after a done event.
func (cs *ChatSession) Stream(ctx context.Context, emit datatypes.EventCallback) error {
	ctx, span := tracer.Start(ctx, "ChatSession.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", cs.RequestID))

	send := func(ev datatypes.StreamEvent) error {
		if err := emit(ev); err != nil {
			return &emitError{err: err}
		}
		return nil
	}

	err := cs.run(ctx, send)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "stream failed")

	var sinkErr *emitError
	if errors.As(err, &sinkErr) || ctx.Err() != nil {
		slog.Info("Chat stream stopped", "requestId", cs.RequestID, "traceId", cs.TraceID, "reason", err)
		return err
	}

	slog.Error("Chat stream failed", "requestId", cs.RequestID, "traceId", cs.TraceID, "error", err)
	if emitErr := emit(datatypes.StreamEvent{
		Type:      datatypes.StreamEventError,
		Error:     ClientErrorMessage,
		RequestId: cs.RequestID,
	}); emitErr != nil {
		slog.Debug("Could not deliver error event", "requestId", cs.RequestID, "error", emitErr)
	}
	return err
}

func (cs *ChatSession) run(ctx context.Context, send func(datatypes.StreamEvent) error) error {
	if err := send(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: StatusConsultingClassifier}); err != nil {
		return err
	}

	prediction := cs.classifier.Predict(ctx, cs.message)
	if err := send(datatypes.StreamEvent{
		Type:       datatypes.StreamEventPrediction,
		Message:    predictionPrefix + prediction.String(),
		Prediction: &prediction,
	}); err != nil {
		return err
	}

	prompt, err := aiservice.BuildClaimPrompt(cs.message, prediction)
	if err != nil {
		return err
	}

	if err := send(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: StatusValidatingWithLLM}); err != nil {
		return err
	}

	start := time.Now()
	tokens := 0
	err = cs.service.ChatToken(ctx, aiservice.ChatInput{
		Context:       cs.context,
		Message:       prompt,
		SystemMessage: cs.systemMessage,
		Query:         cs.message,
	}, aiservice.Handlers{
		OnRetrieved: func(contents []retrieval.Content) error {
			return send(datatypes.StreamEvent{
				Type:    datatypes.StreamEventSources,
				Sources: retrieval.Sources(contents),
			})
		},
		OnToken: func(token string) error {
			tokens++
			return send(datatypes.StreamEvent{Type: datatypes.StreamEventToken, Content: token})
		},
	})
	if m := observability.DefaultMetrics; m != nil && tokens > 0 {
		m.RecordTokens(tokens, cs.modelName)
	}
	if err != nil {
		return err
	}

	slog.Debug("LLM stream complete", "requestId", cs.RequestID, "tokens", tokens, "duration", time.Since(start))
	return send(datatypes.StreamEvent{Type: datatypes.StreamEventDone, RequestId: cs.RequestID})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
