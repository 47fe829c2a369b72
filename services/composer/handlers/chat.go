// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers serves chat streams and the assistant catalog over HTTP.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComposer/pkg/extensions"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/middleware"
	"github.com/AleutianAI/AleutianComposer/services/composer/observability"
	"github.com/AleutianAI/AleutianComposer/services/composer/retrieval"
	"github.com/AleutianAI/AleutianComposer/services/composer/services"
	"github.com/AleutianAI/AleutianComposer/services/composer/store"
	"github.com/AleutianAI/AleutianComposer/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultHeartbeatInterval is how often idle SSE streams get a keepalive.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultMaxUploadBytes bounds a multipart document upload.
	DefaultMaxUploadBytes int64 = 32 << 20

	// DocumentsFormField is the multipart field carrying uploaded files.
	DocumentsFormField = "documents"
)

// =============================================================================
// Interface
// =============================================================================

// ChatHandler serves the chat endpoints.
//
// # Description
//
// Every chat endpoint follows the same two phases. The request is bound,
// validated, filtered and prepared first; failures there are plain HTTP
// errors. Only then are stream headers written and the chat streamed, so
// later failures arrive as error events.
type ChatHandler interface {
	// HandleAssistantChatStream serves POST /v1/assistants/chat/stream.
	HandleAssistantChatStream(c *gin.Context)

	// HandleDocumentsChatStream serves POST /v1/assistants/chat/documents/stream.
	HandleDocumentsChatStream(c *gin.Context)

	// HandleChatStream serves POST /v1/chat/stream.
	HandleChatStream(c *gin.Context)

	// HandleWebSocket serves GET /v1/assistants/chat/ws.
	HandleWebSocket(c *gin.Context)
}

// ChatHandlerConfig tunes the chat handler. Zero values use defaults.
type ChatHandlerConfig struct {
	HeartbeatInterval time.Duration
	MaxUploadBytes    int64
}

type chatHandler struct {
	svc       *services.ChatBotService
	opts      extensions.ServiceOptions
	tracer    trace.Tracer
	heartbeat time.Duration
	maxUpload int64
}

// NewChatHandler creates the chat handler.
//
// # Inputs
//
//   - svc: Chat service. Must not be nil.
//   - opts: Extension points. Nil fields use no-op defaults.
//   - cfg: Tuning. Zero values use defaults.
//
// # Limitations
//
//   - Panics if svc is nil.
func NewChatHandler(svc *services.ChatBotService, opts extensions.ServiceOptions, cfg ChatHandlerConfig) ChatHandler {
	if svc == nil {
		panic("NewChatHandler: svc must not be nil")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &chatHandler{
		svc:       svc,
		opts:      opts.Normalize(),
		tracer:    otel.Tracer("aleutian.composer.handlers"),
		heartbeat: cfg.HeartbeatInterval,
		maxUpload: cfg.MaxUploadBytes,
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (h *chatHandler) HandleAssistantChatStream(c *gin.Context) {
	var req datatypes.AssistantChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectBody(c, observability.EndpointAssistantStream, err)
		return
	}
	h.serveAssistant(c, observability.EndpointAssistantStream, req, nil)
}

func (h *chatHandler) HandleDocumentsChatStream(c *gin.Context) {
	endpoint := observability.EndpointDocumentsStream

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	form, err := c.MultipartForm()
	if err != nil {
		h.rejectBody(c, endpoint, err)
		return
	}

	req := datatypes.AssistantChatRequest{
		AssistantName: formValue(form, "assistant_name", "assistantName"),
		AssistantID:   formValue(form, "assistant_id", "assistantId"),
		Message:       formValue(form, "message"),
		Context:       formValue(form, "context"),
		RequestID:     formValue(form, "request_id", "requestId"),
	}

	docs, err := readUploads(form.File[DocumentsFormField])
	if err != nil {
		h.rejectBody(c, endpoint, err)
		return
	}
	if len(docs) == 0 {
		recordError(endpoint, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "no documents uploaded"})
		return
	}
	h.serveAssistant(c, endpoint, req, docs)
}

func (h *chatHandler) HandleChatStream(c *gin.Context) {
	endpoint := observability.EndpointChatStream

	var req datatypes.ChatBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectBody(c, endpoint, err)
		return
	}

	h.serve(c, endpoint, chatTarget{requestID: req.RequestID, modelFromClient: true},
		func(ctx context.Context, filter func(*string) error) (*services.ChatSession, error) {
			if err := req.Validate(); err != nil {
				return nil, err
			}
			if err := filter(&req.Message); err != nil {
				return nil, err
			}
			if err := filter(&req.Context); err != nil {
				return nil, err
			}
			return h.svc.Prepare(ctx, &req, nil)
		})
}

func (h *chatHandler) serveAssistant(c *gin.Context, endpoint observability.Endpoint,
	req datatypes.AssistantChatRequest, docs []retrieval.UploadedDocument) {

	target := chatTarget{assistant: assistantLabel(req), requestID: req.RequestID}
	h.serve(c, endpoint, target,
		func(ctx context.Context, filter func(*string) error) (*services.ChatSession, error) {
			if err := req.Validate(); err != nil {
				return nil, err
			}
			if err := filter(&req.Message); err != nil {
				return nil, err
			}
			if err := filter(&req.Context); err != nil {
				return nil, err
			}
			return h.svc.PrepareAssistant(ctx, req, docs)
		})
}

// =============================================================================
// Shared Pipeline
// =============================================================================

// chatTarget describes a request for spans, audit events and error mapping.
type chatTarget struct {
	assistant       string
	requestID       string
	modelFromClient bool
}

type prepareFunc func(ctx context.Context, filter func(*string) error) (*services.ChatSession, error)

// serve runs prepare, then streams the session in the format the client
// asked for.
func (h *chatHandler) serve(c *gin.Context, endpoint observability.Endpoint, target chatTarget, prepare prepareFunc) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "ChatHandler."+string(endpoint))
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	userID := userIDFrom(c)
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("assistant", target.assistant),
	)
	audit := h.auditor(ctx, userID, target)

	session, err := prepare(ctx, h.filterFunc(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		status, message, code := mapChatError(err, target.modelFromClient)
		slog.Warn("Chat request rejected",
			"endpoint", endpoint,
			"status", status,
			"error", err,
			"requestId", target.requestID,
		)
		recordError(endpoint, code)
		outcome := "failure"
		if errors.Is(err, extensions.ErrMessageBlocked) {
			outcome = "blocked"
		}
		audit(extensions.AuditChatFailed, target.requestID, outcome, message)
		c.JSON(status, gin.H{"error": message})
		return
	}
	span.SetAttributes(attribute.String("request.id", session.RequestID))
	audit(extensions.AuditChatStarted, session.RequestID, "success", string(endpoint))

	format := c.DefaultQuery("format", FormatSSE)
	if format == FormatText {
		SetTextStreamHeaders(c.Writer)
	} else {
		SetSSEHeaders(c.Writer)
	}
	writer, err := NewStreamWriter(c.Writer, format)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream setup failed")
		slog.Error("Failed to create stream writer", "error", err)
		recordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	err = h.stream(ctx, endpoint, session, writer, startTime)
	switch {
	case err == nil:
		success = true
		audit(extensions.AuditChatCompleted, session.RequestID, "success", "")
	case ctx.Err() != nil:
		slog.Info("Client disconnected during stream", "requestId", session.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(endpoint)
		}
		recordError(endpoint, observability.ErrorCodeClientDisconnect)
		audit(extensions.AuditChatFailed, session.RequestID, "failure", "client disconnected")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		recordError(endpoint, errorCodeFor(err))
		audit(extensions.AuditChatFailed, session.RequestID, "failure", sanitizeErrorForClient(err))
	}
}

// stream relays session events to writer while a heartbeat keeps the
// connection open. The heartbeat stops before stream returns.
func (h *chatHandler) stream(ctx context.Context, endpoint observability.Endpoint,
	session *services.ChatSession, writer StreamWriter, startTime time.Time) error {

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runHeartbeat(ctx, writer, done, endpoint, h.heartbeat)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	firstToken := true
	return session.Stream(ctx, func(ev datatypes.StreamEvent) error {
		if firstToken && ev.Type == datatypes.StreamEventToken {
			firstToken = false
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstToken(endpoint, time.Since(startTime).Seconds())
			}
		}
		return writer.WriteEvent(ev)
	})
}

// runHeartbeat writes keepalives every interval until done is closed or
// ctx is cancelled.
func runHeartbeat(ctx context.Context, writer StreamWriter, done <-chan struct{},
	endpoint observability.Endpoint, interval time.Duration) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Keepalive write failed", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// filterFunc returns a helper that runs the message filter over a field
// in place. Empty fields are left alone.
func (h *chatHandler) filterFunc(ctx context.Context) func(*string) error {
	return func(field *string) error {
		if strings.TrimSpace(*field) == "" {
			return nil
		}
		result, err := h.opts.MessageFilter.FilterInput(ctx, *field)
		if err != nil {
			return err
		}
		if result.Redacted() {
			slog.Info("Redacted sensitive data from chat input", "redactions", result.Redactions)
		}
		*field = result.Message
		return nil
	}
}

// auditor binds the audit logger to one request.
func (h *chatHandler) auditor(ctx context.Context, userID string, target chatTarget) func(eventType, requestID, outcome, detail string) {
	return func(eventType, requestID, outcome, detail string) {
		if err := h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType: eventType,
			Timestamp: time.Now().UTC(),
			UserID:    userID,
			RequestID: requestID,
			Assistant: target.assistant,
			Outcome:   outcome,
			Detail:    detail,
		}); err != nil {
			slog.Warn("Audit log failed", "eventType", eventType, "error", err)
		}
	}
}

func (h *chatHandler) rejectBody(c *gin.Context, endpoint observability.Endpoint, err error) {
	slog.Warn("Failed to parse chat request", "endpoint", endpoint, "error", err)
	recordError(endpoint, observability.ErrorCodeValidation)

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
}

// =============================================================================
// Error Mapping
// =============================================================================

// mapChatError maps a failure before streaming to an HTTP status, a client
// message and a metrics code.
//
// # Description
//
// Request problems are 400, unknown assistants 404, and everything else
// 500 with a generic message. An unknown serving runtime is the client's
// fault only when the client chose the model.
func mapChatError(err error, modelFromClient bool) (int, string, observability.ErrorCode) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, extensions.ErrMessageBlocked):
		return http.StatusForbidden, "message blocked by content filter", observability.ErrorCodeValidation
	case errors.Is(err, datatypes.ErrAssistantRequired),
		errors.Is(err, datatypes.ErrMessageRequired),
		errors.Is(err, datatypes.ErrModelRequired),
		errors.Is(err, services.ErrDocumentsNotConfigured),
		errors.Is(err, retrieval.ErrNoDocuments),
		errors.Is(err, retrieval.ErrUnsupportedDocument),
		errors.Is(err, retrieval.ErrUnsupportedRetriever),
		errors.Is(err, retrieval.ErrUnsupportedEmbedding):
		return http.StatusBadRequest, rootMessage(err), observability.ErrorCodeValidation
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest, "invalid request: validation failed", observability.ErrorCodeValidation
	case errors.Is(err, store.ErrAssistantNotFound):
		return http.StatusNotFound, store.ErrAssistantNotFound.Error(), observability.ErrorCodeNotFound
	case errors.Is(err, store.ErrConnectionNotFound):
		return http.StatusNotFound, store.ErrConnectionNotFound.Error(), observability.ErrorCodeNotFound
	case errors.Is(err, llm.ErrUnknownServingRuntime) && modelFromClient:
		return http.StatusBadRequest, llm.ErrUnknownServingRuntime.Error(), observability.ErrorCodeValidation
	default:
		return http.StatusInternalServerError, services.ClientErrorMessage, errorCodeFor(err)
	}
}

// rootMessage returns the innermost error text, which for the sentinels
// above never carries request data.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func errorCodeFor(err error) observability.ErrorCode {
	switch {
	case errors.Is(err, retrieval.ErrNoRetrievers),
		errors.Is(err, retrieval.ErrNoDocuments):
		return observability.ErrorCodeRAGError
	case errors.Is(err, llm.ErrUnknownServingRuntime),
		errors.Is(err, llm.ErrMissingAPIKey),
		errors.Is(err, llm.ErrModelNotFound):
		return observability.ErrorCodeLLMError
	default:
		return observability.ErrorCodeInternal
	}
}

// sanitizeErrorForClient returns a generic message safe to show clients.
// The full error is logged at debug level.
func sanitizeErrorForClient(err error) string {
	if err == nil {
		return ""
	}
	slog.Debug("Sanitizing error for client", "error", err)
	return services.ClientErrorMessage
}

// =============================================================================
// Helpers
// =============================================================================

func recordError(endpoint observability.Endpoint, code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, code)
	}
}

func userIDFrom(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil && info.UserID != "" {
		return info.UserID
	}
	return "anonymous"
}

func assistantLabel(req datatypes.AssistantChatRequest) string {
	if name := strings.TrimSpace(req.AssistantName); name != "" {
		return name
	}
	return strings.TrimSpace(req.AssistantID)
}

// formValue returns the first value of the first key present.
func formValue(form *multipart.Form, keys ...string) string {
	for _, key := range keys {
		if values := form.Value[key]; len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// readUploads reads every file into memory. Empty files are skipped.
func readUploads(files []*multipart.FileHeader) ([]retrieval.UploadedDocument, error) {
	docs := make([]retrieval.UploadedDocument, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %q: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read upload %q: %w", fh.Filename, err)
		}
		if len(data) == 0 {
			continue
		}
		docs = append(docs, retrieval.UploadedDocument{Name: filepath.Base(fh.Filename), Data: data})
	}
	return docs, nil
}

var _ ChatHandler = (*chatHandler)(nil)
