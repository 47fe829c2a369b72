// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComposer/pkg/extensions"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/observability"
	"github.com/AleutianAI/AleutianComposer/services/composer/retrieval"
	"github.com/AleutianAI/AleutianComposer/services/composer/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// WSDocument is a file attached to a websocket chat request.
type WSDocument struct {
	Filename   string `json:"filename"`
	Base64Data string `json:"base64data"`
}

// WSChatRequest is one chat turn sent over the websocket.
type WSChatRequest struct {
	datatypes.AssistantChatRequest
	Documents []WSDocument `json:"documents,omitempty"`
}

// UnmarshalJSON decodes the embedded request with its own rules, which
// would otherwise hide Documents.
func (r *WSChatRequest) UnmarshalJSON(data []byte) error {
	if err := r.AssistantChatRequest.UnmarshalJSON(data); err != nil {
		return err
	}
	var docs struct {
		Documents []WSDocument `json:"documents"`
	}
	if err := json.Unmarshal(data, &docs); err != nil {
		return err
	}
	r.Documents = docs.Documents
	return nil
}

// WSSession is the first frame sent to a websocket client.
type WSSession struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

const (
	wsWriteTimeout = 10 * time.Second

	// wsPendingRequests bounds requests read ahead of the running turn.
	wsPendingRequests = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) sendJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.ws.WriteJSON(v); err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
		return err
	}
	return nil
}

func (w *wsConn) WriteEvent(event datatypes.StreamEvent) error { return w.sendJSON(event) }

func (w *wsConn) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// HandleWebSocket runs assistant chats over one websocket connection.
//
// # Description
//
// After the upgrade the server sends a WSSession frame. Each WSChatRequest
// read from the client is then prepared and streamed as StreamEvent JSON
// frames, one chat at a time. Request errors are reported as a single
// error event and the connection stays open for the next request.
//
// A reader goroutine owns the connection's read side for its whole life,
// so close frames and read errors are seen while a chat is streaming.
// Either one cancels the running chat.
func (h *chatHandler) HandleWebSocket(c *gin.Context) {
	endpoint := observability.EndpointWebSocket

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		recordError(endpoint, observability.ErrorCodeValidation)
		return
	}
	defer ws.Close()

	conn := &wsConn{ws: ws}
	userID := userIDFrom(c)
	sessionID := uuid.NewString()
	slog.Info("Websocket client connected", "sessionId", sessionID, "userId", userID)

	if err := conn.sendJSON(WSSession{Action: "session_created", SessionID: sessionID}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	requests := make(chan WSChatRequest, wsPendingRequests)
	readErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		readWebSocketRequests(ctx, ws, requests, readErr)
	}()
	defer func() {
		cancel()
		_ = ws.Close()
		wg.Wait()
	}()

	for {
		select {
		case req := <-requests:
			if err := h.serveWebSocketTurn(ctx, conn, userID, req); err != nil {
				slog.Info("Closing websocket", "sessionId", sessionID, "reason", err)
				return
			}
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("Websocket client disconnected", "sessionId", sessionID, "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// readWebSocketRequests reads chat requests until the connection fails or
// ctx is done. The read error is sent on errc.
func readWebSocketRequests(ctx context.Context, ws *websocket.Conn, out chan<- WSChatRequest, errc chan<- error) {
	for {
		var req WSChatRequest
		if err := ws.ReadJSON(&req); err != nil {
			errc <- err
			return
		}
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
	}
}

// serveWebSocketTurn runs one chat. It returns an error only when the
// connection is no longer usable.
func (h *chatHandler) serveWebSocketTurn(ctx context.Context, conn *wsConn, userID string, req WSChatRequest) error {
	endpoint := observability.EndpointWebSocket
	startTime := time.Now()

	ctx, span := h.tracer.Start(ctx, "ChatHandler.websocket")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

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

	target := chatTarget{assistant: assistantLabel(req.AssistantChatRequest), requestID: req.RequestID}
	audit := h.auditor(ctx, userID, target)

	session, err := h.prepareWebSocketTurn(ctx, req)
	if err != nil {
		_, message, code := mapChatError(err, false)
		if errors.Is(err, errBadDocument) {
			message, code = errBadDocument.Error(), observability.ErrorCodeValidation
		}
		slog.Warn("Websocket chat rejected", "error", err, "requestId", req.RequestID)
		recordError(endpoint, code)
		audit(extensions.AuditChatFailed, req.RequestID, "failure", message)
		return conn.WriteEvent(datatypes.StreamEvent{
			Type:      datatypes.StreamEventError,
			Error:     message,
			RequestId: req.RequestID,
		})
	}

	audit(extensions.AuditChatStarted, session.RequestID, "success", string(endpoint))
	err = h.stream(ctx, endpoint, session, conn, startTime)
	switch {
	case err == nil:
		success = true
		audit(extensions.AuditChatCompleted, session.RequestID, "success", "")
		return nil
	case ctx.Err() != nil:
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(endpoint)
		}
		return ctx.Err()
	default:
		recordError(endpoint, errorCodeFor(err))
		audit(extensions.AuditChatFailed, session.RequestID, "failure", sanitizeErrorForClient(err))
		// An unusable connection surfaces on the next read.
		return nil
	}
}

func (h *chatHandler) prepareWebSocketTurn(ctx context.Context, req WSChatRequest) (*services.ChatSession, error) {
	docs, err := decodeWSDocuments(req.Documents)
	if err != nil {
		return nil, err
	}
	chatReq := req.AssistantChatRequest
	if err := chatReq.Validate(); err != nil {
		return nil, err
	}
	filter := h.filterFunc(ctx)
	if err := filter(&chatReq.Message); err != nil {
		return nil, err
	}
	if err := filter(&chatReq.Context); err != nil {
		return nil, err
	}
	return h.svc.PrepareAssistant(ctx, chatReq, docs)
}

var errBadDocument = errors.New("invalid document data")

func decodeWSDocuments(in []WSDocument) ([]retrieval.UploadedDocument, error) {
	if len(in) == 0 {
		return nil, nil
	}
	docs := make([]retrieval.UploadedDocument, 0, len(in))
	for _, d := range in {
		data, err := base64.StdEncoding.DecodeString(d.Base64Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errBadDocument, d.Filename, err)
		}
		if len(data) == 0 {
			continue
		}
		docs = append(docs, retrieval.UploadedDocument{Name: filepath.Base(d.Filename), Data: data})
	}
	return docs, nil
}

var _ StreamWriter = (*wsConn)(nil)
