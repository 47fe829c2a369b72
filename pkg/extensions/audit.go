// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types.
const (
	AuditChatStarted   = "chat.started"
	AuditChatCompleted = "chat.completed"
	AuditChatFailed    = "chat.failed"
	AuditAuthFailed    = "auth.failed"
)

// AuditEvent records one security-relevant action.
//
// # Fields
//
//   - EventType: One of the Audit* constants.
//   - Timestamp: Zero is replaced with the current UTC time.
//   - UserID: The caller, or "anonymous".
//   - RequestID: Chat request correlation ID, when known.
//   - Assistant: Assistant name or ID addressed by the request.
//   - Outcome: "success", "failure" or "blocked".
//   - Detail: Free text, never the user's message.
type AuditEvent struct {
	EventType string
	Timestamp time.Time
	UserID    string
	RequestID string
	Assistant string
	Outcome   string
	Detail    string
}

// AuditLogger records audit events.
type AuditLogger interface {
	// Log records event. Implementations should not block the request path
	// for long; errors are logged by callers and otherwise ignored.
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

// SlogAuditLogger writes events as structured log records under an
// "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger writes to logger, or slog.Default when nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log implements AuditLogger.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.Group("audit",
			slog.String("event_type", event.EventType),
			slog.Time("timestamp", event.Timestamp),
			slog.String("user_id", event.UserID),
			slog.String("request_id", event.RequestID),
			slog.String("assistant", event.Assistant),
			slog.String("outcome", event.Outcome),
			slog.String("detail", event.Detail),
		),
	)
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
