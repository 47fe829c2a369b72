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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/google/uuid"
)

// =============================================================================
// Stream Writers
// =============================================================================

// StreamWriter writes chat stream events to an HTTP response.
//
// # Description
//
// Two formats are supported. The SSE writer sends every event as a typed
// Server-Sent Event with a hash chain. The text writer reproduces the
// legacy plain-text stream for clients that predate typed events.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, so the heartbeat goroutine
// can write keepalives while the chat goroutine writes events.
type StreamWriter interface {
	// WriteEvent writes one event and flushes it.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive keeps idle connections from timing out.
	WriteKeepAlive() error
}

// Stream format query values.
const (
	FormatSSE  = "sse"
	FormatText = "text"
)

// Plain-text source framing.
const (
	SourcesStartMarker = "START_SOURCES_STRING\n"
	SourcesEndMarker   = "\nEND_SOURCES_STRING\n"
)

// NewStreamWriter returns the writer for format. Unknown formats use SSE.
func NewStreamWriter(w http.ResponseWriter, format string) (StreamWriter, error) {
	if format == FormatText {
		return NewTextWriter(w)
	}
	return NewSSEWriter(w)
}

// =============================================================================
// SSE Writer
// =============================================================================

type sseWriter struct {
	writer   io.Writer
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w for Server-Sent Events.
//
// # Description
//
// Every event gets a fresh Id, a CreatedAt timestamp in Unix milliseconds,
// the previous event's hash as PrevHash, and its own Hash. The first
// event has an empty PrevHash.
//
// # Outputs
//
//   - error: w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported: ResponseWriter does not implement http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (s *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.Id = uuid.NewString()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = s.prevHash
	event.Hash = EventHash(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	s.prevHash = event.Hash
	return nil
}

func (s *sseWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// EventHash returns the hex SHA-256 of an event's chained fields.
//
// Id, Type, CreatedAt, PrevHash, Content, Message, Error, RequestId, the
// prediction and the sources are covered. Hash itself is not.
func EventHash(event datatypes.StreamEvent) string {
	var prediction, sources []byte
	if event.Prediction != nil {
		prediction, _ = json.Marshal(event.Prediction)
	}
	if len(event.Sources) > 0 {
		sources, _ = json.Marshal(event.Sources)
	}
	payload := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		event.Id, event.Type, event.CreatedAt, event.PrevHash,
		event.Content, event.Message, event.Error, event.RequestId,
		prediction, sources,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that events link to each other and that every Hash
// matches its event. It returns the index of the first bad event, or -1.
func VerifyChain(events []datatypes.StreamEvent) int {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev || EventHash(ev) != ev.Hash {
			return i
		}
		prev = ev.Hash
	}
	return -1
}

// SetSSEHeaders prepares a response for Server-Sent Events. Call it before
// writing anything else.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SetTextStreamHeaders prepares a response for the plain-text format.
func SetTextStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Text Writer
// =============================================================================

type textWriter struct {
	writer  io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewTextWriter wraps w for the legacy plain-text stream.
//
// # Description
//
// Status and prediction lines end with a blank line, sources are framed
// by SourcesStartMarker and SourcesEndMarker around a ContentResponse
// JSON document, and tokens are written raw. Done and keepalives write
// nothing, since any extra bytes would end up in the answer text.
func NewTextWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported: ResponseWriter does not implement http.Flusher")
	}
	return &textWriter{writer: w, flusher: flusher}, nil
}

func (t *textWriter) WriteEvent(event datatypes.StreamEvent) error {
	var out string
	switch event.Type {
	case datatypes.StreamEventStatus, datatypes.StreamEventPrediction:
		out = event.Message + "\n\n"
	case datatypes.StreamEventSources:
		data, err := json.Marshal(datatypes.ContentResponse{Sources: event.Sources})
		if err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
		out = SourcesStartMarker + string(data) + SourcesEndMarker
	case datatypes.StreamEventToken:
		out = event.Content
	case datatypes.StreamEventError:
		out = "\n\n" + event.Error + "\n"
	default:
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.writer, out); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	t.flusher.Flush()
	return nil
}

func (t *textWriter) WriteKeepAlive() error { return nil }

var (
	_ StreamWriter = (*sseWriter)(nil)
	_ StreamWriter = (*textWriter)(nil)
)
