// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "fmt"

// =============================================================================
// Classifier Prediction
// =============================================================================

const (
	// CulpabilityUndetermined is the label used when no prediction is available.
	CulpabilityUndetermined = "Indeterminado"
)

// PredictionRequest is the body sent to the claim classifier.
type PredictionRequest struct {
	Description string `json:"description"`
}

// Prediction is the classifier's verdict on a claim description.
//
// Culpability is one of "Culpable", "No Culpable" or "Indeterminado".
// Confidence is in [0, 1]. Fallback is set when the verdict was not
// produced by the classifier.
type Prediction struct {
	Culpability string  `json:"culpability"`
	Confidence  float64 `json:"confidence"`
	Fallback    bool    `json:"fallback,omitempty"`
	Cached      bool    `json:"cached,omitempty"`
}

// FallbackPrediction is the verdict used whenever the classifier fails.
func FallbackPrediction() Prediction {
	return Prediction{
		Culpability: CulpabilityUndetermined,
		Confidence:  0.0,
		Fallback:    true,
	}
}

// String renders the prediction the way it is shown to users.
func (p Prediction) String() string {
	return fmt.Sprintf("%s (Confianza: %.2f)", p.Culpability, p.Confidence)
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType identifies the kind of event sent to streaming clients.
type StreamEventType string

const (
	StreamEventStatus     StreamEventType = "status"
	StreamEventPrediction StreamEventType = "prediction"
	StreamEventSources    StreamEventType = "sources"
	StreamEventToken      StreamEventType = "token"
	StreamEventError      StreamEventType = "error"
	StreamEventDone       StreamEventType = "done"
)

// StreamEvent is a single event in a chat stream.
//
// # Description
//
// Events are produced by ChatBotService and written to the client by an
// event sink (SSE, plain text or websocket). The SSE sink fills Id,
// CreatedAt, PrevHash and Hash, chaining every event to the previous one
// so a client can detect dropped or reordered events.
//
// # Fields
//
//   - Type: Event kind, see StreamEventType.
//   - Message: Human-readable status line (status, prediction).
//   - Content: Token text (token).
//   - Prediction: Classifier verdict (prediction).
//   - Sources: Retrieved snippets (sources).
//   - RequestId: Request correlation ID (done).
//   - Error: Sanitized error text (error).
type StreamEvent struct {
	Id         string          `json:"id,omitempty"`
	CreatedAt  int64           `json:"created_at,omitempty"`
	Type       StreamEventType `json:"type"`
	Message    string          `json:"message,omitempty"`
	Content    string          `json:"content,omitempty"`
	Prediction *Prediction     `json:"prediction,omitempty"`
	Sources    []SourceInfo    `json:"sources,omitempty"`
	RequestId  string          `json:"request_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	PrevHash   string          `json:"prev_hash,omitempty"`
	Hash       string          `json:"hash,omitempty"`
}

// IsTerminal reports whether no further events follow this one.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == StreamEventDone || e.Type == StreamEventError
}

// EventCallback receives stream events in order. Returning an error stops
// the stream.
type EventCallback func(event StreamEvent) error
