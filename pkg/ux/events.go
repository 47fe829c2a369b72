// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders composer chat streams in the terminal.
package ux

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StreamEventType mirrors the server's event types.
type StreamEventType string

const (
	StreamEventStatus     StreamEventType = "status"
	StreamEventPrediction StreamEventType = "prediction"
	StreamEventSources    StreamEventType = "sources"
	StreamEventToken      StreamEventType = "token"
	StreamEventError      StreamEventType = "error"
	StreamEventDone       StreamEventType = "done"
)

// Prediction is the classifier verdict carried by prediction events.
type Prediction struct {
	Culpability string  `json:"culpability"`
	Confidence  float64 `json:"confidence"`
	Fallback    bool    `json:"fallback,omitempty"`
	Cached      bool    `json:"cached,omitempty"`
}

// SourceInfo is one retrieved snippet.
type SourceInfo struct {
	Source   string            `json:"source"`
	Content  string            `json:"content,omitempty"`
	Score    float64           `json:"score,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StreamEvent is one event as received from the server.
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

// IsTerminal reports whether the stream ends with this event.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == StreamEventDone || e.Type == StreamEventError
}

// StreamResult is a fully read stream.
type StreamResult struct {
	Answer     string
	Prediction *Prediction
	Sources    []SourceInfo
	RequestID  string
	Error      string
	Events     []StreamEvent
}

// =============================================================================
// Integrity
// =============================================================================

// ComputeEventHash recomputes the server's hash of an event. It must stay
// in step with the server's SSE writer.
func ComputeEventHash(e StreamEvent) string {
	var prediction, sources []byte
	if e.Prediction != nil {
		prediction, _ = json.Marshal(e.Prediction)
	}
	if len(e.Sources) > 0 {
		sources, _ = json.Marshal(e.Sources)
	}
	payload := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		e.Id, e.Type, e.CreatedAt, e.PrevHash,
		e.Content, e.Message, e.Error, e.RequestId,
		prediction, sources,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ChainVerificationResult describes a hash chain check.
type ChainVerificationResult struct {
	Valid       bool
	EventCount  int
	BrokenAt    int
	ErrorReason string
}

// VerifyChain checks that every event's Hash matches its content and that
// each PrevHash names the event before it. Streams without hashes, such as
// websocket or plain-text ones, are reported invalid.
func VerifyChain(events []StreamEvent) ChainVerificationResult {
	res := ChainVerificationResult{Valid: true, EventCount: len(events), BrokenAt: -1}
	prev := ""
	for i, ev := range events {
		switch {
		case ev.Hash == "":
			res.ErrorReason = "missing hash"
		case ev.PrevHash != prev:
			res.ErrorReason = "broken link"
		case ComputeEventHash(ev) != ev.Hash:
			res.ErrorReason = "hash mismatch"
		default:
			prev = ev.Hash
			continue
		}
		res.Valid = false
		res.BrokenAt = i
		return res
	}
	return res
}
