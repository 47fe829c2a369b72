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

// Message roles understood by every serving runtime.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn sent to an LLM.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"maxbytes"`
}

// SourceInfo describes one retrieved snippet shown to the client.
//
// Score is in [0, 1], higher is more relevant. For fused results it is the
// best score the snippet had in any single retriever.
type SourceInfo struct {
	Source   string            `json:"source"`
	Content  string            `json:"content,omitempty"`
	Score    float64           `json:"score,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ContentResponse wraps retrieved sources for the plain-text stream format.
type ContentResponse struct {
	Sources []SourceInfo `json:"sources"`
}
