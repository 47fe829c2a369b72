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
	"errors"
	"regexp"
)

// ErrMessageBlocked is returned when a filter rejects a message outright.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult is the outcome of filtering one message.
type FilterResult struct {
	// Message is the text to use downstream.
	Message string

	// Redactions counts replaced spans, by kind.
	Redactions map[string]int
}

// Redacted reports whether anything was replaced.
func (r *FilterResult) Redacted() bool {
	for _, n := range r.Redactions {
		if n > 0 {
			return true
		}
	}
	return false
}

// MessageFilter rewrites user input before it is classified, logged or
// sent to an LLM.
type MessageFilter interface {
	FilterInput(ctx context.Context, message string) (*FilterResult, error)
}

// NopMessageFilter returns messages unchanged.
type NopMessageFilter struct{}

// FilterInput implements MessageFilter.
func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Message: message}, nil
}

// =============================================================================
// PII Redactor
// =============================================================================

type redactRule struct {
	kind        string
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: CUIT before DNI, since a CUIT contains a DNI.
var piiRules = []redactRule{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
	{"cuit", regexp.MustCompile(`\b(20|23|24|27|30|33|34)-?\d{8}-?\d\b`), "[CUIT]"},
	{"dni", regexp.MustCompile(`\b\d{1,2}\.?\d{3}\.?\d{3}\b`), "[DNI]"},
	{"phone", regexp.MustCompile(`(\+54\s?)?\b(11|[2-9]\d{2,3})[\s\-]?\d{3,4}[\s\-]?\d{4}\b`), "[TELEFONO]"},
	{"plate", regexp.MustCompile(`\b([A-Z]{2}\s?\d{3}\s?[A-Z]{2}|[A-Z]{3}\s?\d{3})\b`), "[PATENTE]"},
}

// PIIRedactor replaces Argentine personal identifiers in claim
// descriptions: emails, CUIT/CUIL, DNI, phone numbers and licence plates.
type PIIRedactor struct{}

// FilterInput implements MessageFilter.
func (f *PIIRedactor) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	res := &FilterResult{Message: message, Redactions: make(map[string]int)}
	for _, rule := range piiRules {
		n := len(rule.pattern.FindAllStringIndex(res.Message, -1))
		if n == 0 {
			continue
		}
		res.Message = rule.pattern.ReplaceAllString(res.Message, rule.replacement)
		res.Redactions[rule.kind] += n
	}
	return res, nil
}

var (
	_ MessageFilter = (*NopMessageFilter)(nil)
	_ MessageFilter = (*PIIRedactor)(nil)
)
