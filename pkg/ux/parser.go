// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotDataLine is returned for SSE lines that carry no event payload.
var ErrNotDataLine = errors.New("not a data line")

// SSEParser decodes individual lines of a server-sent event stream.
type SSEParser interface {
	// ParseLine decodes one "data:" line. Blank lines, comments and
	// "event:" or "id:" fields return ErrNotDataLine.
	ParseLine(line string) (StreamEvent, error)

	// ParseJSON decodes a bare JSON event, as sent over the websocket.
	ParseJSON(data []byte) (StreamEvent, error)
}

type sseParser struct{}

// NewSSEParser returns a stateless SSEParser.
func NewSSEParser() SSEParser {
	return &sseParser{}
}

func (p *sseParser) ParseLine(line string) (StreamEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return StreamEvent{}, ErrNotDataLine
	}
	return p.ParseJSON([]byte(strings.TrimPrefix(data, " ")))
}

func (p *sseParser) ParseJSON(data []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Type == "" {
		return StreamEvent{}, fmt.Errorf("decode stream event: missing type")
	}
	return ev, nil
}

var _ SSEParser = (*sseParser)(nil)
