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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// maxLineBytes bounds a single SSE line. Source events can be large.
const maxLineBytes = 4 << 20

// StreamCallback receives each decoded event. Returning an error stops
// the read.
type StreamCallback func(StreamEvent) error

// StreamReader consumes an SSE body until a terminal event.
//
// # Thread Safety
//
// A StreamReader may be shared; each Read keeps its own state.
type StreamReader interface {
	Read(ctx context.Context, r io.Reader, callback StreamCallback) error
	ReadAll(ctx context.Context, r io.Reader) (*StreamResult, error)
}

type sseStreamReader struct {
	parser SSEParser
}

// NewSSEStreamReader returns a StreamReader using the given parser, or the
// default one when nil.
func NewSSEStreamReader(parser SSEParser) StreamReader {
	if parser == nil {
		parser = NewSSEParser()
	}
	return &sseStreamReader{parser: parser}
}

// Read calls callback for every event and returns after done or error.
// A body that ends before a terminal event returns io.ErrUnexpectedEOF.
func (s *sseStreamReader) Read(ctx context.Context, r io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := s.parser.ParseLine(scanner.Text())
		if errors.Is(err, ErrNotDataLine) {
			continue
		}
		if err != nil {
			return err
		}
		if err := callback(ev); err != nil {
			return err
		}
		if ev.IsTerminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// ReadAll collects the whole stream into a StreamResult. Error events are
// reported in the result, not as a Go error.
func (s *sseStreamReader) ReadAll(ctx context.Context, r io.Reader) (*StreamResult, error) {
	res := &StreamResult{}
	err := s.Read(ctx, r, func(ev StreamEvent) error {
		Accumulate(res, ev)
		return nil
	})
	return res, err
}

// Accumulate folds one event into res.
func Accumulate(res *StreamResult, ev StreamEvent) {
	res.Events = append(res.Events, ev)
	if ev.RequestId != "" && res.RequestID == "" {
		res.RequestID = ev.RequestId
	}
	switch ev.Type {
	case StreamEventToken:
		res.Answer += ev.Content
	case StreamEventPrediction:
		res.Prediction = ev.Prediction
	case StreamEventSources:
		res.Sources = append(res.Sources, ev.Sources...)
	case StreamEventError:
		res.Error = ev.Error
	}
}

var _ StreamReader = (*sseStreamReader)(nil)
