// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(events ...StreamEvent) []StreamEvent {
	prev := ""
	for i := range events {
		events[i].Id = strings.Repeat("x", i+1)
		events[i].CreatedAt = int64(1000 + i)
		events[i].PrevHash = prev
		events[i].Hash = ComputeEventHash(events[i])
		prev = events[i].Hash
	}
	return events
}

func sampleStream() []StreamEvent {
	return chain(
		StreamEvent{Type: StreamEventStatus, Message: "Consultando clasificador..."},
		StreamEvent{Type: StreamEventPrediction, Message: "Culpable (Confianza: 0.88)",
			Prediction: &Prediction{Culpability: "Culpable", Confidence: 0.88}},
		StreamEvent{Type: StreamEventSources, Sources: []SourceInfo{{Source: "ley.txt", Content: "art. 64", Score: 0.9}}},
		StreamEvent{Type: StreamEventToken, Content: "El conductor "},
		StreamEvent{Type: StreamEventToken, Content: "es responsable."},
		StreamEvent{Type: StreamEventDone, RequestId: "req-1"},
	)
}

func encodeSSE(t *testing.T, events []StreamEvent) string {
	t.Helper()
	var b strings.Builder
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		b.WriteString("event: " + string(ev.Type) + "\n")
		b.WriteString("data: " + string(data) + "\n\n")
	}
	return b.String()
}

// =============================================================================
// Chain verification
// =============================================================================

func TestVerifyChain(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		res := VerifyChain(sampleStream())
		assert.True(t, res.Valid)
		assert.Equal(t, -1, res.BrokenAt)
		assert.Equal(t, 6, res.EventCount)
	})

	t.Run("tampered content", func(t *testing.T) {
		events := sampleStream()
		events[3].Content = "El peatón "
		res := VerifyChain(events)
		assert.False(t, res.Valid)
		assert.Equal(t, 3, res.BrokenAt)
		assert.Equal(t, "hash mismatch", res.ErrorReason)
	})

	t.Run("dropped event", func(t *testing.T) {
		events := sampleStream()
		events = append(events[:2], events[3:]...)
		res := VerifyChain(events)
		assert.False(t, res.Valid)
		assert.Equal(t, 2, res.BrokenAt)
		assert.Equal(t, "broken link", res.ErrorReason)
	})

	t.Run("tampered prediction", func(t *testing.T) {
		events := sampleStream()
		events[1].Prediction.Confidence = 0.1
		assert.Equal(t, 1, VerifyChain(events).BrokenAt)
	})

	t.Run("unhashed stream", func(t *testing.T) {
		res := VerifyChain([]StreamEvent{{Type: StreamEventDone}})
		assert.False(t, res.Valid)
		assert.Equal(t, "missing hash", res.ErrorReason)
	})

	t.Run("empty", func(t *testing.T) {
		assert.True(t, VerifyChain(nil).Valid)
	})
}

// =============================================================================
// Parser
// =============================================================================

func TestSSEParser_ParseLine(t *testing.T) {
	p := NewSSEParser()

	ev, err := p.ParseLine(`data: {"type":"token","content":"hola"}`)
	require.NoError(t, err)
	assert.Equal(t, StreamEventToken, ev.Type)
	assert.Equal(t, "hola", ev.Content)

	ev, err = p.ParseLine("data:{\"type\":\"done\"}\r\n")
	require.NoError(t, err)
	assert.True(t, ev.IsTerminal())

	for _, line := range []string{"", ": ping", "event: token", "id: 3"} {
		_, err := p.ParseLine(line)
		assert.ErrorIs(t, err, ErrNotDataLine, "line %q", line)
	}

	_, err = p.ParseLine("data: {not json")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotDataLine)

	_, err = p.ParseLine(`data: {"content":"x"}`)
	assert.ErrorContains(t, err, "missing type")
}

// =============================================================================
// Reader
// =============================================================================

func TestStreamReader_ReadAll(t *testing.T) {
	body := encodeSSE(t, sampleStream()) + ": ping\n\n"
	res, err := NewSSEStreamReader(nil).ReadAll(context.Background(), strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, "El conductor es responsable.", res.Answer)
	require.NotNil(t, res.Prediction)
	assert.Equal(t, "Culpable", res.Prediction.Culpability)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "ley.txt", res.Sources[0].Source)
	assert.Equal(t, "req-1", res.RequestID)
	assert.True(t, VerifyChain(res.Events).Valid)
}

func TestStreamReader_StopsAtError(t *testing.T) {
	body := encodeSSE(t, []StreamEvent{
		{Type: StreamEventStatus, Message: "a"},
		{Type: StreamEventError, Error: "boom"},
		{Type: StreamEventToken, Content: "never"},
	})
	res, err := NewSSEStreamReader(nil).ReadAll(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "boom", res.Error)
	assert.Empty(t, res.Answer)
	assert.Len(t, res.Events, 2)
}

func TestStreamReader_TruncatedStream(t *testing.T) {
	body := encodeSSE(t, []StreamEvent{{Type: StreamEventToken, Content: "a"}})
	_, err := NewSSEStreamReader(nil).ReadAll(context.Background(), strings.NewReader(body))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamReader_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := NewSSEStreamReader(nil).Read(context.Background(),
		strings.NewReader(encodeSSE(t, sampleStream())),
		func(StreamEvent) error { calls++; return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestStreamReader_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSSEStreamReader(nil).Read(ctx, strings.NewReader(encodeSSE(t, sampleStream())),
		func(StreamEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Renderer
// =============================================================================

func TestRenderer_Plain(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRenderer(NewPrinter(&out, &errOut, ModePlain), RendererOptions{})
	for _, ev := range sampleStream() {
		require.NoError(t, r.Render(ev))
	}
	r.Finish()

	want := "STATUS: Consultando clasificador...\n" +
		"PREDICTION: Culpable (Confianza: 0.88)\n" +
		"SOURCE: ley.txt 0.90\n" +
		"El conductor es responsable.\n" +
		"DONE: req-1\n"
	assert.Equal(t, want, out.String())
	assert.Empty(t, errOut.String())
}

func TestRenderer_PlainQuietAndError(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRenderer(NewPrinter(&out, &errOut, ModePlain), RendererOptions{Quiet: true})
	require.NoError(t, r.Render(StreamEvent{Type: StreamEventStatus, Message: "x"}))
	require.NoError(t, r.Render(StreamEvent{Type: StreamEventToken, Content: "parcial"}))
	require.NoError(t, r.Render(StreamEvent{Type: StreamEventError, Error: "falló"}))

	assert.Equal(t, "parcial\n", out.String())
	assert.Equal(t, "ERROR: falló\n", errOut.String())
}

func TestRenderer_Rich(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(NewPrinter(&out, nil, ModeRich), RendererOptions{ShowSources: true})
	for _, ev := range sampleStream() {
		require.NoError(t, r.Render(ev))
	}
	s := out.String()
	assert.Contains(t, s, "Culpable")
	assert.Contains(t, s, "Confianza: 0.88")
	assert.Contains(t, s, "ley.txt")
	assert.Contains(t, s, "art. 64")
	assert.Contains(t, s, "El conductor es responsable.")
}

func TestRenderer_FallbackPrediction(t *testing.T) {
	var out bytes.Buffer
	r := NewRenderer(NewPrinter(&out, nil, ModeRich), RendererOptions{})
	require.NoError(t, r.Render(StreamEvent{Type: StreamEventPrediction,
		Prediction: &Prediction{Culpability: "Indeterminado", Fallback: true}}))
	assert.Contains(t, out.String(), "clasificador no disponible")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", Snippet(" a\n b\t c ", 10))
	assert.Equal(t, "ñandú…", Snippet("ñandú veloz", 5))
}

// =============================================================================
// Printer and spinner
// =============================================================================

func TestPrinter_Plain(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, ModePlain)
	p.Title("hidden")
	p.Muted("hidden")
	p.Success("ok")
	p.Info("info")
	p.Warning("careful")
	p.Error("bad")

	assert.Equal(t, "OK: ok\ninfo\n", out.String())
	assert.Equal(t, "WARN: careful\nERROR: bad\n", errOut.String())
}

func TestSpinner_PlainIsSilent(t *testing.T) {
	var out bytes.Buffer
	s := NewSpinner(NewPrinter(&out, nil, ModePlain), "esperando")
	s.Start()
	s.Stop()
	assert.Empty(t, out.String())
}

func TestSpinner_StopOnce(t *testing.T) {
	var out bytes.Buffer
	s := NewSpinner(NewPrinter(&out, nil, ModeRich), "esperando")
	s.Start()
	s.Start()

	var got []StreamEventType
	cb := s.StopOnce(func(ev StreamEvent) error {
		got = append(got, ev.Type)
		return nil
	})
	require.NoError(t, cb(StreamEvent{Type: StreamEventStatus}))
	require.NoError(t, cb(StreamEvent{Type: StreamEventDone}))
	s.Stop()

	assert.Equal(t, []StreamEventType{StreamEventStatus, StreamEventDone}, got)
	assert.Contains(t, out.String(), "esperando")
}
