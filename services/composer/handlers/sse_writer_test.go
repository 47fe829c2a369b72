// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianComposer/pkg/ux"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noFlushWriter hides httptest.ResponseRecorder's Flush method.
type noFlushWriter struct{ http.ResponseWriter }

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)

	_, err = NewTextWriter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestSSEWriter_WriteEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: "hola"}))
	require.NoError(t, w.WriteEvent(datatypes.StreamEvent{
		Type:       datatypes.StreamEventPrediction,
		Prediction: &datatypes.Prediction{Culpability: "Culpable", Confidence: 0.9},
	}))
	require.NoError(t, w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventDone, RequestId: "r-1"}))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: status\ndata: "))
	assert.Contains(t, body, "event: prediction\n")
	assert.True(t, rec.Flushed)

	events := parseSSE(t, body)
	require.Len(t, events, 3)
	assert.Empty(t, events[0].PrevHash)
	for i, ev := range events {
		assert.NotEmpty(t, ev.Id)
		assert.NotZero(t, ev.CreatedAt)
		assert.Len(t, ev.Hash, 64)
		if i > 0 {
			assert.Equal(t, events[i-1].Hash, ev.PrevHash)
		}
	}
	assert.Equal(t, -1, VerifyChain(events))
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventToken, Content: tok}))
	}
	events := parseSSE(t, rec.Body.String())

	t.Run("modified content", func(t *testing.T) {
		tampered := append([]datatypes.StreamEvent(nil), events...)
		tampered[1].Content = "x"
		assert.Equal(t, 1, VerifyChain(tampered))
	})

	t.Run("dropped event", func(t *testing.T) {
		dropped := []datatypes.StreamEvent{events[0], events[2]}
		assert.Equal(t, 1, VerifyChain(dropped))
	})

	t.Run("modified prediction", func(t *testing.T) {
		ev := datatypes.StreamEvent{Type: datatypes.StreamEventPrediction,
			Prediction: &datatypes.Prediction{Culpability: "Culpable", Confidence: 0.5}}
		ev.Hash = EventHash(ev)
		ev.Prediction.Confidence = 0.99
		assert.Equal(t, 0, VerifyChain([]datatypes.StreamEvent{ev}))
	})
}

func TestSSEWriter_ChainVerifiesOnClient(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventStatus, Message: "Consultando..."}))
	require.NoError(t, w.WriteEvent(datatypes.StreamEvent{
		Type:       datatypes.StreamEventPrediction,
		Message:    "Culpable (Confianza: 0.88)",
		Prediction: &datatypes.Prediction{Culpability: "Culpable", Confidence: 0.88, Cached: true},
	}))
	require.NoError(t, w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.StreamEventSources,
		Sources: []datatypes.SourceInfo{{Source: "ley.txt", Score: 0.7, Metadata: map[string]string{"source": "ley.txt"}}},
	}))
	require.NoError(t, w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventDone, RequestId: "r"}))

	res, err := ux.NewSSEStreamReader(nil).ReadAll(t.Context(), strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	verdict := ux.VerifyChain(res.Events)
	assert.True(t, verdict.Valid, verdict.ErrorReason)
	assert.Equal(t, 4, verdict.EventCount)
}

func TestSSEWriter_WriteKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteKeepAlive())
	assert.Equal(t, ": ping\n\n", rec.Body.String())
}

func TestSSEWriter_ConcurrentWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = w.WriteEvent(datatypes.StreamEvent{Type: datatypes.StreamEventToken, Content: "t"})
		}()
		go func() {
			defer wg.Done()
			_ = w.WriteKeepAlive()
		}()
	}
	wg.Wait()

	events := parseSSE(t, rec.Body.String())
	assert.Len(t, events, 20)
	assert.Equal(t, -1, VerifyChain(events))
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestTextWriter_LegacyFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec, FormatText)
	require.NoError(t, err)

	sources := []datatypes.SourceInfo{{Source: "ley-24449.txt", Content: "ARTICULO 41", Score: 0.8}}
	for _, ev := range []datatypes.StreamEvent{
		{Type: datatypes.StreamEventStatus, Message: "estado"},
		{Type: datatypes.StreamEventPrediction, Message: "predicción"},
		{Type: datatypes.StreamEventSources, Sources: sources},
		{Type: datatypes.StreamEventToken, Content: "Hola "},
		{Type: datatypes.StreamEventToken, Content: "mundo"},
		{Type: datatypes.StreamEventDone, RequestId: "r-1"},
	} {
		require.NoError(t, w.WriteEvent(ev))
	}
	require.NoError(t, w.WriteKeepAlive())

	sourcesJSON, err := json.Marshal(datatypes.ContentResponse{Sources: sources})
	require.NoError(t, err)
	want := "estado\n\npredicción\n\n" +
		"START_SOURCES_STRING\n" + string(sourcesJSON) + "\nEND_SOURCES_STRING\n" +
		"Hola mundo"
	assert.Equal(t, want, rec.Body.String())
}

func TestNewStreamWriter_DefaultsToSSE(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec, "bogus")
	require.NoError(t, err)
	_, ok := w.(*sseWriter)
	assert.True(t, ok)
}
