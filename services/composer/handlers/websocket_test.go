// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianComposer/pkg/extensions"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/assistants/chat/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var session WSSession
	require.NoError(t, ws.ReadJSON(&session))
	assert.Equal(t, "session_created", session.Action)
	assert.NotEmpty(t, session.SessionID)
	return ws
}

// readUntilTerminal reads events up to and including done or error.
func readUntilTerminal(t *testing.T, ws *websocket.Conn) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for {
		var ev datatypes.StreamEvent
		require.NoError(t, ws.ReadJSON(&ev))
		events = append(events, ev)
		if ev.IsTerminal() {
			return events
		}
	}
}

func TestHandleWebSocket_StreamsChats(t *testing.T) {
	env := newTestEnv(t, extensions.ServiceOptions{})
	ws := dialWS(t, env)

	for i := 0; i < 2; i++ {
		require.NoError(t, ws.WriteJSON(WSChatRequest{
			AssistantChatRequest: datatypes.AssistantChatRequest{
				AssistantName: "siniestros",
				Message:       "El vehículo B cruzó en rojo.",
			},
		}))
		events := readUntilTerminal(t, ws)
		assert.Equal(t, []datatypes.StreamEventType{
			datatypes.StreamEventStatus,
			datatypes.StreamEventPrediction,
			datatypes.StreamEventStatus,
			datatypes.StreamEventToken,
			datatypes.StreamEventToken,
			datatypes.StreamEventDone,
		}, eventTypes(events))
	}
}

func TestHandleWebSocket_RequestErrorKeepsConnection(t *testing.T) {
	env := newTestEnv(t, extensions.ServiceOptions{})
	ws := dialWS(t, env)

	require.NoError(t, ws.WriteJSON(WSChatRequest{
		AssistantChatRequest: datatypes.AssistantChatRequest{AssistantName: "nadie", Message: "hola"},
	}))
	events := readUntilTerminal(t, ws)
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.StreamEventError, events[0].Type)
	assert.Equal(t, store.ErrAssistantNotFound.Error(), events[0].Error)

	require.NoError(t, ws.WriteJSON(WSChatRequest{
		AssistantChatRequest: datatypes.AssistantChatRequest{AssistantName: "siniestros", Message: "hola"},
		Documents:            []WSDocument{{Filename: "x.txt", Base64Data: "%%%"}},
	}))
	events = readUntilTerminal(t, ws)
	require.Len(t, events, 1)
	assert.Equal(t, errBadDocument.Error(), events[0].Error)

	require.NoError(t, ws.WriteJSON(WSChatRequest{
		AssistantChatRequest: datatypes.AssistantChatRequest{AssistantName: "siniestros", Message: "hola"},
	}))
	events = readUntilTerminal(t, ws)
	assert.Equal(t, datatypes.StreamEventDone, events[len(events)-1].Type)
}

func TestHandleWebSocket_ClientCloseCancelsChat(t *testing.T) {
	env := newTestEnv(t, extensions.ServiceOptions{})
	env.model.block = make(chan struct{})
	env.model.cancelled = make(chan struct{})
	ws := dialWS(t, env)

	require.NoError(t, ws.WriteJSON(WSChatRequest{
		AssistantChatRequest: datatypes.AssistantChatRequest{AssistantName: "siniestros", Message: "hola"},
	}))
	for {
		var ev datatypes.StreamEvent
		require.NoError(t, ws.ReadJSON(&ev))
		if ev.Type == datatypes.StreamEventToken {
			break
		}
	}

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	select {
	case <-env.model.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("chat kept streaming after the client closed the websocket")
	}
}

func TestWSChatRequest_UnmarshalJSON(t *testing.T) {
	var req WSChatRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"assistantName":"siniestros","message":"hola","documents":[{"filename":"ley.txt","base64data":"aG9sYQ=="}]}`), &req))
	assert.Equal(t, "siniestros", req.AssistantName)
	assert.Equal(t, "hola", req.Message)
	require.Len(t, req.Documents, 1)
	assert.Equal(t, "ley.txt", req.Documents[0].Filename)
}

func TestHandleWebSocket_Documents(t *testing.T) {
	env := newTestEnv(t, extensions.ServiceOptions{})
	ws := dialWS(t, env)

	law := "ARTICULO 41.- En la rotonda tiene prioridad quien circula por ella."
	require.NoError(t, ws.WriteJSON(WSChatRequest{
		AssistantChatRequest: datatypes.AssistantChatRequest{
			AssistantName: "siniestros",
			Message:       "¿Quién tiene prioridad en la rotonda?",
		},
		Documents: []WSDocument{{Filename: "ley.txt", Base64Data: base64.StdEncoding.EncodeToString([]byte(law))}},
	}))
	events := readUntilTerminal(t, ws)
	assert.Contains(t, eventTypes(events), datatypes.StreamEventSources)
}

func TestDecodeWSDocuments(t *testing.T) {
	docs, err := decodeWSDocuments(nil)
	require.NoError(t, err)
	assert.Nil(t, docs)

	docs, err = decodeWSDocuments([]WSDocument{
		{Filename: "../../etc/a.txt", Base64Data: base64.StdEncoding.EncodeToString([]byte("hola"))},
		{Filename: "empty.txt", Base64Data: ""},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.txt", docs[0].Name)

	_, err = decodeWSDocuments([]WSDocument{{Filename: "bad", Base64Data: "!!"}})
	assert.ErrorIs(t, err, errBadDocument)
}
