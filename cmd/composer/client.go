// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianComposer/cmd/composer/config"
	"github.com/AleutianAI/AleutianComposer/pkg/ux"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/handlers"
)

// ErrServer wraps non-2xx responses from the composer server.
var ErrServer = errors.New("composer server error")

// apiClient talks to a running composer server.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	reader  ux.StreamReader
}

func newAPIClient(cfg config.ClientConfig) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		reader:  ux.NewSSEStreamReader(nil),
	}
}

// ListAssistants fetches the public catalog.
func (c *apiClient) ListAssistants(ctx context.Context) ([]handlers.AssistantSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/assistants", nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach composer server: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var body struct {
		Assistants []handlers.AssistantSummary `json:"assistants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode assistants: %w", err)
	}
	return body.Assistants, nil
}

// StreamChat sends one chat turn and feeds every SSE event to callback.
// With documents it uses the multipart upload endpoint.
func (c *apiClient) StreamChat(ctx context.Context, chat datatypes.AssistantChatRequest, documents []string, callback ux.StreamCallback) (*ux.StreamResult, error) {
	var (
		req *http.Request
		err error
	)
	if len(documents) == 0 {
		payload, merr := json.Marshal(chat)
		if merr != nil {
			return nil, fmt.Errorf("failed to encode request: %w", merr)
		}
		req, err = c.newRequest(ctx, http.MethodPost, "/v1/assistants/chat/stream", bytes.NewReader(payload), "application/json")
	} else {
		body, contentType, berr := multipartBody(chat, documents)
		if berr != nil {
			return nil, berr
		}
		req, err = c.newRequest(ctx, http.MethodPost, "/v1/assistants/chat/documents/stream", body, contentType)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach composer server: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	result := &ux.StreamResult{}
	err = c.reader.Read(ctx, resp.Body, func(ev ux.StreamEvent) error {
		ux.Accumulate(result, ev)
		return callback(ev)
	})
	return result, err
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func multipartBody(chat datatypes.AssistantChatRequest, documents []string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"assistant_name", chat.AssistantName},
		{"assistant_id", chat.AssistantID},
		{"message", chat.Message},
		{"context", chat.Context},
		{"request_id", chat.RequestID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	for _, path := range documents {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read document: %w", err)
		}
		part, err := mw.CreateFormFile(handlers.DocumentsFormField, filepath.Base(path))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// checkStatus turns a non-2xx response into an ErrServer carrying the
// server's error message when it sent one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%w: %d %s", ErrServer, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("%w: %d %s", ErrServer, resp.StatusCode, http.StatusText(resp.StatusCode))
}
