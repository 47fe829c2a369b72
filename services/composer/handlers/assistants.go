// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/store"
	"github.com/gin-gonic/gin"
)

// AssistantSummary is the public view of an assistant. Connection details
// stay on the server.
type AssistantSummary struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	DisplayName      string   `json:"display_name,omitempty"`
	Description      string   `json:"description,omitempty"`
	HasRetriever     bool     `json:"has_retriever"`
	ExampleQuestions []string `json:"example_questions,omitempty"`
}

func summarize(a datatypes.Assistant) AssistantSummary {
	return AssistantSummary{
		ID:               a.ID,
		Name:             a.Name,
		DisplayName:      a.DisplayName,
		Description:      a.Description,
		HasRetriever:     a.RetrieverConnectionID != "",
		ExampleQuestions: a.ExampleQuestions,
	}
}

// ListAssistants serves GET /v1/assistants.
func ListAssistants(repo store.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		assistants, err := repo.ListAssistants(c.Request.Context())
		if err != nil {
			slog.Error("Failed to list assistants", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list assistants"})
			return
		}
		out := make([]AssistantSummary, 0, len(assistants))
		for _, a := range assistants {
			out = append(out, summarize(a))
		}
		c.JSON(http.StatusOK, gin.H{"assistants": out})
	}
}

// GetAssistant serves GET /v1/assistants/:id.
func GetAssistant(repo store.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := repo.AssistantByID(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrAssistantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": store.ErrAssistantNotFound.Error()})
			return
		}
		if err != nil {
			slog.Error("Failed to load assistant", "id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load assistant"})
			return
		}
		c.JSON(http.StatusOK, summarize(*a))
	}
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerReporter is implemented by clients guarded by a circuit breaker.
type BreakerReporter interface {
	BreakerState() string
}

// Health serves GET /health. Backends that implement Pinger are checked
// with a short timeout; a failing backend makes the response 503.
// Breaker states are reported under "breakers". An open breaker marks the
// status degraded but keeps 200, since callers fall back without it.
func Health(version string, backends map[string]Pinger, breakers map[string]BreakerReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]string, len(backends))
		status := http.StatusOK
		for name, p := range backends {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				slog.Warn("Health check failed", "backend", name, "error", err)
				checks[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		states := make(map[string]string, len(breakers))
		degraded := status != http.StatusOK
		for name, b := range breakers {
			state := b.BreakerState()
			if state != "closed" {
				degraded = true
			}
			states[name] = state
		}

		body := gin.H{"status": "ok", "version": version}
		if degraded {
			body["status"] = "degraded"
		}
		if len(checks) > 0 {
			body["checks"] = checks
		}
		if len(states) > 0 {
			body["breakers"] = states
		}
		c.JSON(status, body)
	}
}
