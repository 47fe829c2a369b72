// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store loads assistants and their connections.
//
// Two backends implement Repository: MongoRepository reads the
// assistants, llm_connections and retriever_connections collections, and
// FileRepository reads a YAML catalog that is reloaded when the file
// changes.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
)

var (
	// ErrAssistantNotFound is returned when no assistant matches.
	ErrAssistantNotFound = errors.New("assistant not found")

	// ErrConnectionNotFound is returned when a referenced LLM or
	// retriever connection does not exist.
	ErrConnectionNotFound = errors.New("connection not found")
)

// Repository reads assistant configuration.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Repository interface {
	AssistantByName(ctx context.Context, name string) (*datatypes.Assistant, error)
	AssistantByID(ctx context.Context, id string) (*datatypes.Assistant, error)
	ListAssistants(ctx context.Context) ([]datatypes.Assistant, error)
	LLMConnection(ctx context.Context, id string) (*datatypes.LLMConnection, error)
	RetrieverConnection(ctx context.Context, id string) (*datatypes.RetrieverConnection, error)
	Close(ctx context.Context) error
}
