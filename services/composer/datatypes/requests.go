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

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a chat message or context.
	MaxMessageContentBytes = 32 * 1024

	// MaxNameLength bounds assistant names and IDs accepted from clients.
	MaxNameLength = 256
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAssistantRequired is returned when a request names neither an
	// assistant name nor an assistant ID.
	ErrAssistantRequired = errors.New("Assistant Name or ID Required")

	// ErrMessageRequired is returned when a chat request has no message.
	ErrMessageRequired = errors.New("Request Message Required")

	// ErrModelRequired is returned when a chat request has no model request.
	ErrModelRequired = errors.New("Model Request Required")
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Assistant Chat Request
// =============================================================================

// AssistantChatRequest is the body of POST /v1/assistants/chat/stream.
//
// # Description
//
// Addresses an assistant by name or ID and carries the user's message plus
// optional free-form context. The assistant supplies the model, retriever
// and system prompt.
//
// # Fields
//
//   - AssistantName: Optional. Takes precedence over AssistantID.
//   - AssistantID: Optional. Used only when AssistantName is empty.
//   - Message: Required. The user's question, at most 32KB.
//   - Context: Optional. Additional context placed before the question.
//   - RequestID: Optional. Generated by the handler when empty.
//
// # Examples
//
//	req := AssistantChatRequest{
//	    AssistantName: "siniestros",
//	    Message:       "El vehículo A giró a la izquierda sin señalizar...",
//	}
//
// # Limitations
//
//   - No conversation history; each request is a single turn.
type AssistantChatRequest struct {
	AssistantName string `json:"assistant_name,omitempty" validate:"omitempty,max=256"`
	AssistantID   string `json:"assistant_id,omitempty" validate:"omitempty,max=256"`
	Message       string `json:"message" validate:"maxbytes"`
	Context       string `json:"context,omitempty" validate:"maxbytes"`
	RequestID     string `json:"request_id,omitempty" validate:"omitempty,uuid4"`
}

// UnmarshalJSON decodes the request, also accepting the camelCase keys
// assistantName, assistantId and requestId sent by older clients. The
// snake_case key wins when both are present.
func (r *AssistantChatRequest) UnmarshalJSON(data []byte) error {
	type plain AssistantChatRequest
	var aux struct {
		plain
		LegacyAssistantName string `json:"assistantName"`
		LegacyAssistantID   string `json:"assistantId"`
		LegacyRequestID     string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = AssistantChatRequest(aux.plain)
	if r.AssistantName == "" {
		r.AssistantName = aux.LegacyAssistantName
	}
	if r.AssistantID == "" {
		r.AssistantID = aux.LegacyAssistantID
	}
	if r.RequestID == "" {
		r.RequestID = aux.LegacyRequestID
	}
	return nil
}

// Validate checks field limits and that an assistant is addressed.
func (r *AssistantChatRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return err
	}
	if strings.TrimSpace(r.AssistantName) == "" && strings.TrimSpace(r.AssistantID) == "" {
		return ErrAssistantRequired
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrMessageRequired
	}
	return nil
}

// =============================================================================
// Model-level Chat Request
// =============================================================================

// LLMRequest is the request-scoped view of an LLMConnection.
type LLMRequest struct {
	Name               string             `json:"name,omitempty"`
	Description        string             `json:"description,omitempty"`
	ServingRuntimeType ServingRuntimeType `json:"serving_runtime_type" validate:"required"`
	ModelType          string             `json:"model_type,omitempty"`
	URL                string             `json:"url,omitempty" validate:"omitempty,url"`
	APIKey             string             `json:"api_key,omitempty"`
	ModelName          string             `json:"model_name" validate:"required"`
	Temperature        *float32           `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens          *int               `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
}

// RetrieverRequest is the request-scoped view of a RetrieverConnection.
type RetrieverRequest struct {
	Name                 string               `json:"name,omitempty"`
	ContentRetrieverType ContentRetrieverType `json:"content_retriever_type" validate:"required,oneof=weaviate"`
	Weaviate             WeaviateConfig       `json:"weaviate"`
	Embedding            EmbeddingConfig      `json:"embedding"`
	MaxResults           int                  `json:"max_results,omitempty" validate:"gte=0,lte=100"`
	MinScore             float64              `json:"min_score,omitempty" validate:"gte=0,lte=1"`
}

// ChatBotRequest is the body of POST /v1/chat/stream and the internal
// request every assistant chat is mapped to.
//
// # Fields
//
//   - Message: Required.
//   - Context: Optional free-form context.
//   - SystemMessage: Optional. Empty uses the configured default.
//   - ModelRequest: Required. Which runtime and model to stream from.
//   - RetrieverRequest: Optional. Nil disables knowledge-base retrieval.
type ChatBotRequest struct {
	Message          string            `json:"message" validate:"maxbytes"`
	Context          string            `json:"context,omitempty" validate:"maxbytes"`
	SystemMessage    string            `json:"system_message,omitempty" validate:"maxbytes"`
	ModelRequest     *LLMRequest       `json:"model_request" validate:"omitempty"`
	RetrieverRequest *RetrieverRequest `json:"retriever_request,omitempty" validate:"omitempty"`
	RequestID        string            `json:"request_id,omitempty" validate:"omitempty,uuid4"`
}

// Validate checks that the message and model are present and within limits.
func (r *ChatBotRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrMessageRequired
	}
	if r.ModelRequest == nil {
		return ErrModelRequired
	}
	return requestValidate.Struct(r)
}

// ValidateConnections checks only the parts of r copied from the assistant
// catalog: the system message and the model and retriever requests.
func (r *ChatBotRequest) ValidateConnections() error {
	if r.ModelRequest == nil {
		return ErrModelRequired
	}
	if err := requestValidate.Struct(r.ModelRequest); err != nil {
		return err
	}
	if r.RetrieverRequest != nil {
		if err := requestValidate.Struct(r.RetrieverRequest); err != nil {
			return err
		}
	}
	return requestValidate.Var(r.SystemMessage, "maxbytes")
}
