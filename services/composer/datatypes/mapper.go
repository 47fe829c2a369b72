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

// ToLLMRequest copies a stored LLM connection into a request. A nil
// connection maps to nil.
func ToLLMRequest(conn *LLMConnection) *LLMRequest {
	if conn == nil {
		return nil
	}
	return &LLMRequest{
		Name:               conn.Name,
		Description:        conn.Description,
		ServingRuntimeType: conn.ServingRuntimeType,
		ModelType:          conn.ModelType,
		URL:                conn.URL,
		APIKey:             conn.APIKey,
		ModelName:          conn.ModelName,
		Temperature:        conn.Temperature,
		MaxTokens:          conn.MaxTokens,
	}
}

// ToRetrieverRequest copies a stored retriever connection into a request.
// A nil connection maps to nil, which disables knowledge-base retrieval.
func ToRetrieverRequest(conn *RetrieverConnection) *RetrieverRequest {
	if conn == nil {
		return nil
	}
	metadata := make([]string, len(conn.Weaviate.MetadataFields))
	copy(metadata, conn.Weaviate.MetadataFields)

	weaviateCfg := conn.Weaviate
	weaviateCfg.MetadataFields = metadata

	return &RetrieverRequest{
		Name:                 conn.Name,
		ContentRetrieverType: conn.ContentRetrieverType,
		Weaviate:             weaviateCfg,
		Embedding:            conn.Embedding,
		MaxResults:           conn.MaxResults,
		MinScore:             conn.MinScore,
	}
}

// NewChatBotRequest maps an assistant chat request onto the model-level
// request, taking the model, retriever and system prompt from the assistant.
//
// # Inputs
//
//   - req: The client's assistant chat request.
//   - assistant: The resolved assistant. Must not be nil.
//   - llmConn: The assistant's LLM connection.
//   - retrieverConn: The assistant's retriever connection. May be nil.
//
// # Outputs
//
//   - *ChatBotRequest: Ready for ChatBotService.Chat.
func NewChatBotRequest(
	req AssistantChatRequest,
	assistant *Assistant,
	llmConn *LLMConnection,
	retrieverConn *RetrieverConnection,
) *ChatBotRequest {
	return &ChatBotRequest{
		Message:          req.Message,
		Context:          req.Context,
		SystemMessage:    assistant.UserPrompt,
		ModelRequest:     ToLLMRequest(llmConn),
		RetrieverRequest: ToRetrieverRequest(retrieverConn),
		RequestID:        req.RequestID,
	}
}
