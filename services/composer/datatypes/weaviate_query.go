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
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse decodes the data section of a Weaviate GraphQL
// response into T.
//
// # Description
//
// Round-trips resp.Data through JSON so callers work with typed structs
// instead of nested map[string]interface{} assertions. GraphQL errors in
// the response are returned as an error.
//
// # Examples
//
//	parsed, err := ParseGraphQLResponse[ChunkQueryResponse](resp)
//	objects := parsed.Objects("LegalChunk")
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// ChunkQueryResponse is the Get result for a class whose name is only
// known at runtime (it comes from the retriever connection).
type ChunkQueryResponse struct {
	Get map[string][]ChunkResult `json:"Get"`
}

// Objects returns the results for className, or nil.
func (r *ChunkQueryResponse) Objects(className string) []ChunkResult {
	if r == nil || r.Get == nil {
		return nil
	}
	return r.Get[className]
}

// ChunkResult is one object of a chunk class. Properties are kept raw
// because the text, source and metadata keys are configurable.
type ChunkResult map[string]any

// ChunkAdditional holds the _additional fields requested with nearVector.
type ChunkAdditional struct {
	ID        string   `json:"id"`
	Distance  *float64 `json:"distance"`
	Certainty *float64 `json:"certainty"`
}

// String returns the property as a string, or "" when absent.
func (c ChunkResult) String(key string) string {
	if v, ok := c[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// Additional decodes the _additional block.
func (c ChunkResult) Additional() ChunkAdditional {
	var add ChunkAdditional
	raw, ok := c["_additional"]
	if !ok || raw == nil {
		return add
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return add
	}
	_ = json.Unmarshal(b, &add)
	return add
}
