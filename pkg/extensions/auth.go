// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrUnauthorized is returned when a token is missing or not recognised.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID identifies callers when authentication is disabled.
const LocalUserID = "local-user"

// AuthInfo identifies an authenticated caller.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	// Roles may be empty.
	Roles []string
}

// HasRole reports whether the caller has role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
type AuthProvider interface {
	// Validate returns the caller's identity, or an error wrapping
	// ErrUnauthorized. token is empty when the request had none.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as LocalUserID.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Roles: []string{"admin"}}, nil
}

// =============================================================================
// API Key Provider
// =============================================================================

// APIKeyAuthProvider accepts a fixed set of API keys.
//
// # Description
//
// Keys are sealed in memguard enclaves when the provider is built, so they
// stay encrypted in memory between requests. Validate opens each enclave
// and compares in constant time; every key is compared even after a match.
//
// # Thread Safety
//
// Safe for concurrent use. Destroy must not race with Validate.
type APIKeyAuthProvider struct {
	mu      sync.RWMutex
	entries []apiKeyEntry
}

type apiKeyEntry struct {
	userID  string
	enclave *memguard.Enclave
}

// NewAPIKeyAuthProvider seals keys, a map of user ID to API key.
//
// # Outputs
//
//   - error: when keys is empty or a key is blank.
func NewAPIKeyAuthProvider(keys map[string]string) (*APIKeyAuthProvider, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one api key is required")
	}
	users := make([]string, 0, len(keys))
	for user := range keys {
		users = append(users, user)
	}
	sort.Strings(users)

	p := &APIKeyAuthProvider{entries: make([]apiKeyEntry, 0, len(keys))}
	for _, user := range users {
		key := strings.TrimSpace(keys[user])
		if key == "" {
			return nil, fmt.Errorf("api key for %q is empty", user)
		}
		// NewEnclave wipes the slice it is given.
		p.entries = append(p.entries, apiKeyEntry{
			userID:  user,
			enclave: memguard.NewEnclave([]byte(key)),
		})
	}
	return p, nil
}

// Validate implements AuthProvider.
func (p *APIKeyAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	candidate := []byte(token)
	matched := ""
	for _, e := range p.entries {
		buf, err := e.enclave.Open()
		if err != nil {
			return nil, fmt.Errorf("open key enclave: %w", err)
		}
		if subtle.ConstantTimeCompare(buf.Bytes(), candidate) == 1 && matched == "" {
			matched = e.userID
		}
		buf.Destroy()
	}
	if matched == "" {
		return nil, fmt.Errorf("invalid api key: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: matched}, nil
}

// Len returns the number of configured keys.
func (p *APIKeyAuthProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Destroy drops every key. Later calls to Validate reject all tokens.
func (p *APIKeyAuthProvider) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*APIKeyAuthProvider)(nil)
)
