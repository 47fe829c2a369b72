// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk layout read by FileRepository.
//
//	assistants:
//	  - id: siniestros
//	    name: siniestros
//	    user_prompt: "Sos un analista de siniestros viales..."
//	    llm_connection_id: ollama-llama3
//	    retriever_connection_id: leyes-transito
//	llm_connections:
//	  - id: ollama-llama3
//	    serving_runtime_type: ollama
//	    model_name: llama3
//	retriever_connections:
//	  - id: leyes-transito
//	    content_retriever_type: weaviate
//	    weaviate: {host: localhost:8080, index: LeyTransito}
//	    embedding: {type: ollama, model: nomic-embed-text}
//
// Values may reference environment variables as $VAR or ${VAR}.
type Catalog struct {
	Assistants           []datatypes.Assistant           `yaml:"assistants"`
	LLMConnections       []datatypes.LLMConnection       `yaml:"llm_connections"`
	RetrieverConnections []datatypes.RetrieverConnection `yaml:"retriever_connections"`
}

type catalogIndex struct {
	byName     map[string]datatypes.Assistant
	byID       map[string]datatypes.Assistant
	ordered    []datatypes.Assistant
	llms       map[string]datatypes.LLMConnection
	retrievers map[string]datatypes.RetrieverConnection
}

// ParseCatalog decodes and indexes a YAML catalog.
//
// # Description
//
// Environment references are expanded before decoding. An assistant
// without an ID takes its name as ID. Names and IDs must be unique and
// every assistant must reference an existing LLM connection. Retriever
// references are optional but must resolve when set.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if _, err := buildIndex(&cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

func buildIndex(cat *Catalog) (*catalogIndex, error) {
	idx := &catalogIndex{
		byName:     make(map[string]datatypes.Assistant, len(cat.Assistants)),
		byID:       make(map[string]datatypes.Assistant, len(cat.Assistants)),
		llms:       make(map[string]datatypes.LLMConnection, len(cat.LLMConnections)),
		retrievers: make(map[string]datatypes.RetrieverConnection, len(cat.RetrieverConnections)),
	}

	for _, c := range cat.LLMConnections {
		if c.ID == "" {
			return nil, fmt.Errorf("llm connection %q has no id", c.Name)
		}
		if _, dup := idx.llms[c.ID]; dup {
			return nil, fmt.Errorf("duplicate llm connection id %q", c.ID)
		}
		idx.llms[c.ID] = c
	}
	for _, c := range cat.RetrieverConnections {
		if c.ID == "" {
			return nil, fmt.Errorf("retriever connection %q has no id", c.Name)
		}
		if _, dup := idx.retrievers[c.ID]; dup {
			return nil, fmt.Errorf("duplicate retriever connection id %q", c.ID)
		}
		idx.retrievers[c.ID] = c
	}

	for i := range cat.Assistants {
		a := &cat.Assistants[i]
		if a.Name == "" {
			return nil, fmt.Errorf("assistant %d has no name", i)
		}
		if a.ID == "" {
			a.ID = a.Name
		}
		if _, dup := idx.byName[a.Name]; dup {
			return nil, fmt.Errorf("duplicate assistant name %q", a.Name)
		}
		if _, dup := idx.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate assistant id %q", a.ID)
		}
		if _, ok := idx.llms[a.LLMConnectionID]; !ok {
			return nil, fmt.Errorf("assistant %q: unknown llm connection %q", a.Name, a.LLMConnectionID)
		}
		if a.RetrieverConnectionID != "" {
			if _, ok := idx.retrievers[a.RetrieverConnectionID]; !ok {
				return nil, fmt.Errorf("assistant %q: unknown retriever connection %q", a.Name, a.RetrieverConnectionID)
			}
		}
		idx.byName[a.Name] = *a
		idx.byID[a.ID] = *a
	}

	idx.ordered = make([]datatypes.Assistant, len(cat.Assistants))
	copy(idx.ordered, cat.Assistants)
	sort.Slice(idx.ordered, func(i, j int) bool { return idx.ordered[i].Name < idx.ordered[j].Name })
	return idx, nil
}

// =============================================================================
// FileRepository
// =============================================================================

// FileRepository implements Repository over a YAML catalog file.
//
// # Description
//
// The catalog is parsed once on open. When Watch is running, writes to the
// file trigger a reload. A catalog that fails to parse is logged and the
// previous one stays active.
//
// # Thread Safety
//
// Safe for concurrent use. Reloads swap the index under a write lock.
type FileRepository struct {
	path string

	mu    sync.RWMutex
	index *catalogIndex

	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	debounce time.Duration
	reloads  int
}

// NewFileRepository reads and indexes the catalog at path.
func NewFileRepository(path string) (*FileRepository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	r := &FileRepository{path: abs, debounce: 100 * time.Millisecond}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalog file. On error the current catalog is kept.
func (r *FileRepository) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	idx, err := buildIndex(cat)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.index = idx
	r.reloads++
	r.mu.Unlock()

	slog.Info("Assistant catalog loaded",
		"path", r.path,
		"assistants", len(idx.ordered),
		"llm_connections", len(idx.llms),
		"retriever_connections", len(idx.retrievers),
	)
	return nil
}

// Watch starts reloading the catalog when the file changes.
//
// # Description
//
// The parent directory is watched rather than the file so editors that
// replace the file on save are still seen. Events for other files in the
// directory are ignored.
//
// # Limitations
//
//   - Calling Watch twice returns an error.
func (r *FileRepository) Watch(ctx context.Context) error {
	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		return fmt.Errorf("catalog watcher already running")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		r.mu.Unlock()
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.watcher = watcher
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.watchLoop(ctx, watcher, r.done)
	return nil
}

func (r *FileRepository) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts of events per save.
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				slog.Warn("Catalog reload failed, keeping previous catalog", "path", r.path, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Catalog watcher error", "error", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Reloads returns how many times the catalog has been loaded successfully.
func (r *FileRepository) Reloads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloads
}

func (r *FileRepository) snapshot() *catalogIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// AssistantByName implements Repository.
func (r *FileRepository) AssistantByName(_ context.Context, name string) (*datatypes.Assistant, error) {
	a, ok := r.snapshot().byName[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: name %q", ErrAssistantNotFound, name)
	}
	return &a, nil
}

// AssistantByID implements Repository.
func (r *FileRepository) AssistantByID(_ context.Context, id string) (*datatypes.Assistant, error) {
	a, ok := r.snapshot().byID[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: id %q", ErrAssistantNotFound, id)
	}
	return &a, nil
}

// ListAssistants implements Repository. Results are sorted by name.
func (r *FileRepository) ListAssistants(_ context.Context) ([]datatypes.Assistant, error) {
	src := r.snapshot().ordered
	out := make([]datatypes.Assistant, len(src))
	copy(out, src)
	return out, nil
}

// LLMConnection implements Repository.
func (r *FileRepository) LLMConnection(_ context.Context, id string) (*datatypes.LLMConnection, error) {
	c, ok := r.snapshot().llms[id]
	if !ok {
		return nil, fmt.Errorf("%w: llm connection %q", ErrConnectionNotFound, id)
	}
	return &c, nil
}

// RetrieverConnection implements Repository.
func (r *FileRepository) RetrieverConnection(_ context.Context, id string) (*datatypes.RetrieverConnection, error) {
	c, ok := r.snapshot().retrievers[id]
	if !ok {
		return nil, fmt.Errorf("%w: retriever connection %q", ErrConnectionNotFound, id)
	}
	return &c, nil
}

// Close stops the watcher, if any.
func (r *FileRepository) Close(_ context.Context) error {
	r.mu.Lock()
	watcher, cancel, done := r.watcher, r.cancel, r.done
	r.watcher, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()

	if watcher == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	<-done
	return err
}

var _ Repository = (*FileRepository)(nil)
