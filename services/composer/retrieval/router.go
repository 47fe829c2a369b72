// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Query Router
// =============================================================================

// QueryRouter sends a query to every retriever concurrently.
//
// # Description
//
// Results come back in retriever order regardless of completion order. A
// failing retriever is logged and skipped; Route fails only when every
// retriever fails or ctx is cancelled.
type QueryRouter struct {
	retrievers []ContentRetriever
}

// NewQueryRouter returns a router over retrievers.
func NewQueryRouter(retrievers ...ContentRetriever) (*QueryRouter, error) {
	if len(retrievers) == 0 {
		return nil, ErrNoRetrievers
	}
	return &QueryRouter{retrievers: retrievers}, nil
}

// Route returns one ranked list per retriever. Lists of failed retrievers
// are nil.
func (q *QueryRouter) Route(ctx context.Context, query string) ([][]Content, error) {
	results := make([][]Content, len(q.retrievers))
	errs := make([]error, len(q.retrievers))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range q.retrievers {
		g.Go(func() error {
			contents, err := r.Retrieve(gctx, query)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				slog.Warn("Retriever failed, continuing without it", "retriever", r.Name(), "error", err)
				errs[i] = err
				return nil
			}
			results[i] = contents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(q.retrievers) {
		return nil, fmt.Errorf("all retrievers failed: %w", errors.Join(errs...))
	}
	return results, nil
}

// =============================================================================
// Aggregation
// =============================================================================

// RRFK is the reciprocal rank fusion constant.
const RRFK = 60

// RRFAggregator fuses ranked lists with reciprocal rank fusion.
//
// # Description
//
// Each snippet scores sum(1 / (k + rank)) over the lists it appears in,
// with rank starting at 1. Snippets are identified by their trimmed text,
// so the same chunk found by two retrievers is merged. The fused Content
// keeps the best single-retriever score. Ties keep first-seen order.
type RRFAggregator struct {
	K int
}

// Aggregate fuses lists. A single list is returned unchanged.
func (a RRFAggregator) Aggregate(lists [][]Content) []Content {
	nonEmpty := make([][]Content, 0, len(lists))
	for _, l := range lists {
		if len(l) > 0 {
			nonEmpty = append(nonEmpty, l)
		}
	}
	switch len(nonEmpty) {
	case 0:
		return nil
	case 1:
		return nonEmpty[0]
	}

	k := a.K
	if k <= 0 {
		k = RRFK
	}

	type fused struct {
		content Content
		score   float64
		order   int
	}
	byKey := make(map[string]*fused)
	var ordered []*fused

	for _, list := range nonEmpty {
		for rank, c := range list {
			key := strings.TrimSpace(c.Text)
			f, ok := byKey[key]
			if !ok {
				f = &fused{content: c, order: len(ordered)}
				byKey[key] = f
				ordered = append(ordered, f)
			} else if c.Score > f.content.Score {
				f.content.Score = c.Score
			}
			f.score += 1.0 / float64(k+rank+1)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].order < ordered[j].order
	})

	out := make([]Content, len(ordered))
	for i, f := range ordered {
		out[i] = f.content
	}
	return out
}

// =============================================================================
// Augmentor
// =============================================================================

// Augmentor retrieves and fuses content for a user message.
type Augmentor struct {
	router     *QueryRouter
	aggregator RRFAggregator

	// MaxContents caps the fused list. Zero keeps everything.
	MaxContents int
}

// NewAugmentor returns an augmentor over router.
func NewAugmentor(router *QueryRouter) *Augmentor {
	return &Augmentor{router: router, aggregator: RRFAggregator{K: RRFK}}
}

// Retrieve routes query to every retriever and returns the fused content.
func (a *Augmentor) Retrieve(ctx context.Context, query string) ([]Content, error) {
	ctx, span := tracer.Start(ctx, "Augmentor.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.retrievers", len(a.router.retrievers)))

	lists, err := a.router.Route(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		return nil, err
	}

	contents := a.aggregator.Aggregate(lists)
	if a.MaxContents > 0 && len(contents) > a.MaxContents {
		contents = contents[:a.MaxContents]
	}
	span.SetAttributes(attribute.Int("retrieval.contents", len(contents)))
	return contents, nil
}
