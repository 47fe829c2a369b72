// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier calls the external claim-culpability model.
//
// # Description
//
// The classifier is a BERT-style HTTP service: POST {"description": ...}
// returns {"culpability": ..., "confidence": ...}. Its verdict seeds the
// prompt the LLM validates, so the chat must go on without it: every
// failure becomes datatypes.FallbackPrediction().
//
// Calls go through a circuit breaker so a dead classifier costs one
// timeout per breaker window instead of one per chat. Verdicts are
// optionally cached in Badger, keyed by the SHA-256 of the normalized
// description.
package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianComposer/pkg/storage/badger"
	"github.com/AleutianAI/AleutianComposer/services/composer/analytics"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/observability"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.composer.classifier")
	meter  = otel.Meter("aleutian.composer.classifier")
)

// Classifier predicts culpability for a claim description.
type Classifier interface {
	// Predict never fails. Errors are logged and turned into the
	// fallback prediction.
	Predict(ctx context.Context, description string) datatypes.Prediction
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotConfigured is logged when no classifier URL is set.
	ErrNotConfigured = errors.New("classifier url not configured")

	// ErrInvalidPrediction is returned for a response with no verdict or
	// a confidence outside [0, 1].
	ErrInvalidPrediction = errors.New("invalid classifier prediction")
)

// StatusError is returned when the classifier answers with a non-2xx code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier returned status %d: %s", e.StatusCode, e.Body)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures HTTPClassifier.
type Config struct {
	// URL is the full prediction endpoint. Empty disables the classifier.
	URL string

	// Timeout bounds one call. Default: 30s.
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failures that opens
	// the breaker. Default: 5.
	BreakerFailures uint32

	// BreakerOpenTimeout is how long the breaker stays open. Default: 30s.
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

// =============================================================================
// HTTP Classifier
// =============================================================================

// HTTPClassifier implements Classifier over HTTP.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPClassifier struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cache      *badger.Cache
	recorder   analytics.PredictionRecorder
	latency    metric.Float64Histogram
}

// Option customizes an HTTPClassifier.
type Option func(*HTTPClassifier)

// WithCache caches successful verdicts.
func WithCache(cache *badger.Cache) Option {
	return func(c *HTTPClassifier) { c.cache = cache }
}

// WithRecorder sends every outcome to an analytics sink.
func WithRecorder(r analytics.PredictionRecorder) Option {
	return func(c *HTTPClassifier) { c.recorder = r }
}

// WithHTTPClient replaces the HTTP client. Config.Timeout still bounds
// each call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClassifier) { c.httpClient = hc }
}

// New creates an HTTPClassifier.
//
// # Inputs
//
//   - cfg: An empty URL is allowed; Predict then always falls back.
//   - opts: Optional cache, analytics recorder and HTTP client.
func New(cfg Config, opts ...Option) *HTTPClassifier {
	cfg = cfg.withDefaults()

	c := &HTTPClassifier{
		url:        strings.TrimSpace(cfg.URL),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		recorder:   analytics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}

	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "claim-classifier",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Classifier circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	hist, err := meter.Float64Histogram("composer.classifier.latency",
		metric.WithUnit("s"),
		metric.WithDescription("Latency of culpability classifier calls"))
	if err != nil {
		slog.Warn("Failed to create classifier latency histogram", "error", err)
	}
	c.latency = hist

	if c.url == "" {
		slog.Warn("Claim classifier URL not set, predictions will fall back", "fallback", datatypes.CulpabilityUndetermined)
	}
	return c
}

// Predict implements Classifier.
func (c *HTTPClassifier) Predict(ctx context.Context, description string) datatypes.Prediction {
	ctx, span := tracer.Start(ctx, "HTTPClassifier.Predict")
	defer span.End()
	start := time.Now()

	key := CacheKey(description)
	if c.cache != nil {
		var cached datatypes.Prediction
		if err := c.cache.Get(key, &cached); err == nil {
			cached.Cached = true
			span.SetAttributes(attribute.Bool("classifier.cache_hit", true))
			c.finish(ctx, cached, observability.ClassifierOutcomeCacheHit, start)
			return cached
		} else if !errors.Is(err, badger.ErrCacheMiss) {
			slog.Warn("Classifier cache read failed", "error", err)
		}
	}

	pred, err := c.call(ctx, description)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier failed, using fallback")
		slog.Warn("Claim classifier failed, using fallback prediction", "error", err)
		fallback := datatypes.FallbackPrediction()
		c.finish(ctx, fallback, observability.ClassifierOutcomeFallback, start)
		return fallback
	}

	if c.cache != nil {
		if err := c.cache.Set(key, pred); err != nil {
			slog.Warn("Classifier cache write failed", "error", err)
		}
	}
	span.SetAttributes(
		attribute.String("classifier.culpability", pred.Culpability),
		attribute.Float64("classifier.confidence", pred.Confidence),
	)
	c.finish(ctx, pred, observability.ClassifierOutcomeSuccess, start)
	return pred
}

func (c *HTTPClassifier) call(ctx context.Context, description string) (datatypes.Prediction, error) {
	if c.url == "" {
		return datatypes.Prediction{}, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, description)
	})
	if err != nil {
		return datatypes.Prediction{}, err
	}
	return result.(datatypes.Prediction), nil
}

func (c *HTTPClassifier) post(ctx context.Context, description string) (datatypes.Prediction, error) {
	body, err := json.Marshal(datatypes.PredictionRequest{Description: description})
	if err != nil {
		return datatypes.Prediction{}, fmt.Errorf("marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return datatypes.Prediction{}, fmt.Errorf("create classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return datatypes.Prediction{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return datatypes.Prediction{}, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var pred datatypes.Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return datatypes.Prediction{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if strings.TrimSpace(pred.Culpability) == "" || pred.Confidence < 0 || pred.Confidence > 1 {
		return datatypes.Prediction{}, fmt.Errorf("%w: %+v", ErrInvalidPrediction, pred)
	}
	pred.Fallback, pred.Cached = false, false
	return pred, nil
}

func (c *HTTPClassifier) finish(ctx context.Context, pred datatypes.Prediction, outcome observability.ClassifierOutcome, start time.Time) {
	elapsed := time.Since(start)
	if c.latency != nil {
		c.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordPrediction(outcome, pred.Culpability)
	}
	c.recorder.Record(ctx, analytics.PredictionRecord{
		Culpability: pred.Culpability,
		Confidence:  pred.Confidence,
		Fallback:    pred.Fallback,
		Cached:      pred.Cached,
		Latency:     elapsed,
		Timestamp:   time.Now(),
	})
}

// BreakerState reports the circuit breaker state: closed, half-open or
// open. Served by /health.
func (c *HTTPClassifier) BreakerState() string {
	return c.breaker.State().String()
}

// CacheKey returns the cache key for a description. Case and runs of
// whitespace do not change the key.
func CacheKey(description string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

var _ Classifier = (*HTTPClassifier)(nil)
