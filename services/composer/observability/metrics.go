// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the composer service.
//
// # Description
//
// Prometheus metrics cover the streaming relay (requests, tokens, latency,
// active streams, errors), the culpability classifier (outcomes) and
// retrieval (latency and result counts). OpenTelemetry metrics carry the
// classifier latency histogram and are exported either through the
// Prometheus registry or to stdout (see otel.go).
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace    = "aleutian_composer"
	streamingSubsystem  = "streaming"
	classifierSubsystem = "classifier"
	retrievalSubsystem  = "retrieval"
)

// Metrics holds the Prometheus collectors of the composer.
type Metrics struct {
	// RequestsTotal counts chat streams. Labels: endpoint, status.
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts streamed LLM tokens. Labels: model.
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds is measured from request start, so it
	// includes the classifier call and retrieval. Labels: endpoint.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds labels: endpoint, status.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams labels: endpoint.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal labels: endpoint, error_code.
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal labels: endpoint.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal labels: endpoint.
	ClientDisconnectsTotal *prometheus.CounterVec

	// ClassifierPredictionsTotal labels: outcome (success, cache_hit,
	// fallback), culpability.
	ClassifierPredictionsTotal *prometheus.CounterVec

	// RetrievalDurationSeconds labels: retriever.
	RetrievalDurationSeconds *prometheus.HistogramVec

	// RetrievedContentsTotal labels: retriever.
	RetrievedContentsTotal *prometheus.CounterVec
}

// DefaultMetrics is set by InitMetrics. Callers check for nil so packages
// work without metrics in tests.
var DefaultMetrics *Metrics

// InitMetrics registers the metrics with the default Prometheus registry
// and sets DefaultMetrics. Panics if called twice.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates the collectors and registers them with reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := NewMetrics(reg)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "requests_total",
			Help:      "Chat streams by endpoint and status",
		}, []string{"endpoint", "status"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "tokens_total",
			Help:      "Streamed LLM tokens by model",
		}, []string{"model"}),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to first LLM token in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),

		StreamDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint", "status"}),

		ActiveStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "active_streams",
			Help:      "Currently open chat streams",
		}, []string{"endpoint"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "errors_total",
			Help:      "Chat errors by endpoint and code",
		}, []string{"endpoint", "error_code"}),

		KeepAlivesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "keepalives_total",
			Help:      "Keepalive pings sent",
		}, []string{"endpoint"}),

		ClientDisconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Clients that went away mid-stream",
		}, []string{"endpoint"}),

		ClassifierPredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: classifierSubsystem,
			Name:      "predictions_total",
			Help:      "Culpability predictions by outcome",
		}, []string{"outcome", "culpability"}),

		RetrievalDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: retrievalSubsystem,
			Name:      "duration_seconds",
			Help:      "Retriever latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"retriever"}),

		RetrievedContentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: retrievalSubsystem,
			Name:      "contents_total",
			Help:      "Snippets returned by retrievers",
		}, []string{"retriever"}),
	}
}

// =============================================================================
// Labels
// =============================================================================

// ErrorCode categorizes errors for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeRAGError         ErrorCode = "rag_error"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint labels a chat surface.
type Endpoint string

const (
	EndpointAssistantStream Endpoint = "assistant_stream"
	EndpointDocumentsStream Endpoint = "documents_stream"
	EndpointWebSocket       Endpoint = "websocket"
	EndpointChatStream      Endpoint = "chat_stream"
)

// ClassifierOutcome labels how a prediction was obtained.
type ClassifierOutcome string

const (
	ClassifierOutcomeSuccess  ClassifierOutcome = "success"
	ClassifierOutcomeCacheHit ClassifierOutcome = "cache_hit"
	ClassifierOutcomeFallback ClassifierOutcome = "fallback"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a finished stream.
func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a stream error.
func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens adds n streamed tokens for model.
func (m *Metrics) RecordTokens(n int, model string) {
	m.TokensTotal.WithLabelValues(model).Add(float64(n))
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

func (m *Metrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

func (m *Metrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

func (m *Metrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordPrediction counts one classifier outcome.
func (m *Metrics) RecordPrediction(outcome ClassifierOutcome, culpability string) {
	m.ClassifierPredictionsTotal.WithLabelValues(string(outcome), culpability).Inc()
}

// RecordRetrieval observes one retriever call and how many snippets it
// returned.
func (m *Metrics) RecordRetrieval(retriever string, seconds float64, contents int) {
	m.RetrievalDurationSeconds.WithLabelValues(retriever).Observe(seconds)
	m.RetrievedContentsTotal.WithLabelValues(retriever).Add(float64(contents))
}
