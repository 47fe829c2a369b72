// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics records classifier predictions for offline analysis.
//
// Every culpability prediction becomes one point in the
// "claim_predictions" measurement, tagged by verdict, so dashboards can
// track fallback rates and confidence drift over time.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const measurement = "claim_predictions"

// PredictionRecord is one classifier outcome.
type PredictionRecord struct {
	Culpability string
	Confidence  float64
	Fallback    bool
	Cached      bool
	Latency     time.Duration
	Timestamp   time.Time
}

// PredictionRecorder is a sink for prediction records.
//
// Record must not block the caller for long; implementations buffer.
type PredictionRecorder interface {
	Record(ctx context.Context, rec PredictionRecord)
	Close() error
}

// NopRecorder discards records.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, PredictionRecord) {}
func (NopRecorder) Close() error { return nil }

// InfluxConfig configures the InfluxDB v2 sink.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// BufferSize bounds pending records. Default: 256.
	BufferSize int `yaml:"buffer_size"`

	// WriteTimeout bounds a single write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// InfluxRecorder writes records to InfluxDB from a background worker.
//
// # Description
//
// Record enqueues and returns immediately. A single worker drains the
// queue with the blocking write API. When the queue is full the record is
// dropped and a warning logged; predictions are never delayed by
// analytics.
//
// # Thread Safety
//
// Safe for concurrent use. Record after Close is a no-op.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	timeout  time.Duration

	queue   chan PredictionRecord
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewInfluxRecorder starts the worker. URL, Org and Bucket are required.
func NewInfluxRecorder(cfg InfluxConfig) (*InfluxRecorder, error) {
	if strings.TrimSpace(cfg.URL) == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb url, org and bucket are required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	r := &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		timeout:  cfg.WriteTimeout,
		queue:    make(chan PredictionRecord, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	go r.run()

	slog.Info("Prediction analytics enabled", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return r, nil
}

// Record implements PredictionRecorder.
func (r *InfluxRecorder) Record(_ context.Context, rec PredictionRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		slog.Warn("Prediction analytics queue full, dropping record", "culpability", rec.Culpability)
	}
}

// Dropped reports how many records were discarded on a full queue.
func (r *InfluxRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes pending records and closes the client.
func (r *InfluxRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	r.client.Close()
	if n := r.Dropped(); n > 0 {
		slog.Warn("Prediction analytics dropped records on a full queue", "dropped", n)
	}
	return nil
}

func (r *InfluxRecorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.writeAPI.WritePoint(ctx, toPoint(rec)); err != nil {
			slog.Warn("Failed to write prediction to InfluxDB", "error", err)
		}
		cancel()
	}
}

func toPoint(rec PredictionRecord) *write.Point {
	return influxdb2.NewPointWithMeasurement(measurement).
		AddTag("culpability", rec.Culpability).
		AddField("confidence", rec.Confidence).
		AddField("fallback", rec.Fallback).
		AddField("cached", rec.Cached).
		AddField("latency_ms", rec.Latency.Milliseconds()).
		SetTime(rec.Timestamp)
}

var (
	_ PredictionRecorder = NopRecorder{}
	_ PredictionRecorder = (*InfluxRecorder)(nil)
)
