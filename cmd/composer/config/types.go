// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the composer YAML configuration shared by the
// server and the chat client.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianComposer/services/composer"
	"github.com/AleutianAI/AleutianComposer/services/composer/analytics"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
)

// ComposerConfig is the on-disk configuration.
type ComposerConfig struct {
	Server     ServerConfig           `yaml:"server"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
	Catalog    CatalogConfig          `yaml:"catalog"`
	Classifier ClassifierConfig       `yaml:"classifier"`
	Analytics  analytics.InfluxConfig `yaml:"analytics"`
	Documents  DocumentsConfig        `yaml:"documents"`
	Logging    LoggingConfig          `yaml:"logging"`
	Client     ClientConfig           `yaml:"client"`
}

type ServerConfig struct {
	Port              int               `yaml:"port"`
	GinMode           string            `yaml:"gin_mode,omitempty"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval,omitempty"`
	MaxUploadBytes    int64             `yaml:"max_upload_bytes,omitempty"`
	RateLimitPerMin   int               `yaml:"rate_limit_per_minute,omitempty"`
	RateLimitBurst    int               `yaml:"rate_limit_burst,omitempty"`
	RedactPII         bool              `yaml:"redact_pii"`
	AuditLog          bool              `yaml:"audit_log"`
	APIKeys           map[string]string `yaml:"api_keys,omitempty"`
}

type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	TraceExporter  string `yaml:"trace_exporter"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	MetricExporter string `yaml:"metric_exporter"`
}

// CatalogConfig selects the assistant store. MongoURI wins over Path.
type CatalogConfig struct {
	MongoURI      string `yaml:"mongo_uri,omitempty"`
	MongoDatabase string `yaml:"mongo_database,omitempty"`
	Path          string `yaml:"path,omitempty"`
	Watch         bool   `yaml:"watch"`
}

type ClassifierConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
	// CacheDir persists the prediction cache. Empty keeps it in memory.
	CacheDir string `yaml:"cache_dir,omitempty"`
}

type DocumentsConfig struct {
	SystemMessage    string                     `yaml:"system_message,omitempty"`
	Embedding        *datatypes.EmbeddingConfig `yaml:"embedding,omitempty"`
	MaxResults       int                        `yaml:"max_results,omitempty"`
	MinScore         float64                    `yaml:"min_score,omitempty"`
	InjectorTemplate string                     `yaml:"injector_template,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// ClientConfig is used by the chat and assistants commands.
type ClientConfig struct {
	ServerURL string        `yaml:"server_url"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// DefaultConfig is written on first run.
func DefaultConfig() ComposerConfig {
	return ComposerConfig{
		Server: ServerConfig{
			Port:     12210,
			AuditLog: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "composer-service",
			TraceExporter:  "otlp",
			OTLPEndpoint:   "aleutian-otel-collector:4317",
			MetricExporter: "prometheus",
		},
		Catalog: CatalogConfig{
			Path:  "~/.aleutian/assistants.yaml",
			Watch: true,
		},
		Classifier: ClassifierConfig{
			URL:      "http://localhost:8000/predict",
			Timeout:  30 * time.Second,
			CacheTTL: time.Hour,
		},
		Documents: DocumentsConfig{
			Embedding: &datatypes.EmbeddingConfig{
				Type:  datatypes.EmbeddingOllama,
				URL:   "http://localhost:11434",
				Model: "nomic-embed-text",
			},
		},
		Logging: LoggingConfig{Level: "info"},
		Client: ClientConfig{
			ServerURL: "http://localhost:12210",
			Timeout:   5 * time.Minute,
		},
	}
}

// ToServerConfig maps the file layout onto composer.Config. Paths are
// expanded; unset values are left for composer's own defaults.
func (c ComposerConfig) ToServerConfig(version string) composer.Config {
	return composer.Config{
		Port:        c.Server.Port,
		GinMode:     c.Server.GinMode,
		Version:     version,
		ServiceName: c.Telemetry.ServiceName,

		TraceExporter:  c.Telemetry.TraceExporter,
		OTLPEndpoint:   c.Telemetry.OTLPEndpoint,
		MetricExporter: c.Telemetry.MetricExporter,

		MongoURI:      c.Catalog.MongoURI,
		MongoDatabase: c.Catalog.MongoDatabase,
		CatalogPath:   ExpandPath(c.Catalog.Path),
		WatchCatalog:  c.Catalog.Watch,

		ClassifierURL:      c.Classifier.URL,
		ClassifierTimeout:  c.Classifier.Timeout,
		ClassifierCacheTTL: c.Classifier.CacheTTL,
		ClassifierCacheDir: ExpandPath(c.Classifier.CacheDir),

		Influx: c.Analytics,

		DefaultSystemMessage: c.Documents.SystemMessage,
		DocumentEmbedding:    c.Documents.Embedding,
		DocumentMaxResults:   c.Documents.MaxResults,
		DocumentMinScore:     c.Documents.MinScore,
		InjectorTemplate:     c.Documents.InjectorTemplate,

		HeartbeatInterval: c.Server.HeartbeatInterval,
		MaxUploadBytes:    c.Server.MaxUploadBytes,

		APIKeys:            c.Server.APIKeys,
		RateLimitPerMinute: c.Server.RateLimitPerMin,
		RateLimitBurst:     c.Server.RateLimitBurst,
		RedactPII:          c.Server.RedactPII,
		AuditLog:           c.Server.AuditLog,
	}
}
