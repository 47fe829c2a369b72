// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package composer assembles the claim-analysis chat server.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianComposer/pkg/extensions"
	"github.com/AleutianAI/AleutianComposer/pkg/storage/badger"
	"github.com/AleutianAI/AleutianComposer/services/composer/aiservice"
	"github.com/AleutianAI/AleutianComposer/services/composer/analytics"
	"github.com/AleutianAI/AleutianComposer/services/composer/classifier"
	"github.com/AleutianAI/AleutianComposer/services/composer/datatypes"
	"github.com/AleutianAI/AleutianComposer/services/composer/handlers"
	"github.com/AleutianAI/AleutianComposer/services/composer/middleware"
	"github.com/AleutianAI/AleutianComposer/services/composer/observability"
	"github.com/AleutianAI/AleutianComposer/services/composer/retrieval"
	"github.com/AleutianAI/AleutianComposer/services/composer/routes"
	"github.com/AleutianAI/AleutianComposer/services/composer/services"
	"github.com/AleutianAI/AleutianComposer/services/composer/store"
	"github.com/AleutianAI/AleutianComposer/services/llm"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// =============================================================================
// Interface
// =============================================================================

// Service is a configured composer server.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully
	// and releases every backend.
	Run(ctx context.Context) error

	// Router exposes the gin engine, mainly for tests.
	Router() *gin.Engine

	// Close releases backends without serving. Run calls it on exit.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config is the flat server configuration. Zero values take defaults from
// applyConfigDefaults.
//
// # Fields
//
//   - Port: HTTP port. Default 12210.
//   - ServiceName: OpenTelemetry service name. Default "composer-service".
//   - TraceExporter, OTLPEndpoint, MetricExporter: See observability.TelemetryConfig.
//   - MongoURI, MongoDatabase: Assistant catalog in MongoDB. Takes
//     precedence over CatalogPath.
//   - CatalogPath, WatchCatalog: YAML catalog, optionally hot reloaded.
//   - ClassifierURL: Prediction endpoint. Empty always uses the fallback.
//   - ClassifierCacheTTL: Zero disables the prediction cache.
//   - ClassifierCacheDir: Badger directory. Empty keeps the cache in memory.
//   - Influx: Prediction analytics. Empty URL disables them.
//   - APIKeys: user to key. Empty disables authentication.
//   - RateLimitPerMinute: Zero disables rate limiting.
type Config struct {
	Port        int
	GinMode     string
	Version     string
	ServiceName string

	TraceExporter  string
	OTLPEndpoint   string
	MetricExporter string
	EnableMetrics  bool

	MongoURI      string
	MongoDatabase string
	CatalogPath   string
	WatchCatalog  bool

	ClassifierURL      string
	ClassifierTimeout  time.Duration
	ClassifierCacheTTL time.Duration
	ClassifierCacheDir string

	Influx analytics.InfluxConfig

	DefaultSystemMessage string
	DocumentEmbedding    *datatypes.EmbeddingConfig
	DocumentMaxResults   int
	DocumentMinScore     float64
	InjectorTemplate     string

	HeartbeatInterval time.Duration
	MaxUploadBytes    int64

	APIKeys            map[string]string
	RateLimitPerMinute int
	RateLimitBurst     int
	RedactPII          bool
	AuditLog           bool
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "composer-service"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = observability.ExporterOTLP
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.MetricExporter == "" {
		cfg.MetricExporter = observability.ExporterPrometheus
	}
	cfg.EnableMetrics = true

	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = "composer"
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = 30 * time.Second
	}
	if cfg.InjectorTemplate == "" {
		cfg.InjectorTemplate = aiservice.DefaultInjectorTemplate
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	opts   extensions.ServiceOptions
	router *gin.Engine

	repo       store.Repository
	cache      *badger.Cache
	recorder   analytics.PredictionRecorder
	apiKeys    *extensions.APIKeyAuthProvider
	backends   map[string]handlers.Pinger
	breakers   map[string]handlers.BreakerReporter
	svc        *services.ChatBotService
	telemetry  func(context.Context) error
	closeOnce  sync.Once
	closeError error
}

// metricsOnce guards the default Prometheus registry, which rejects a
// second registration of the same collectors.
var metricsOnce sync.Once

// New builds the server from cfg.
//
// # Description
//
// Initializes telemetry, the assistant repository, the classifier with its
// optional cache and analytics sink, the model and retriever factories,
// and the router. Extension points in opts win over the ones derived from
// cfg (APIKeys, AuditLog, RedactPII).
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: A required backend could not be initialized. Anything already
//     opened is closed.
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		config:   applyConfigDefaults(cfg),
		recorder: analytics.NopRecorder{},
		backends: map[string]handlers.Pinger{},
		breakers: map[string]handlers.BreakerReporter{},
	}
	if opts != nil {
		s.opts = *opts
	}

	shutdown, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    s.config.ServiceName,
		TraceExporter:  s.config.TraceExporter,
		OTLPEndpoint:   s.config.OTLPEndpoint,
		MetricExporter: s.config.MetricExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetry = shutdown

	if s.config.EnableMetrics {
		metricsOnce.Do(func() {
			observability.InitMetrics()
			slog.Info("Initialized Prometheus metrics for streaming")
		})
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"extensions", s.initExtensions},
		{"repository", s.initRepository},
		{"analytics", s.initAnalytics},
		{"chat service", s.initChatService},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	s.initRouter()
	return s, nil
}

func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting composer server", "port", s.config.Port, "version", s.config.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down composer server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases backends in reverse order of initialization. It is safe
// to call more than once.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if s.recorder != nil {
			errs = append(errs, s.recorder.Close())
		}
		if s.cache != nil {
			errs = append(errs, s.cache.Close())
		}
		if s.repo != nil {
			errs = append(errs, s.repo.Close(ctx))
		}
		if s.apiKeys != nil {
			s.apiKeys.Destroy()
		}
		if s.telemetry != nil {
			errs = append(errs, s.telemetry(ctx))
		}
		s.closeError = errors.Join(errs...)
		if s.closeError != nil {
			slog.Warn("Errors while closing composer", "error", s.closeError)
		}
	})
	return s.closeError
}

// =============================================================================
// Initialization
// =============================================================================

func (s *service) initExtensions(context.Context) error {
	if s.opts.AuthProvider == nil && len(s.config.APIKeys) > 0 {
		provider, err := extensions.NewAPIKeyAuthProvider(s.config.APIKeys)
		if err != nil {
			return err
		}
		s.apiKeys = provider
		s.opts.AuthProvider = provider
		slog.Info("API key authentication enabled", "keys", provider.Len())
	}
	if s.opts.AuditLogger == nil && s.config.AuditLog {
		s.opts.AuditLogger = extensions.NewSlogAuditLogger(slog.Default())
	}
	if s.opts.MessageFilter == nil && s.config.RedactPII {
		s.opts.MessageFilter = &extensions.PIIRedactor{}
	}
	s.opts = s.opts.Normalize()
	return nil
}

func (s *service) initRepository(ctx context.Context) error {
	if uri := strings.TrimSpace(s.config.MongoURI); uri != "" {
		repo, err := store.NewMongoRepository(ctx, store.MongoConfig{
			URI:      uri,
			Database: s.config.MongoDatabase,
		})
		if err != nil {
			return err
		}
		s.repo = repo
		s.backends["mongo"] = repo
		slog.Info("Using MongoDB assistant catalog", "database", s.config.MongoDatabase)
		return nil
	}

	if s.config.CatalogPath == "" {
		return errors.New("either a mongo uri or a catalog path is required")
	}
	repo, err := store.NewFileRepository(s.config.CatalogPath)
	if err != nil {
		return err
	}
	s.repo = repo
	if s.config.WatchCatalog {
		// The watcher lives until Close, not until ctx ends.
		if err := repo.Watch(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	slog.Info("Using file assistant catalog", "path", s.config.CatalogPath, "watch", s.config.WatchCatalog)
	return nil
}

func (s *service) initAnalytics(context.Context) error {
	if strings.TrimSpace(s.config.Influx.URL) == "" {
		return nil
	}
	rec, err := analytics.NewInfluxRecorder(s.config.Influx)
	if err != nil {
		return err
	}
	s.recorder = rec
	slog.Info("Prediction analytics enabled", "url", s.config.Influx.URL, "bucket", s.config.Influx.Bucket)
	return nil
}

func (s *service) initChatService(context.Context) error {
	clf, err := s.newClassifier()
	if err != nil {
		return err
	}

	injector, err := aiservice.NewContentInjector(s.config.InjectorTemplate)
	if err != nil {
		return err
	}

	s.svc, err = services.NewChatBotService(services.Dependencies{
		Repository: s.repo,
		Models:     llm.NewRuntimeFactory(),
		AIServices: aiservice.NewFactory(injector),
		Retrievers: retrieval.NewFactory(),
		Classifier: clf,
	}, services.Config{
		DefaultSystemMessage: s.config.DefaultSystemMessage,
		DocumentMaxResults:   s.config.DocumentMaxResults,
		DocumentMinScore:     s.config.DocumentMinScore,
		DocumentEmbedding:    s.config.DocumentEmbedding,
	})
	return err
}

func (s *service) newClassifier() (classifier.Classifier, error) {
	if strings.TrimSpace(s.config.ClassifierURL) == "" {
		slog.Warn("Classifier URL not configured; every prediction will use the fallback")
	}

	opts := []classifier.Option{classifier.WithRecorder(s.recorder)}
	if s.config.ClassifierCacheTTL > 0 {
		storage := badger.InMemoryConfig()
		if s.config.ClassifierCacheDir != "" {
			storage = badger.DefaultConfig(s.config.ClassifierCacheDir)
		}
		storage.Logger = slog.Default()

		cache, err := badger.OpenCache(badger.CacheOptions{
			Storage:   storage,
			Namespace: "prediction",
			TTL:       s.config.ClassifierCacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("open prediction cache: %w", err)
		}
		s.cache = cache
		opts = append(opts, classifier.WithCache(cache))
	}

	c := classifier.New(classifier.Config{
		URL:     s.config.ClassifierURL,
		Timeout: s.config.ClassifierTimeout,
	}, opts...)
	s.breakers["classifier"] = c
	return c, nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(s.config.ServiceName))

	routes.SetupRoutes(s.router, s.svc, routes.Options{
		Version:    s.config.Version,
		Extensions: s.opts,
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMinute: s.config.RateLimitPerMinute,
			Burst:             s.config.RateLimitBurst,
		}),
		Backends: s.backends,
		Breakers: s.breakers,
		Chat: handlers.ChatHandlerConfig{
			HeartbeatInterval: s.config.HeartbeatInterval,
			MaxUploadBytes:    s.config.MaxUploadBytes,
		},
	})
}

var _ Service = (*service)(nil)
