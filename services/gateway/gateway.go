// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway wires the governed-answer pipeline into an HTTP service.
//
// # Components
//
//	JWTProvider ─► PolicyEngine ─► Retriever ─► Reranker ─► Answerer ─► Verifier
//	     │               │             │                                   │
//	     └───────────────┴─── audit.Dispatcher (slog | badger) ◄───────────┘
//
// The reranker, answerer and verifier share one LLM client, optionally
// wrapped in a rate limiter. The document store is either the HTTP search
// service or Weaviate.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/services/gateway/answerer"
	"github.com/AleutianAI/AleutianGate/services/gateway/audit"
	"github.com/AleutianAI/AleutianGate/services/gateway/auth"
	"github.com/AleutianAI/AleutianGate/services/gateway/observability"
	"github.com/AleutianAI/AleutianGate/services/gateway/pipeline"
	"github.com/AleutianAI/AleutianGate/services/gateway/reranker"
	"github.com/AleutianAI/AleutianGate/services/gateway/retriever"
	"github.com/AleutianAI/AleutianGate/services/gateway/routes"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
	"github.com/AleutianAI/AleutianGate/services/gateway/verifier"
	"github.com/AleutianAI/AleutianGate/services/llm"
	"github.com/AleutianAI/AleutianGate/services/policy_engine"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
)

// Document store kinds.
const (
	StoreHTTP     = "http"
	StoreWeaviate = "weaviate"
)

// Audit sink kinds.
const (
	AuditSinkLog    = "log"
	AuditSinkBadger = "badger"
	AuditSinkMemory = "memory"
)

// Config holds the service settings. Zero values take defaults in New.
type Config struct {
	Port int

	// LLMBackend is one of llm.BackendOpenAI, BackendOllama, BackendClaude,
	// BackendLocal. Ignored when LLMClient is set.
	LLMBackend string
	LLMClient  llm.LLMClient

	// LLMRateLimitRPS bounds generative calls per second across all stages.
	// Zero disables the limiter.
	LLMRateLimitRPS float64
	LLMRateBurst    int

	DocumentStore    string
	DocumentStoreURL string
	WeaviateURL      string
	WeaviateClass    string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	AuditSink       string
	AuditBadgerPath string
	AuditQueueSize  int

	TopK        int
	Timeouts    pipeline.Timeouts
	MaxInFlight int64

	// Telemetry configures tracing and the OTel metrics bridge. A zero value
	// disables both.
	Telemetry telemetry.Config

	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Service is a runnable gateway.
type Service interface {
	// Run serves until ctx ends, then shuts down gracefully.
	Run(ctx context.Context) error

	// Router exposes the HTTP handler for in-process tests.
	Router() *gin.Engine

	// Close releases audit, tracing and store resources. Run calls it.
	Close(ctx context.Context) error
}

type service struct {
	config   Config
	logger   *slog.Logger
	router   *gin.Engine
	registry *prometheus.Registry
	metrics  *observability.GatewayMetrics
	pipeline *pipeline.Pipeline
	engine   *policy_engine.PolicyEngine
	audit    extensions.AuditLogger
	closers  []func(context.Context) error
}

// New builds every component of the gateway.
//
// # Description
//
// Construction order:
//  1. Registry, gateway metrics and OpenTelemetry providers
//  2. Audit dispatcher and its sink, unless opts supplies an AuditLogger
//  3. AuthProvider: opts, then JWTProvider from JWTSecret, else deny-all
//  4. Policy engine, document store, LLM client
//  5. Pipeline stages and the router
//
// On failure every component already opened is closed.
//
// # Inputs
//
//   - ctx: Bounds exporter setup only.
//   - cfg: Service configuration.
//   - opts: Extension overrides. May be nil.
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyDefaults(cfg)}
	s.logger = s.config.Logger

	var supplied extensions.ServiceOptions
	if opts != nil {
		supplied = *opts
	}

	if err := s.init(ctx, supplied); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := s.Close(closeCtx); cerr != nil {
			s.logger.Warn("cleanup after failed start", "error", cerr)
		}
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context, supplied extensions.ServiceOptions) error {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewGatewayMetrics(s.registry)

	shutdownTelemetry, err := telemetry.Init(ctx, s.config.Telemetry, s.registry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.closers = append(s.closers, shutdownTelemetry)

	if supplied.AuditLogger != nil {
		s.audit = supplied.AuditLogger
	} else if s.audit, err = s.initAudit(); err != nil {
		return fmt.Errorf("failed to initialize audit: %w", err)
	}

	authProvider, err := s.initAuth(supplied.AuthProvider)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	s.engine, err = policy_engine.NewPolicyEngine(
		policy_engine.WithAuditLogger(s.audit),
		policy_engine.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	s.logger.Info("access policy loaded",
		"version", s.engine.Version(),
		"fingerprint", s.engine.Fingerprint())

	store, err := s.initStore()
	if err != nil {
		return fmt.Errorf("failed to initialize document store: %w", err)
	}

	client, err := s.initLLMClient()
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	s.pipeline, err = pipeline.New(pipeline.Stages{
		Auth:   authProvider,
		Policy: s.engine,
		Retriever: retriever.New(store, retriever.Config{
			Metrics: s.metrics,
			Audit:   s.audit,
			Logger:  s.logger,
		}),
		Reranker: reranker.New(client, s.metrics, s.logger),
		Answerer: answerer.New(client, answerer.Config{Metrics: s.metrics, Logger: s.logger}),
		Verifier: verifier.New(client, verifier.Config{
			Metrics: s.metrics,
			Audit:   s.audit,
			Logger:  s.logger,
		}),
	}, pipeline.Config{
		TopK:     s.config.TopK,
		Timeouts: s.config.Timeouts,
		Metrics:  s.metrics,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.SetupRoutes(s.router, s.pipeline, s.registry, s.config.MaxInFlight)
	return nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. In-flight requests get ShutdownTimeout to finish.
func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting gateway server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("gateway server: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("Shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("graceful shutdown: %w", err)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Close(closeCtx))
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close runs the registered closers in reverse order. Safe to call twice.
func (s *service) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// applyDefaults fills in zero-valued configuration fields.
func applyDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = llm.BackendOllama
	}
	if cfg.DocumentStore == "" {
		cfg.DocumentStore = StoreHTTP
	}
	if cfg.WeaviateClass == "" {
		cfg.WeaviateClass = retriever.DefaultWeaviateClass
	}
	if cfg.AuditSink == "" {
		cfg.AuditSink = AuditSinkLog
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retriever.DefaultTopK
	}
	cfg.Timeouts = fillTimeouts(cfg.Timeouts)
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Telemetry.TraceExporter == "" {
		cfg.Telemetry.TraceExporter = "none"
	}
	if cfg.Telemetry.MetricExporter == "" {
		cfg.Telemetry.MetricExporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = routes.ServiceName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func fillTimeouts(t pipeline.Timeouts) pipeline.Timeouts {
	d := pipeline.DefaultTimeouts()
	for _, f := range []struct{ got, def *time.Duration }{
		{&t.Authenticate, &d.Authenticate},
		{&t.Retrieve, &d.Retrieve},
		{&t.Rerank, &d.Rerank},
		{&t.Answer, &d.Answer},
		{&t.Verify, &d.Verify},
	} {
		if *f.got <= 0 {
			*f.got = *f.def
		}
	}
	return t
}

func (s *service) initAudit() (extensions.AuditLogger, error) {
	var sink audit.Sink
	switch s.config.AuditSink {
	case AuditSinkLog:
		sink = audit.NewSlogSink(s.logger)
	case AuditSinkBadger, AuditSinkMemory:
		bcfg := audit.DefaultBadgerConfig(s.config.AuditBadgerPath)
		if s.config.AuditSink == AuditSinkMemory {
			bcfg = audit.InMemoryBadgerConfig()
		}
		bcfg.Logger = s.logger
		badgerSink, err := audit.OpenBadgerSink(bcfg)
		if err != nil {
			return nil, err
		}
		sink = badgerSink
	default:
		return nil, fmt.Errorf("unknown audit sink %q", s.config.AuditSink)
	}

	dispatcher := audit.NewDispatcher(sink, audit.DispatcherConfig{
		QueueSize: s.config.AuditQueueSize,
		Logger:    s.logger,
		OnDrop:    s.metrics.RecordAuditDrop,
	})
	s.closers = append(s.closers, dispatcher.Close)
	s.logger.Info("audit sink ready", "sink", s.config.AuditSink)
	return dispatcher, nil
}

func (s *service) initAuth(supplied extensions.AuthProvider) (extensions.AuthProvider, error) {
	if supplied != nil {
		return supplied, nil
	}
	if s.config.JWTSecret == "" {
		s.logger.Warn("no JWT secret configured, every request will be rejected")
		return &extensions.DenyAllAuthProvider{}, nil
	}
	return auth.NewJWTProvider(auth.Config{
		Secret:   []byte(s.config.JWTSecret),
		Issuer:   s.config.JWTIssuer,
		Audience: s.config.JWTAudience,
	})
}

func (s *service) initStore() (retriever.DocumentStore, error) {
	switch strings.ToLower(s.config.DocumentStore) {
	case StoreHTTP:
		return retriever.NewHTTPStore(s.config.DocumentStoreURL, s.config.Timeouts.Retrieve)
	case StoreWeaviate:
		return retriever.NewWeaviateStore(s.config.WeaviateURL, s.config.WeaviateClass)
	default:
		return nil, fmt.Errorf("unknown document store %q", s.config.DocumentStore)
	}
}

func (s *service) initLLMClient() (llm.LLMClient, error) {
	client := s.config.LLMClient
	backend := "custom"
	if client == nil {
		var err error
		client, err = llm.NewClientFromEnv(s.config.LLMBackend)
		if err != nil {
			return nil, err
		}
		backend = s.config.LLMBackend
		s.logger.Info("LLM client ready", "backend", backend)
	}

	metered, err := llm.NewMeteredClient(client, otel.Meter("aleutian.gateway.llm"), backend)
	if err != nil {
		return nil, err
	}
	return llm.NewRateLimitedClient(metered, llm.RateLimitConfig{
		RequestsPerSecond: s.config.LLMRateLimitRPS,
		BurstSize:         s.config.LLMRateBurst,
	}), nil
}
