// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianGate/pkg/logging"
	"github.com/AleutianAI/AleutianGate/services/gateway"
	"github.com/AleutianAI/AleutianGate/services/gateway/pipeline"
	"github.com/AleutianAI/AleutianGate/services/gateway/retriever"
	"github.com/AleutianAI/AleutianGate/services/gateway/telemetry"
	"github.com/spf13/cobra"
)

// serveOptions are the settings exposed as flags; everything else comes
// from the environment only.
type serveOptions struct {
	port        int
	llmBackend  string
	store       string
	storeURL    string
	weaviateURL string
	auditSink   string
	auditPath   string
	topK        int
	maxInFlight int64
	logLevel    string
	logFormat   string
	logDir      string
}

func newServeCmd() *cobra.Command {
	return newServeCmdWith(&serveOptions{})
}

// newServeCmdWith binds the serve flags to opts.
func newServeCmdWith(opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.port, "port", getEnvInt("GATEWAY_PORT", 12310), "HTTP port")
	f.StringVar(&opts.llmBackend, "llm-backend", getEnvString("LLM_BACKEND_TYPE", "ollama"), "LLM backend: openai, ollama, claude, local")
	f.StringVar(&opts.store, "store", getEnvString("DOCUMENT_STORE", gateway.StoreHTTP), "document store: http or weaviate")
	f.StringVar(&opts.storeURL, "store-url", os.Getenv("DOCUMENT_STORE_URL"), "HTTP document store base URL")
	f.StringVar(&opts.weaviateURL, "weaviate-url", os.Getenv("WEAVIATE_SERVICE_URL"), "Weaviate URL")
	f.StringVar(&opts.auditSink, "audit-sink", getEnvString("AUDIT_SINK", gateway.AuditSinkLog), "audit sink: log or badger")
	f.StringVar(&opts.auditPath, "audit-path", getEnvString("AUDIT_BADGER_PATH", "/var/lib/aleutian/audit"), "badger audit directory")
	f.IntVar(&opts.topK, "top-k", getEnvInt("RETRIEVAL_TOP_K", retriever.DefaultTopK), "contexts requested per question")
	f.Int64Var(&opts.maxInFlight, "max-in-flight", int64(getEnvInt("MAX_IN_FLIGHT", 64)), "concurrent /v1/ask requests; negative disables the limit")
	f.StringVar(&opts.logLevel, "log-level", getEnvString("LOG_LEVEL", "info"), "debug, info, warn, error")
	f.StringVar(&opts.logFormat, "log-format", getEnvString("LOG_FORMAT", string(logging.FormatAuto)), "auto, json, text")
	f.StringVar(&opts.logDir, "log-dir", os.Getenv("LOG_DIR"), "optional directory for daily JSON log files")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  opts.logDir,
		Service: "gateway",
		Format:  logging.Format(opts.logFormat),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	secret, err := readSecretEnv("JWT_HS256_SECRET", "JWT_HS256_SECRET_FILE")
	if err != nil {
		return err
	}

	cfg := buildConfig(opts, secret)
	cfg.Logger = logger.Slog()

	slog.Info("Starting gateway",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"document_store", cfg.DocumentStore,
		"audit_sink", cfg.AuditSink,
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := gateway.New(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return svc.Run(ctx)
}

// telemetryConfig overlays the OTEL_* environment on the telemetry defaults.
// A sampler argument outside [0,1] is ignored.
func telemetryConfig() telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.Environment = getEnvString("ALEUTIAN_ENV", tel.Environment)
	tel.TraceExporter = getEnvString("OTEL_TRACES_EXPORTER", tel.TraceExporter)
	tel.MetricExporter = getEnvString("OTEL_METRICS_EXPORTER", tel.MetricExporter)
	tel.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", tel.OTLPEndpoint)
	if rate := getEnvFloat("OTEL_TRACES_SAMPLER_ARG", tel.SampleRate); rate >= 0 && rate <= 1 {
		tel.SampleRate = rate
	}
	return tel
}

// buildConfig merges flag values with environment-only settings.
func buildConfig(opts *serveOptions, secret string) gateway.Config {
	tel := telemetryConfig()

	return gateway.Config{
		Port:             opts.port,
		LLMBackend:       opts.llmBackend,
		LLMRateLimitRPS:  getEnvFloat("LLM_RATE_LIMIT_RPS", 0),
		LLMRateBurst:     getEnvInt("LLM_RATE_BURST", 1),
		DocumentStore:    opts.store,
		DocumentStoreURL: opts.storeURL,
		WeaviateURL:      opts.weaviateURL,
		WeaviateClass:    getEnvString("WEAVIATE_CLASS", retriever.DefaultWeaviateClass),
		JWTSecret:        secret,
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		JWTAudience:      os.Getenv("JWT_AUDIENCE"),
		AuditSink:        opts.auditSink,
		AuditBadgerPath:  opts.auditPath,
		AuditQueueSize:   getEnvInt("AUDIT_QUEUE_SIZE", 1024),
		TopK:             opts.topK,
		MaxInFlight:      opts.maxInFlight,
		Timeouts: pipeline.Timeouts{
			Authenticate: getEnvDuration("STAGE_TIMEOUT_AUTHENTICATE", 0),
			Retrieve:     getEnvDuration("STAGE_TIMEOUT_RETRIEVE", 0),
			Rerank:       getEnvDuration("STAGE_TIMEOUT_RERANK", 0),
			Answer:       getEnvDuration("STAGE_TIMEOUT_ANSWER", 0),
			Verify:       getEnvDuration("STAGE_TIMEOUT_VERIFY", 0),
		},
		Telemetry:       tel,
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 0),
	}
}
