// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway runs the governed-answer gateway and inspects its access
// policy.
//
// # Environment Variables
//
//   - GATEWAY_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: openai, ollama, claude, local (default: ollama)
//   - DOCUMENT_STORE: http or weaviate (default: http)
//   - DOCUMENT_STORE_URL: base URL of the HTTP search service
//   - WEAVIATE_SERVICE_URL, WEAVIATE_CLASS: Weaviate store settings
//   - JWT_HS256_SECRET or JWT_HS256_SECRET_FILE, JWT_ISSUER, JWT_AUDIENCE
//   - AUDIT_SINK: log or badger (default: log); AUDIT_BADGER_PATH
//   - RETRIEVAL_TOP_K, MAX_IN_FLIGHT, LLM_RATE_LIMIT_RPS, LLM_RATE_BURST
//   - STAGE_TIMEOUT_{AUTHENTICATE,RETRIEVE,RERANK,ANSWER,VERIFY}: Go durations
//   - OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT
//   - LOG_LEVEL, LOG_FORMAT, LOG_DIR
//
// # Usage
//
//	gateway serve --port 12310 --store weaviate
//	gateway policy verify
//	gateway policy derive --claims alice.json
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	CLIExitSuccess = 0
	CLIExitError   = 2
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Governed-answer gateway for retrieval-augmented generation",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd(), newPolicyCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(CLIExitError)
	}
}
