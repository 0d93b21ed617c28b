// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Akili relay HTTP server.
//
// This is the main entry point for the containerized service. It reads
// configuration from environment variables only; no YAML file is read.
//
// # Environment Variables
//
//   - AKILI_PORT: HTTP server port (default: 4000)
//   - AKILI_DATABASE_URL: Postgres URL or SQLite path (default: akili.db)
//   - AKILI_DATABASE_DRIVER: postgres or sqlite (inferred from the URL)
//   - LLM_BACKEND_TYPE: ollama, openai or canned (default: ollama)
//   - OLLAMA_BASE_URL, OLLAMA_MODEL: Ollama endpoint and model
//   - OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL: OpenAI-compatible backend
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector; enables tracing
//   - AKILI_LOG_LEVEL, AKILI_LOG_FORMAT: logging (default: info, auto)
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	AKILI_DATABASE_URL=postgres://akili@db/akili ./orchestrator
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/akili/pkg/config"
	"github.com/AleutianAI/akili/pkg/logging"
	"github.com/AleutianAI/akili/services/orchestrator"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig("orchestrator"))
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting orchestrator",
		"port", cfg.Server.Port,
		"llm_backend", cfg.LLM.Backend,
		"database_driver", cfg.Database.Driver,
		"trace_exporter", cfg.Telemetry.Exporter,
	)

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		slog.Error("Orchestrator error", "error", err)
		stop()
		_ = logger.Close()
		os.Exit(1)
	}
}
