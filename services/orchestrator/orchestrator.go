// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the Akili relay service.
//
// This package wires the components of the service together: HTTP routing,
// the inference provider, the relay, the conversation store, scheduled
// maintenance and observability.
//
// # Lifecycle
//
//	New ──► tracer, metrics, database, provider, relay, router
//	 │
//	 ▼
//	Run(ctx) ──► HTTP server ─┐
//	         ──► maintenance  ├─ errgroup; ctx cancel starts graceful shutdown
//	         ──► instruction  ┘  file watcher
//	 │
//	 ▼
//	Close ──► scheduler, tracer flush, database
//
// # Usage
//
//	cfg, err := config.Load("akili.yaml")
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	err = svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/AleutianAI/akili/pkg/config"
	"github.com/AleutianAI/akili/services/llm"
	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/AleutianAI/akili/services/orchestrator/handlers"
	"github.com/AleutianAI/akili/services/orchestrator/maintenance"
	"github.com/AleutianAI/akili/services/orchestrator/middleware"
	"github.com/AleutianAI/akili/services/orchestrator/observability"
	"github.com/AleutianAI/akili/services/orchestrator/routes"
	"github.com/AleutianAI/akili/services/relay"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Close is idempotent.
type Service interface {
	// Run starts the HTTP server and background workers and blocks until
	// ctx is cancelled or a worker fails.
	//
	// # Description
	//
	// On cancellation the server stops accepting connections and waits up
	// to server.shutdown_grace for in-flight relay sessions to finish and
	// commit. Close is called before Run returns.
	//
	// # Outputs
	//
	//   - error: nil on clean shutdown, otherwise the first worker error.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine

	// Close releases the database, flushes traces and stops the scheduler.
	Close() error
}

// Options overrides parts of the assembly. A nil *Options uses the
// configured implementations.
type Options struct {
	// Provider replaces the provider built from cfg.LLM.
	Provider llm.Provider
	// Registry receives the metrics instead of a fresh registry.
	Registry *prometheus.Registry
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config        config.Config
	router        *gin.Engine
	db            *gorm.DB
	store         *conversation.GormStore
	relay         *relay.Relay
	instructions  *relay.InstructionSource
	scheduler     *maintenance.Scheduler
	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// New builds the service from cfg.
//
// # Description
//
// Opens and migrates the database, constructs the provider and relay,
// registers metrics and routes. Nothing listens until Run.
//
// # Inputs
//
//   - cfg: Validated configuration (see config.Load).
//   - opts: Optional overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any component fails to initialize. Components
//     already created are released.
func New(cfg config.Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &service{config: cfg}

	cleanup, err := initTracer(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.RelayMetrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.MetricsEnabled {
		reg := opts.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		metrics = observability.NewRelayMetrics(reg)
		gatherer = reg
		slog.Info("Initialized Prometheus metrics for the relay")
	}

	s.db, err = conversation.OpenDB(cfg.DBConfig())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	s.store = conversation.NewGormStore(s.db)

	provider := opts.Provider
	if provider == nil {
		provider, err = llm.NewProvider(cfg.ProviderConfig())
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize LLM provider: %w", err)
		}
	}
	slog.Info("Using LLM backend", "backend", provider.Name(), "model", cfg.LLM.Model)

	var instructions relay.Instructions = relay.StaticInstructions(cfg.Relay.SystemInstruction)
	if path := cfg.Relay.SystemInstructionFile; path != "" {
		s.instructions, err = relay.NewInstructionSource(path, cfg.Relay.SystemInstruction)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to load system instruction: %w", err)
		}
		instructions = s.instructions
	}

	s.relay = relay.New(provider, s.store, instructions, metrics, cfg.RelayConfig())

	runner := maintenance.NewRunner(s.store, cfg.Maintenance.EmptyGrace, metrics)
	if cfg.Maintenance.Enabled {
		s.scheduler, err = maintenance.NewScheduler(runner, maintenance.SchedulerConfig{
			Cron:       cfg.Maintenance.Cron,
			RunOnStart: cfg.Maintenance.RunOnStart,
		})
		if err != nil {
			s.cleanup()
			return nil, err
		}
	}

	s.initRouter(routes.Dependencies{
		Relay:       handlers.NewRelayHandler(s.relay, s.store),
		Store:       s.store,
		Maintenance: runner,
		Gatherer:    gatherer,
	})
	return s, nil
}

func (s *service) initRouter(deps routes.Dependencies) {
	if mode := s.config.Server.GinMode; mode != "" {
		gin.SetMode(mode)
	}
	serviceName := s.config.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "akili-orchestrator"
	}

	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(serviceName),
		middleware.RequestLogger(slog.Default(), "/health", "/metrics"),
	)
	routes.SetupRoutes(s.router, deps)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting orchestrator server", "port", s.config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		grace := s.config.Server.ShutdownGrace
		if grace <= 0 {
			grace = 15 * time.Second
		}
		slog.Info("Shutting down orchestrator server", "grace", grace)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Graceful shutdown incomplete, closing connections", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	if s.instructions != nil {
		g.Go(func() error {
			if err := s.instructions.Watch(gctx); err != nil {
				slog.Warn("System instruction hot reload disabled", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		slog.Error("Orchestrator stopped with error", "error", err)
	} else {
		slog.Info("Orchestrator stopped")
	}
	return err
}

func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

func (s *service) cleanup() error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("get database handle: %w", err)
		}
		if err := sqlDB.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	return nil
}
