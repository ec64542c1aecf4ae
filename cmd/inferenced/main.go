// Copyright (C) 2025 Dossier Labs (dev@dossierlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command inferenced starts the Dossier inference daemon: a bounded pool
// of model workers behind a priority queue, a result cache, admission
// control and a daily spend ledger.
//
// # Environment Variables
//
//   - INFERENCED_PORT: HTTP server port (default: 12310)
//   - INFERENCED_ENGINE: inference backend - ollama, openai (default: ollama)
//   - INFERENCED_MODEL: model reference every worker loads
//   - INFERENCED_LEDGER_PATH: BadgerDB directory for the spend ledger
//   - OLLAMA_BASE_URL: Ollama endpoint (default: http://localhost:11434)
//   - OPENAI_API_KEY: required when the backend is openai
//
// # Usage
//
//	# Build
//	go build -o inferenced ./cmd/inferenced
//
//	# Run with defaults
//	./inferenced
//
//	# Run with a config file
//	./inferenced -config /etc/dossier/inferenced.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/dossierlabs/dossier/pkg/logging"
	"github.com/dossierlabs/dossier/services/inference"
	"github.com/dossierlabs/dossier/services/inference/admission"
	"github.com/dossierlabs/dossier/services/inference/budget"
	"github.com/dossierlabs/dossier/services/inference/cache"
	"github.com/dossierlabs/dossier/services/inference/observability"
	"github.com/dossierlabs/dossier/services/llm"
)

const serviceName = "inferenced"

// initTracer installs a stdout trace exporter. Spans go to stdout in
// local deployments; a collector-backed exporter can replace this
// without touching instrumentation call sites.
func initTracer() (func(context.Context), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}, nil
}

func newEngine(cfg Config) (llm.Engine, error) {
	switch cfg.Engine.Backend {
	case "ollama":
		// Empty URL falls back to OLLAMA_BASE_URL inside the engine.
		return llm.NewOllamaEngine(cfg.Engine.OllamaURL)
	case "openai":
		return llm.NewOpenAIEngine()
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: serviceName,
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()
	slogger := logger.Slog()

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("FATAL: failed to set up tracer: %v", err)
	}
	defer cleanup(context.Background())

	store, err := budget.OpenStore(budget.DefaultStoreConfig(cfg.Budget.LedgerPath))
	if err != nil {
		log.Fatalf("FATAL: failed to open spend ledger: %v", err)
	}
	defer store.Close()

	ledger := budget.NewLedger(store, budget.Pricing{
		InputUSDPerMTok:  cfg.Budget.InputUSDPerMTok,
		OutputUSDPerMTok: cfg.Budget.OutputUSDPerMTok,
	}, cfg.Budget.DailyUSD, slogger)

	engine, err := newEngine(cfg)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize inference engine: %v", err)
	}

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 2*time.Minute)
	pool, err := inference.NewPool(loadCtx, engine, inference.PoolConfig{
		Workers:      cfg.Pool.Workers,
		ModelRef:     cfg.Engine.Model,
		LeaseTimeout: cfg.Pool.LeaseTimeout.Std(),
	}, slogger)
	cancelLoad()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	metrics := observability.NewPoolMetrics(prometheus.DefaultRegisterer)

	resultCache := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL.Std())
	scheduler := inference.NewScheduler(pool, resultCache, ledger, metrics, inference.SchedulerConfig{
		QueueCapacity:     cfg.Queue.Capacity,
		ResultGracePeriod: cfg.Queue.ResultGracePeriod.Std(),
	}, slogger)
	scheduler.Start()
	defer scheduler.Stop()

	controller := admission.NewController(admission.Config{
		HourlyPerCaller: cfg.Admission.HourlyPerCaller,
		DailyGlobal:     cfg.Admission.DailyGlobal,
		MaxConcurrent:   cfg.Admission.MaxConcurrent,
		MaxQueueDepth:   cfg.Admission.MaxQueueDepth,
		AcquireTimeout:  cfg.Admission.AcquireTimeout.Std(),
	}, ledger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"workers_loaded": pool.LoadedCount(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(admission.Middleware(controller, metrics, slogger))
	v1.GET("/pool/stats", func(c *gin.Context) {
		stats := scheduler.Stats()
		usage, err := ledger.Today(c.Request.Context())
		if err != nil {
			slogger.Warn("ledger read failed for stats", "error", err)
		}
		c.JSON(http.StatusOK, gin.H{
			"scheduler": stats,
			"admission": gin.H{"in_flight": controller.InFlight()},
			"spend":     usage,
		})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slogger.Info("inference daemon listening",
			"port", cfg.Port,
			"engine", cfg.Engine.Backend,
			"model", cfg.Engine.Model,
			"workers", pool.LoadedCount(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Error("server shutdown failed", "error", err)
	}
}
