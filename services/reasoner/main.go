// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/SitkaAI/SitkaReason/pkg/logging"
	"github.com/SitkaAI/SitkaReason/services/llm"
	"github.com/SitkaAI/SitkaReason/services/reasoner/cache"
	"github.com/SitkaAI/SitkaReason/services/reasoner/config"
	"github.com/SitkaAI/SitkaReason/services/reasoner/engine"
	"github.com/SitkaAI/SitkaReason/services/reasoner/events"
	"github.com/SitkaAI/SitkaReason/services/reasoner/observability"
	"github.com/SitkaAI/SitkaReason/services/reasoner/registry"
	"github.com/SitkaAI/SitkaReason/services/reasoner/routes"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		// No collector configured: run without exporting spans.
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("reasoner-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newGatewayClient builds the configured backend wrapped with the retry,
// rate-limit, and timeout policy.
func newGatewayClient(cfg *config.ServiceConfig, metrics *observability.ReasonerMetrics) (llm.Client, error) {
	var backend llm.Client
	var err error
	switch cfg.LLMBackend {
	case "ollama":
		backend, err = llm.NewOllamaClient()
	default:
		backend, err = llm.NewOpenAIClient()
	}
	if err != nil {
		return nil, err
	}

	opts := []llm.RetryOption{
		llm.WithRetryCallback(func(op string, _ int) {
			metrics.LLMRetriesTotal.WithLabelValues(op).Inc()
		}),
	}
	if cfg.LLMCallTimeoutSeconds > 0 {
		opts = append(opts, llm.WithCallTimeout(time.Duration(cfg.LLMCallTimeoutSeconds*float64(time.Second))))
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, llm.WithRateLimit(cfg.RateLimitRPS, burst))
	}
	return llm.NewRetryingClient(backend, opts...), nil
}

func main() {
	configPath := os.Getenv("REASONER_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "reasoner",
		JSON:    true,
	})
	logger.SetAsDefault()

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()
	sink := observability.NewPromSink(metrics)

	gateway, err := newGatewayClient(cfg, metrics)
	if err != nil {
		log.Fatalf("failed to initialize the LLM gateway: %v", err)
	}

	semanticCache := cache.New(gateway, cache.Options{
		Dim:                 cfg.RunDefaults.EmbeddingDim,
		SimilarityThreshold: cfg.RunDefaults.Cache.SimilarityThreshold,
		MaxEntries:          cfg.RunDefaults.Cache.MaxEntries,
		EmbedModel:          cfg.EmbedModel,
		Sink:                sink,
	})

	broadcaster := events.NewBroadcaster()
	eng := engine.NewEngine(gateway, semanticCache, engine.DefaultPrompts(), sink, broadcaster)
	reg := registry.New(eng, registry.Options{
		TerminalTTL:   cfg.TerminalTTL(),
		SweepInterval: cfg.Sweep(),
	})
	defer reg.Close()

	// Hot-reload of run defaults; service-level settings need a restart.
	provider := config.NewProvider(cfg.RunDefaults)
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if _, statErr := os.Stat(configPath); statErr == nil {
		go func() {
			if err := provider.Watch(watchCtx, configPath); err != nil {
				slog.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("reasoner-service"))
	routes.SetupRoutes(router, reg, provider, broadcaster)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Reasoner service listening", "port", cfg.Port, "backend", cfg.LLMBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down reasoner service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
}
