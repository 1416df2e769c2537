// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/streamflux/auth"
	"github.com/absmach/streamflux/config"
	"github.com/absmach/streamflux/connection"
	"github.com/absmach/streamflux/consumer"
	"github.com/absmach/streamflux/dispatch"
	"github.com/absmach/streamflux/entitlements"
	"github.com/absmach/streamflux/ratelimit"
	"github.com/absmach/streamflux/server/health"
	"github.com/absmach/streamflux/server/otel"
	"github.com/absmach/streamflux/server/sse"
	"github.com/absmach/streamflux/server/websocket"
	"github.com/absmach/streamflux/subscription"
	"github.com/absmach/streamflux/topics"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting streaming server", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"ws_addr", cfg.WebSocket.Address,
		"sse_addr", cfg.SSE.Address,
		"kafka_brokers", cfg.Kafka.Brokers,
		"topics", len(cfg.Topics),
		"log_level", cfg.Log.Level)

	// Initialize OpenTelemetry
	instanceID := uuid.NewString()
	shutdownOtel, err := otel.InitProvider(cfg.Otel, instanceID)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown error", "error", err)
		}
	}()

	var metrics *otel.Metrics
	if cfg.Otel.MetricsEnabled {
		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
	}

	// Topic catalog
	catalog, err := topics.NewRegistry(cfg.Topics)
	if err != nil {
		slog.Error("Invalid topic configuration", "error", err)
		os.Exit(1)
	}

	// Upstream clients
	authClient := auth.NewClient(cfg.Auth, logger)
	entClient := entitlements.NewClient(cfg.Entitlements.Config, logger)
	gate := connection.NewGate(entClient, cfg.Entitlements.Gate, logger)

	// Core state
	index := subscription.NewIndex()
	registry := connection.NewRegistry(cfg.Connection, authClient, gate, index, catalog, metrics, logger)
	registry.Start()

	limits := ratelimit.NewManager(cfg.RateLimit)
	defer limits.Stop()

	// Dispatcher
	dispatcher := dispatch.NewDispatcher(cfg.Dispatch, index, registry, metrics, logger)
	dispatcher.Start()

	// Kafka consumer pool
	subscriber, err := consumer.NewKafkaSubscriber(cfg.Kafka, logger)
	if err != nil {
		slog.Error("Failed to create Kafka subscriber", "error", err)
		os.Exit(1)
	}
	defer subscriber.Close()

	pool := consumer.NewPool(cfg.Kafka, subscriber, catalog, dispatcher.Dispatch, metrics, logger)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	// Start WebSocket server
	wsServer := websocket.New(cfg.WebSocket, registry, catalog, limits, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	// Start SSE server
	sseServer := sse.New(cfg.SSE, registry, limits, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sseServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	// Start health check server
	healthServer := health.New(cfg.Health, registry, catalog, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()
	healthServer.SetReady(true)

	slog.Info("Streaming server started successfully", "instance_id", instanceID)

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Stop intake first, then flush connections, then the HTTP servers.
	healthServer.SetReady(false)
	pool.Stop()
	dispatcher.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	registry.Shutdown(drainCtx)
	drainCancel()

	cancel()
	wg.Wait()
	slog.Info("Streaming server stopped")
}
