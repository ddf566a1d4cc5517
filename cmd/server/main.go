package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/config"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/metrics"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/mount"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/relay"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/server"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/upstream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "rtsp-dynamic-relay"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("root_url", cfg.Server.RootURL),
		slog.String("mount_strategy", cfg.Mounts.Strategy),
		slog.Int("static_mounts", len(cfg.Mounts.Static)),
		slog.Int("idle_timeout", cfg.Relay.IdleTimeout),
		slog.Int("max_retries", cfg.Relay.MaxRetries),
		slog.Int("viewer_queue_capacity", cfg.Relay.ViewerQueueCapacity),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	promRegistry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics(promRegistry)
	logger.Info("Prometheus metrics initialized")

	// Build the mount registry from configuration
	registry, err := buildRegistry(cfg.Mounts)
	if err != nil {
		logger.Error("Failed to build mount registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Mount registry initialized",
		slog.String("strategy", cfg.Mounts.Strategy),
		slog.Int("static_mounts", len(cfg.Mounts.Static)),
	)

	// Initialize the upstream dialer
	dialer := &upstream.RTSPDialer{
		ReadTimeout:  cfg.Upstream.GetReadTimeoutDuration(),
		WriteTimeout: cfg.Upstream.GetWriteTimeoutDuration(),
		SampleQueue:  cfg.Upstream.SampleQueue,
	}

	// Initialize the relay session manager
	relayConfig := relay.Config{
		IdleTimeout:             cfg.Relay.GetIdleTimeoutDuration(),
		MaxRetries:              cfg.Relay.MaxRetries,
		RetryBaseDelay:          cfg.Relay.GetRetryBaseDelayDuration(),
		RetryMaxDelay:           cfg.Relay.GetRetryMaxDelayDuration(),
		ViewerQueueCapacity:     cfg.Relay.ViewerQueueCapacity,
		ViewerOverflowThreshold: cfg.Relay.ViewerOverflowThreshold,
		OverflowWindow:          cfg.Relay.GetOverflowWindowDuration(),
	}
	relayMgr := relay.NewManager(relayConfig, registry, dialer, logger,
		relay.WithMetrics(appMetrics))
	logger.Info("Relay session manager initialized",
		slog.Duration("idle_timeout", relayConfig.IdleTimeout),
		slog.Int("max_retries", relayConfig.MaxRetries),
	)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, registry, relayMgr, appMetrics, promRegistry)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("root_url", cfg.Server.RootURL),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the relay manager (close sessions and upstream connections)
	relayMgr.Stop()

	logger.Info("Service stopped")
}

// buildRegistry creates the mount registry from the mounts configuration
func buildRegistry(cfg config.MountsConfig) (*mount.Registry, error) {
	var fallback mount.Resolver
	if cfg.Strategy == "template" {
		fallback = &mount.TemplateResolver{Template: cfg.SourceTemplate}
	}

	registry := mount.NewRegistry(fallback)
	for _, sm := range cfg.Static {
		m := mount.Mount{
			Path:    sm.Path,
			Name:    sm.Path,
			Locator: sm.Source,
		}
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("static mount %q: %w", sm.Path, err)
		}
	}
	return registry, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
