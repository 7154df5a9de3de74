package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
func runServe(ctx context.Context, configPath string, debug bool) error {
	written, err := config.WriteDefault(configPath, false)
	if err != nil {
		return err
	}
	if written {
		slog.Info("default config written", "path", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger, closer := observability.NewLogger(observability.LogConfig{
		Level:      level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.Model,
		"keys", len(cfg.Provider.Keys),
		"debug", debug,
	)
	if len(cfg.Provider.Keys) == 0 {
		logger.Warn("provider key pool is empty; replies will fail until keys are added")
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		Insecure:       cfg.Observability.Tracing.Insecure,
		SampleRatio:    cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	a, err := newApp(cfg, configPath, logger, observability.NewMetrics())
	if err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	if err := a.run(ctx); err != nil {
		return err
	}
	logger.Info("relay stopped gracefully")
	return nil
}
