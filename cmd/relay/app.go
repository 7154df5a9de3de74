package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/relay/internal/attachments"
	"github.com/haasonsaas/relay/internal/channels/discord"
	"github.com/haasonsaas/relay/internal/completion"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/credentials"
	"github.com/haasonsaas/relay/internal/delivery"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers/anthropic"
	"github.com/haasonsaas/relay/internal/providers/openai"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tokens"
)

const (
	// drainTimeout is how long running exchanges may finish after a
	// shutdown signal before they are cancelled.
	drainTimeout = 30 * time.Second

	tracerName = "github.com/haasonsaas/relay"
)

// app holds the wired components of a running bot.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	metrics    *observability.Metrics

	rotator  *credentials.Rotator
	adapter  *discord.Adapter
	registry *sessions.Registry
	handler  *gateway.Handler
}

// newApp wires every component from cfg. Nothing connects yet.
func newApp(cfg *config.Config, configPath string, logger *slog.Logger, metrics *observability.Metrics) (*app, error) {
	store := config.NewStore(configPath, cfg.Provider.KeysFile)
	rotator := credentials.NewRotator(cfg.Provider.Keys,
		credentials.WithPersister(store),
		credentials.WithObserver(metrics),
		credentials.WithLogger(logger),
	)
	metrics.SetPoolSize(rotator.Len())

	transport, err := newTransport(cfg.Provider)
	if err != nil {
		return nil, err
	}
	counter, err := tokens.New(cfg.Completion.LengthUnit, cfg.Completion.Encoding)
	if err != nil {
		return nil, fmt.Errorf("length counter: %w", err)
	}
	tracer := otel.Tracer(tracerName)

	client := completion.NewClient(transport, rotator, completion.Config{
		Model:            cfg.Provider.Model,
		SystemMessage:    cfg.Completion.SystemMessage,
		MaxTokens:        cfg.Provider.MaxTokens,
		ShapeRatio:       cfg.Completion.ShapeRatio,
		MinOutputTokens:  cfg.Completion.MinOutputTokens,
		Temperature:      cfg.Provider.Temperature,
		TopP:             cfg.Provider.TopP,
		FrequencyPenalty: cfg.Provider.FrequencyPenalty,
		PresencePenalty:  cfg.Provider.PresencePenalty,
		Stream:           cfg.Provider.Stream,
		AttemptTimeout:   cfg.Provider.AttemptTimeout,
		MaxAttempts:      cfg.Provider.MaxAttempts,
	},
		completion.WithCounter(counter),
		completion.WithMetrics(metrics),
		completion.WithTracer(tracer),
		completion.WithLogger(logger),
	)

	adapter, err := discord.NewAdapter(discord.Config{
		Token:    cfg.Discord.Token,
		ClientID: cfg.Discord.ClientID,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("discord adapter: %w", err)
	}

	historyOpts := []history.Option{
		history.WithCounter(counter),
		history.WithLogger(logger),
	}
	if cfg.Attachments.Enabled {
		extractor, err := attachments.New(attachments.Config{
			MaxSize:   cfg.Attachments.MaxSize,
			CacheSize: cfg.Attachments.CacheSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		historyOpts = append(historyOpts, history.WithExtractor(extractor))
	}
	builder := history.NewBuilder(adapter, adapter, historyOpts...)

	coordinator := delivery.NewCoordinator(delivery.Options{
		MaxInlineLength: cfg.Delivery.MaxInlineLength,
		AttachmentName:  cfg.Delivery.AttachmentName,
		MinEditInterval: cfg.Delivery.MinEditInterval,
		Metrics:         metrics,
		Logger:          logger,
	})

	registry := sessions.NewRegistry()
	handler, err := gateway.New(gateway.Config{
		Chat:           adapter,
		History:        builder,
		Completer:      client,
		Deliverer:      coordinator,
		Registry:       registry,
		HistoryBudget:  cfg.Completion.HistoryBudget,
		TypingInterval: cfg.Discord.TypingInterval,
		FailureMessage: cfg.Completion.FailureMessage,
		MaxConcurrent:  cfg.Discord.MaxConcurrent,
		Metrics:        metrics,
		Tracer:         tracer,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		metrics:    metrics,
		rotator:    rotator,
		adapter:    adapter,
		registry:   registry,
		handler:    handler,
	}, nil
}

func newTransport(p config.ProviderConfig) (completion.Transport, error) {
	switch p.Name {
	case "openai":
		return openai.New(openai.Config{BaseURL: p.BaseURL}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{BaseURL: p.BaseURL}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p.Name)
	}
}

// run connects to Discord and blocks until ctx is done or a background
// task fails, then drains running exchanges.
func (a *app) run(ctx context.Context) error {
	if err := a.adapter.Start(ctx, a.handler); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Observability.MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.httpHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	files := []string{a.configPath}
	if a.cfg.Provider.KeysFile != "" {
		files = append(files, a.cfg.Provider.KeysFile)
	}
	watcher := &config.Watcher{Files: files, OnChange: a.reloadKeys, Logger: a.logger}
	g.Go(func() error {
		return watcher.Run(gctx)
	})

	err := g.Wait()
	a.shutdown()
	return err
}

// shutdown stops new events, lets running exchanges finish for a while and
// cancels whatever is left.
func (a *app) shutdown() {
	if err := a.adapter.Stop(); err != nil {
		a.logger.Warn("discord adapter stop failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.handler.Wait(ctx); err != nil {
		a.logger.Warn("exchanges still running after drain timeout, cancelling", "running", a.registry.Len())
	}
	a.handler.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.handler.Wait(ctx); err != nil {
		a.logger.Warn("exchanges did not stop after cancellation", "error", err)
	}
}

// reloadKeys adopts key pool edits made outside the process.
func (a *app) reloadKeys() {
	cfg, err := config.Read(a.configPath)
	if err != nil {
		a.logger.Warn("config reload failed, keeping current keys", "error", err)
		return
	}
	a.rotator.Reload(cfg.Provider.Keys)
	a.metrics.SetPoolSize(a.rotator.Len())
}

func (a *app) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
