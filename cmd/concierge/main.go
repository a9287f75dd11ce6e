package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	a2aapi "github.com/tjfontaine/cartpilot-concierge/internal/api/a2a"
	"github.com/tjfontaine/cartpilot-concierge/internal/adapters/events/direct"
	"github.com/tjfontaine/cartpilot-concierge/internal/codec"
	"github.com/tjfontaine/cartpilot-concierge/internal/conversation"
	"github.com/tjfontaine/cartpilot-concierge/internal/frontdoor/chat"
	"github.com/tjfontaine/cartpilot-concierge/internal/pkg/config"
	"github.com/tjfontaine/cartpilot-concierge/internal/pkg/safehttp"
	a2aprovider "github.com/tjfontaine/cartpilot-concierge/internal/provider/a2a"
	"github.com/tjfontaine/cartpilot-concierge/internal/server"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage/memory"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage/sqlite"
	"github.com/tjfontaine/cartpilot-concierge/internal/telemetry"
	"github.com/tjfontaine/cartpilot-concierge/internal/tokens"
	"github.com/tjfontaine/cartpilot-concierge/internal/turn"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.Options{ServiceName: cfg.Telemetry.ServiceName}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	publisher, err := direct.NewPublisher(store)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}

	client := a2aapi.NewClient(cfg.Agent.BaseURL,
		a2aapi.WithAPIKey(cfg.Agent.APIKey),
		a2aapi.WithCardPath(cfg.Agent.CardPath),
		a2aapi.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	)
	images := codec.NewImageFetcher(
		codec.WithImageHTTPClient(safehttp.NewClient(15*time.Second)),
		codec.WithMaxSize(cfg.Turn.MaxImageBytes),
	)
	provider := a2aprovider.New(client, store,
		a2aprovider.WithImageFetcher(images),
		a2aprovider.WithLogger(logger),
	)

	manager := conversation.NewManager(provider,
		conversation.WithLogger(logger),
		conversation.WithSessionStore(store),
		conversation.WithTurnOptions(
			turn.WithPublisher(publisher),
			turn.WithDeadline(cfg.Turn.Deadline),
			turn.WithTokenLimit(tokens.NewCounter(cfg.Turn.TokenEncoding), cfg.Turn.MaxInputTokens),
		),
	)

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger)
	limiter := server.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	chat.NewHandler(manager, provider, chat.WithLogger(logger)).Mount(srv.Router, limiter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("concierge started",
		slog.String("agent", client.BaseURL()),
		slog.String("storage", cfg.Storage.Type),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	case <-sigChan:
	}

	logger.Info("Shutdown signal received, stopping concierge...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("Concierge shutdown complete")
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
