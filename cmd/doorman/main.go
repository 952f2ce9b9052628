package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"doorman/internal/action"
	"doorman/internal/broadcast"
	"doorman/internal/config"
	"doorman/internal/debounce"
	"doorman/internal/intelligence"
	"doorman/internal/orchestrator"
	"doorman/internal/perception"
	"doorman/internal/pipeline"
	"doorman/internal/policy"
	"doorman/internal/server"
	"doorman/internal/storage"
	"doorman/internal/storage/memory"
	"doorman/internal/storage/sqlite"
	"doorman/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("doorman", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("DOORMAN_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		// Defaults are always usable; a broken file must not take the
		// door offline.
		logger.Warn("config load failed, continuing with defaults",
			slog.String("path", configPath),
			slog.String("error", err.Error()),
		)
	}

	var store storage.SessionStore
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
	default:
		store, err = sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			log.Fatalf("Failed to open session store: %v", err)
		}
	}
	defer store.Close()

	hub := broadcast.NewHub(logger)

	// The ML collaborators (vision, speech-to-text, generative replies,
	// speech synthesis) are deployment-specific; without them the
	// pipeline runs on its deterministic paths.
	perceiver := perception.New(nil, nil, logger)
	generator := intelligence.New(nil, logger)
	dispatcher := action.New(nil, nil, hub, logger)
	engine := policy.New(cfg.Policy)

	pipe := pipeline.New(perceiver, generator, engine, dispatcher, store, hub, cfg.Pipeline, logger)
	gate := pipeline.NewGate(cfg.Pipeline.MaxConcurrentSessions, cfg.Pipeline.SessionQueueCapacity)

	// The frame detector is deployment-specific like the other ML
	// collaborators; without one the debouncer still buffers previews
	// and persists nothing.
	debouncer, err := debounce.New(cfg.Debounce, nil, store, hub, logger)
	if err != nil {
		log.Fatalf("Failed to create debouncer: %v", err)
	}

	orch := orchestrator.New(gate, pipe, store, debouncer, hub, logger)

	srv := server.New(cfg.Server.Port, logger)
	server.NewHandler(orch, hub, logger).RegisterRoutes(srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("doorman started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("max_concurrent_sessions", cfg.Pipeline.MaxConcurrentSessions),
		slog.Bool("vacation_mode", cfg.Policy.VacationMode),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipelines still in flight at shutdown", slog.String("error", err.Error()))
	}

	logger.Info("doorman shutdown complete")
}
