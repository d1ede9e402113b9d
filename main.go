package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"paperscope/internal/app"
	"paperscope/internal/config"
	"paperscope/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("paperscope exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Warn("failed to close dependencies", "error", err)
		}
	}()

	a, err := app.New(cfg, deps)
	if err != nil {
		return err
	}

	log.Info("paperscope started",
		"api", cfg.EnableAPI,
		"worker", cfg.EnableWorker,
		"workers", cfg.Workers(),
		"queue", cfg.QueueBackend,
		"vector_store", cfg.VectorBackend,
		"embedding_provider", cfg.EmbeddingProvider,
	)
	return a.Run(ctx)
}
