package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/app"
	"github.com/lalithlochan/wabroadcast/internal/config"
	"github.com/lalithlochan/wabroadcast/internal/observ"
)

// worker runs the scheduler and sender without the HTTP API. It needs
// SQS_QUEUE_URL when a separate gateway creates the campaigns.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting broadcast worker",
		zap.String("env", cfg.Env),
		zap.Int("concurrency", cfg.SenderConcurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.RunPipeline(ctx); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	logger.Info("worker stopped gracefully")
	return nil
}
