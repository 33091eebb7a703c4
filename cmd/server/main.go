package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/utafrali/EcommerceGo/warehouse/internal/app"
	"github.com/utafrali/EcommerceGo/warehouse/internal/config"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

func main() {
	// Load configuration from environment variables.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize structured logger.
	log := logger.New("warehouse-service", cfg.LogLevel)
	log.Info("starting warehouse service",
		slog.String("environment", cfg.Environment),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("storage", cfg.StorageDriver),
		slog.Duration("lock_ttl", cfg.LockTTL()),
		slog.Int("lock_max_retries", cfg.LockMaxRetries),
		slog.Duration("sweep_interval", cfg.SweepInterval()),
		slog.Int("sweep_batch_size", cfg.SweepBatchSize),
		slog.Bool("redis_enabled", cfg.RedisEnabled),
		slog.Bool("kafka_enabled", cfg.KafkaEnabled),
		slog.Bool("shipping_quotes", cfg.ShippingServiceURL != ""),
	)
	if cfg.StorageDriver == config.StorageMemory && cfg.MemorySeedFile == "" {
		log.Warn("memory storage without MEMORY_SEED_FILE starts with no stock")
	}

	// Create the application with all dependencies wired.
	application, err := app.NewApp(cfg, log)
	if err != nil {
		log.Error("failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Create a context that is canceled on SIGINT or SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Run the application. This blocks until shutdown.
	if err := application.Run(ctx); err != nil {
		log.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("warehouse service stopped")
}
