package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/app"
	"github.com/sitegraph/backend/internal/metrics"
	"github.com/sitegraph/backend/pkg/config"
	appLogger "github.com/sitegraph/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Starting suggestion worker")

	metrics.Init()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	application, err := app.New(initCtx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer application.Close(context.Background())

	worker := application.Worker()
	if worker == nil {
		appLogger.Fatal("Task queue is disabled; set redis.enabled and queue.enabled")
	}

	// The worker exposes only metrics, one port above the API.
	metricsApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	metricsApp.Get("/metrics", metrics.MetricsHandler())
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1)
	go func() {
		if err := metricsApp.Listen(metricsAddr); err != nil {
			appLogger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	if err := worker.Run(ctx); err != nil {
		appLogger.Error("Worker stopped with error", zap.Error(err))
	}

	_ = metricsApp.ShutdownWithTimeout(5 * time.Second)
	appLogger.Info("Worker stopped")
}
