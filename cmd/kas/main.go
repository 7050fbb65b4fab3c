package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"kas/internal/cache"
	"kas/internal/cli"
	apphttp "kas/internal/http"
	"kas/internal/log"
	"kas/internal/metrics"
	"kas/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), log.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	store := cli.InitStore(context.Background(), logger, cfg)
	flushTraces := cli.SetupTracing(context.Background(), logger, cfg, "kas")

	// A typed-nil *amqp.Client must not end up in the interface.
	var publisher services.AllocationPublisher
	amqpClient := cli.InitAMQP(logger, cfg)
	if amqpClient != nil {
		publisher = amqpClient
	}

	m := metrics.New()
	engineCfg := services.DefaultEngineConfig()
	engineCfg.Concurrency = cfg.AllocationConcurrency
	engine := services.NewAllocationEngine(store, publisher, m, engineCfg)
	categories := services.NewCategoryService(store, m, cfg.CategoryCacheTTL)
	savings := services.NewSavingsService(store, publisher, m)

	svc := apphttp.Services{
		Transactions: services.NewTransactionService(store, engine, categories),
		Categories:   categories,
		Savings:      savings,
		Profiles:     services.NewProfileService(store, categories),
	}

	var outbox *services.OutboxProcessor
	if cfg.OutboxInProcess {
		outbox = services.NewOutboxProcessor(store, engine, savings, m, cli.OutboxConfig(cfg))
	}

	cacheManager := cache.NewManager()
	cacheManager.Register(categories.Cache())
	cacheManager.StartCleanup(5 * time.Minute)

	srv := apphttp.NewServer(apphttp.Config{
		Addr:               ":" + cfg.Port,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, svc, store, m, logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if outbox != nil {
			if err := outbox.Stop(shutdownCtx); err != nil {
				logger.Error("Outbox processor stop error", "error", err)
			}
		}
		if err := flushTraces(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
		cacheManager.Stop()
		if amqpClient != nil {
			if err := amqpClient.Close(); err != nil {
				logger.Warn("Failed to close AMQP client", "error", err)
			}
		}
		if store.Close != nil {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close ledger store", "error", err)
			}
		}
	})

	if outbox != nil {
		if err := outbox.Start(ctx); err != nil {
			logger.Error("Failed to start outbox processor", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Starting kas server", "port", cfg.Port, "backend", cfg.DataBackend, "outbox_in_process", outbox != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
