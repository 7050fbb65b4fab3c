package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"kas/internal/amqp"
	"kas/internal/backend"
	"kas/internal/cli"
	"kas/internal/log"
	"kas/internal/metrics"
	"kas/internal/services"
	"kas/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), log.ComponentWorker)
	logger.Info("Starting kas-worker")

	cfg := cli.LoadAndValidateConfig(logger)
	if cfg.DataBackend == "memory" {
		logger.Warn("Worker running on the memory backend sees no intents written by other processes; kas retries them itself",
			"outbox_in_process", cfg.OutboxInProcess)
	}

	store := cli.InitStore(context.Background(), logger, cfg)
	flushTraces := cli.SetupTracing(context.Background(), logger, cfg, "kas-worker")

	var publisher services.AllocationPublisher
	amqpClient := cli.InitAMQP(logger, cfg)
	if amqpClient != nil {
		publisher = amqpClient
	}

	m := metrics.New()
	engineCfg := services.DefaultEngineConfig()
	engineCfg.Concurrency = cfg.AllocationConcurrency
	engine := services.NewAllocationEngine(store, publisher, m, engineCfg)
	savings := services.NewSavingsService(store, publisher, m)

	outboxCfg := cli.OutboxConfig(cfg)
	outbox := services.NewOutboxProcessor(store, engine, savings, m, outboxCfg)

	retryWorker := worker.NewRetryWorker(outbox)

	var metricsSrv *http.Server
	if cfg.WorkerMetricsPort != "" {
		metricsSrv = cli.MetricsServer(cfg.WorkerMetricsPort, m)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics listener failed", "error", err, "port", cfg.WorkerMetricsPort)
			}
		}()
		logger.Info("Serving worker metrics", "port", cfg.WorkerMetricsPort)
	}

	shutdownCtx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer stopCancel()
		if err := outbox.Stop(stopCtx); err != nil {
			logger.Error("Outbox processor stop error", "error", err)
		}
		closeResources(stopCtx, logger, metricsSrv, flushTraces, amqpClient, store)
	})

	// ctx is also cancelled when message consumption dies.
	ctx, cancel := context.WithCancel(shutdownCtx)
	defer cancel()

	// Pick up intents left behind while the worker was down.
	logger.Info("Performing startup outbox check...")
	if err := retryWorker.StartupCheck(ctx); err != nil {
		logger.Error("Failed startup outbox check", "error", err)
	}

	if err := outbox.Start(ctx); err != nil {
		logger.Error("Failed to start outbox processor", "error", err)
		os.Exit(1)
	}

	if amqpClient != nil {
		go func() {
			err := amqpClient.ConsumeAllocationRetries(ctx, retryWorker.HandleRetryMessage)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", "error", err)
				cancel()
			}
		}()
	} else {
		logger.Info("Skipping AMQP consumption, relying on outbox polling", "poll_interval", outboxCfg.PollInterval)
	}

	<-ctx.Done()
	if shutdownCtx.Err() == nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer stopCancel()
		if err := outbox.Stop(stopCtx); err != nil {
			logger.Error("Outbox processor stop error", "error", err)
		}
		closeResources(stopCtx, logger, metricsSrv, flushTraces, amqpClient, store)
		os.Exit(1)
	}
	<-done
	logger.Info("kas-worker stopped")
}

func closeResources(ctx context.Context, logger *log.Logger, metricsSrv *http.Server, flushTraces func(context.Context) error, amqpClient *amqp.Client, store *backend.Store) {
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Warn("Metrics listener shutdown error", "error", err)
		}
	}
	if err := flushTraces(ctx); err != nil {
		logger.Warn("Failed to flush traces", "error", err)
	}
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
}
