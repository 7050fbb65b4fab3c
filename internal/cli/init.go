// Package cli provides common initialization shared by cmd/kas and
// cmd/kas-worker.
package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"kas/internal/amqp"
	"kas/internal/backend"
	"kas/internal/config"
	"kas/internal/log"
	"kas/internal/metrics"
	"kas/internal/services"
	"kas/internal/telemetry"
)

// SetupLogger initializes structured logging at the given LOG_LEVEL value
// and sets it as the default logger.
func SetupLogger(level string, component string) *log.Logger {
	lvl := log.ParseLevel(level)
	logger := log.New(log.Config{
		Level:     lvl,
		Component: component,
		Handler:   slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}),
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// InitStore opens the ledger store selected by DATA_BACKEND.
// Exits the process on failure.
func InitStore(ctx context.Context, logger *log.Logger, cfg *config.Config) *backend.Store {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	store, err := backend.Open(ctx, bcfg, logger.WithComponent(log.ComponentBackend).Logger)
	if err != nil {
		logger.Error("Failed to initialize ledger store", "error", err, "backend", bcfg.Type)
		os.Exit(1)
	}
	return store
}

// InitAMQP connects to the broker when AMQP_URL is set. A nil client means
// messaging is disabled; connection failures are logged and tolerated.
func InitAMQP(logger *log.Logger, cfg *config.Config) *amqp.Client {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP disabled")
		return nil
	}
	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Warn("Failed to initialize AMQP client, continuing without messaging", "error", err)
		return nil
	}
	logger.Info("Initialized AMQP client", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	return client
}

// SetupTracing installs the tracer provider for service. Exporter failures
// are logged and leave spans in process. The returned func flushes spans.
func SetupTracing(ctx context.Context, logger *log.Logger, cfg *config.Config, service string) func(context.Context) error {
	tcfg := telemetry.Config{
		ServiceName: service,
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	}
	shutdown, err := telemetry.Setup(ctx, tcfg)
	if err != nil {
		logger.Warn("Failed to set up trace export, keeping spans in process", "error", err)
		tcfg.Endpoint = ""
		shutdown, _ = telemetry.Setup(ctx, tcfg)
	}
	if tcfg.Endpoint != "" {
		logger.Info("Exporting traces", "endpoint", tcfg.Endpoint, "sample_ratio", tcfg.SampleRatio)
	}
	return shutdown
}

// OutboxConfig maps the OUTBOX_* settings onto the processor defaults.
func OutboxConfig(cfg *config.Config) services.OutboxConfig {
	oc := services.DefaultOutboxConfig()
	oc.PollInterval = cfg.OutboxPollInterval
	oc.BatchSize = cfg.OutboxBatchSize
	oc.MaxRetries = cfg.OutboxMaxRetries
	oc.ReconcileInterval = cfg.ReconcileInterval
	return oc
}

// MetricsServer serves m on /metrics for processes without an API listener.
func MetricsServer(port string, m *metrics.Metrics) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup finished.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
