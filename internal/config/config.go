package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port               string
	RateLimitPerMinute int

	// Logging
	LogLevel string

	// Backend selection
	DataBackend  string
	SQLiteDBPath string

	// AMQP (optional; empty URL disables messaging)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Allocation fan-out
	AllocationConcurrency int

	// Outbox worker. OutboxInProcess runs the processor inside the API
	// process as well; it defaults to on for the memory backend, whose
	// intents no other process can see.
	OutboxInProcess    bool
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int
	ReconcileInterval  time.Duration

	// Tracing. An empty endpoint keeps spans in process.
	TracingEndpoint  string
	TraceSampleRatio float64

	// WorkerMetricsPort serves /metrics from kas-worker; empty disables it.
	WorkerMetricsPort string

	CategoryCacheTTL time.Duration
}

var validBackends = []string{"memory", "sqlite"}

func Load() *Config {
	dataBackend := getEnv("DATA_BACKEND", "memory")
	cfg := &Config{
		Port:               getEnv("PORT", "8081"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		DataBackend:  dataBackend,
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/kas.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "kas"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "allocation_retry"),

		AllocationConcurrency: getEnvInt("ALLOCATION_CONCURRENCY", 4),

		OutboxInProcess:    getEnvBool("OUTBOX_IN_PROCESS", dataBackend == "memory"),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", 30*time.Second),
		OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxRetries:   getEnvInt("OUTBOX_MAX_RETRIES", 5),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Hour),

		TracingEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),

		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9091"),

		CategoryCacheTTL: getEnvDuration("CATEGORY_CACHE_TTL", 5*time.Minute),
	}

	return cfg
}

// Validate validates the configuration and returns an error listing every problem found
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.WorkerMetricsPort != "" {
		if port, err := strconv.Atoi(c.WorkerMetricsPort); err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("invalid worker metrics port '%s': must be a number between 1 and 65535", c.WorkerMetricsPort))
		} else if c.WorkerMetricsPort == c.Port {
			errors = append(errors, fmt.Sprintf("worker metrics port %s must differ from the server port", c.WorkerMetricsPort))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be debug, info, warn or error", c.LogLevel))
	}

	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.AllocationConcurrency < 1 || c.AllocationConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid allocation concurrency %d: must be between 1 and 64", c.AllocationConcurrency))
	}

	if c.OutboxBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid outbox batch size %d: must be at least 1", c.OutboxBatchSize))
	} else if c.OutboxBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid outbox batch size %d: must be at most 1000", c.OutboxBatchSize))
	}

	if c.OutboxPollInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid outbox poll interval %v: must be at least 1 second", c.OutboxPollInterval))
	} else if c.OutboxPollInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid outbox poll interval %v: must be at most 24 hours", c.OutboxPollInterval))
	}

	if c.OutboxMaxRetries < 1 {
		errors = append(errors, fmt.Sprintf("invalid outbox max retries %d: must be at least 1", c.OutboxMaxRetries))
	}

	// Zero disables the periodic reconcile.
	if c.ReconcileInterval != 0 && c.ReconcileInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid reconcile interval %v: must be 0 or at least 1 minute", c.ReconcileInterval))
	}

	if c.TracingEndpoint != "" {
		if parsedURL, err := url.Parse(c.TracingEndpoint); err != nil || parsedURL.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid tracing endpoint '%s': must be a URL such as http://localhost:4317", c.TracingEndpoint))
		}
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errors = append(errors, fmt.Sprintf("invalid trace sample ratio %v: must be between 0 and 1", c.TraceSampleRatio))
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}

	if c.CategoryCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid category cache TTL %v: must not be negative", c.CategoryCacheTTL))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
