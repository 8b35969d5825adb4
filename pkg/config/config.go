// Package config loads sentinel's runtime configuration: environment
// variables for process knobs and sentinel.yaml for tenant/connector
// definitions.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Runtime holds the process-wide knobs sourced from the environment.
type Runtime struct {
	// Orchestrator
	MaxConcurrentInvestigations int
	DefaultInvestigationTimeout time.Duration
	QueueSoftLimit              int

	// Execution engine
	MaxParallelSteps int
	StepTimeout      time.Duration
	MaxRetryAttempts int

	// Circuit breaker
	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration

	// Event bus
	EventBufferSize int

	// HTTP API
	HTTPPort int

	// Retention
	RetentionDays int
}

// LoadRuntime reads the runtime configuration from the environment,
// loading a .env file first when present (development convenience).
func LoadRuntime() (*Runtime, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env file")
	}

	cfg := &Runtime{
		MaxConcurrentInvestigations: getEnvInt("MAX_CONCURRENT_INVESTIGATIONS", 10),
		DefaultInvestigationTimeout: getEnvMillis("DEFAULT_INVESTIGATION_TIMEOUT_MS", 1_800_000),
		QueueSoftLimit:              getEnvInt("QUEUE_SOFT_LIMIT", 100),
		MaxParallelSteps:            getEnvInt("MAX_PARALLEL_STEPS", 3),
		StepTimeout:                 getEnvMillis("STEP_TIMEOUT_MS", 5_000),
		MaxRetryAttempts:            getEnvInt("MAX_RETRY_ATTEMPTS", 2),
		CircuitFailureThreshold:     getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitRecoveryTimeout:      getEnvMillis("CIRCUIT_RECOVERY_MS", 30_000),
		EventBufferSize:             getEnvInt("EVENT_BUFFER_SIZE", 200),
		HTTPPort:                    getEnvInt("HTTP_PORT", 8080),
		RetentionDays:               getEnvInt("RETENTION_DAYS", 90),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the runtime configuration for usable values.
func (c *Runtime) Validate() error {
	if c.MaxConcurrentInvestigations < 1 {
		return fmt.Errorf("MAX_CONCURRENT_INVESTIGATIONS must be at least 1, got %d", c.MaxConcurrentInvestigations)
	}
	if c.MaxParallelSteps < 1 {
		return fmt.Errorf("MAX_PARALLEL_STEPS must be at least 1, got %d", c.MaxParallelSteps)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must not be negative, got %d", c.MaxRetryAttempts)
	}
	if c.DefaultInvestigationTimeout <= 0 {
		return fmt.Errorf("DEFAULT_INVESTIGATION_TIMEOUT_MS must be positive")
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("STEP_TIMEOUT_MS must be positive")
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be at least 1, got %d", c.EventBufferSize)
	}
	return nil
}

func getEnvInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer environment value, using default",
			"key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func getEnvMillis(key string, defMs int64) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(defMs) * time.Millisecond
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		slog.Warn("Invalid millisecond environment value, using default",
			"key", key, "value", raw, "default_ms", defMs)
		return time.Duration(defMs) * time.Millisecond
	}
	return time.Duration(v) * time.Millisecond
}
