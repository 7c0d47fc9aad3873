// Package config holds the engine's runtime configuration, populated from
// defaults and environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type (
	// Config holds configuration settings for the engine daemon
	Config struct {
		LogLevel string

		// StoreBackend selects the persistence layer: "memory",
		// "redis", or "sqlite"
		StoreBackend string
		RedisAddr    string
		StorePrefix  string
		SQLitePath   string
		BlobURL      string

		// Context caps
		ContextMaxKeys  int
		ContextMaxBytes int
		ContextMaxDepth int
		// Values at or above this size offload to blob storage; zero
		// disables offloading
		OffloadThreshold int

		// Engine
		LockTTL         time.Duration
		MaxStepsPerRun  int
		ShutdownTimeout time.Duration

		// Background loops
		WakeInterval   time.Duration
		ReaperInterval time.Duration
		ReplayInterval time.Duration
		ReplayBatch    int
		SweepBatch     int

		// Jobs
		JobHeartbeatMs int64
		JobMaxAttempts int
	}
)

const (
	DefaultLockTTL         = 30 * time.Second
	DefaultMaxStepsPerRun  = 1000
	DefaultShutdownTimeout = 10 * time.Second

	DefaultWakeInterval   = time.Second
	DefaultReaperInterval = 15 * time.Second
	DefaultReplayInterval = 5 * time.Second
	DefaultReplayBatch    = 100
	DefaultSweepBatch     = 100

	DefaultContextMaxKeys   = 1024
	DefaultContextMaxBytes  = 1 << 20
	DefaultContextMaxDepth  = 32
	DefaultOffloadThreshold = 64 << 10

	DefaultStoreBackend = "memory"
	DefaultRedisAddr    = "localhost:6379"
	DefaultStorePrefix  = "flowmonkey"
	DefaultSQLitePath   = "flowmonkey.db"

	MaxStepsCeiling   = 1_000_000
	MaxContextKeys    = 1_000_000
	MaxContextBytes   = 256 << 20
	MaxContextDepth   = 1024
	MaxBatchSize      = 100_000
	MaxJobAttempts    = 1000
	MaxJobHeartbeatMs = int64(24 * 60 * 60 * 1000)
)

var (
	ErrInvalidBackend     = errors.New("unknown store backend")
	ErrInvalidMaxSteps    = errors.New("max steps must be positive")
	ErrInvalidLockTTL     = errors.New("lock TTL must be positive")
	ErrInvalidHeartbeat   = errors.New("job heartbeat must be positive")
	ErrInvalidMaxAttempts = errors.New("job max attempts must be positive")
)

// NewDefaultConfig creates a configuration with sensible defaults for all
// engine settings and background loops
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:         "info",
		StoreBackend:     DefaultStoreBackend,
		RedisAddr:        DefaultRedisAddr,
		StorePrefix:      DefaultStorePrefix,
		SQLitePath:       DefaultSQLitePath,
		ContextMaxKeys:   DefaultContextMaxKeys,
		ContextMaxBytes:  DefaultContextMaxBytes,
		ContextMaxDepth:  DefaultContextMaxDepth,
		OffloadThreshold: DefaultOffloadThreshold,
		LockTTL:          DefaultLockTTL,
		MaxStepsPerRun:   DefaultMaxStepsPerRun,
		ShutdownTimeout:  DefaultShutdownTimeout,
		WakeInterval:     DefaultWakeInterval,
		ReaperInterval:   DefaultReaperInterval,
		ReplayInterval:   DefaultReplayInterval,
		ReplayBatch:      DefaultReplayBatch,
		SweepBatch:       DefaultSweepBatch,
		JobHeartbeatMs:   15_000,
		JobMaxAttempts:   3,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed
func (c *Config) LoadFromEnv() error {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}
	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		c.StoreBackend = backend
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.RedisAddr = addr
	}
	if prefix := os.Getenv("STORE_PREFIX"); prefix != "" {
		c.StorePrefix = prefix
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		c.SQLitePath = path
	}
	if url := os.Getenv("BLOB_URL"); url != "" {
		c.BlobURL = url
	}

	if err := loadEnvInt(
		"CONTEXT_MAX_KEYS", &c.ContextMaxKeys, 0, MaxContextKeys,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CONTEXT_MAX_BYTES", &c.ContextMaxBytes, 0, MaxContextBytes,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CONTEXT_MAX_DEPTH", &c.ContextMaxDepth, 0, MaxContextDepth,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"OFFLOAD_THRESHOLD", &c.OffloadThreshold, 0, MaxContextBytes,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"MAX_STEPS_PER_RUN", &c.MaxStepsPerRun, 0, MaxStepsCeiling,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"REPLAY_BATCH", &c.ReplayBatch, 0, MaxBatchSize,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"SWEEP_BATCH", &c.SweepBatch, 0, MaxBatchSize,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"JOB_HEARTBEAT_MS", &c.JobHeartbeatMs, 0, MaxJobHeartbeatMs,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"JOB_MAX_ATTEMPTS", &c.JobMaxAttempts, 0, MaxJobAttempts,
	); err != nil {
		return err
	}

	if err := loadEnvDuration("LOCK_TTL", &c.LockTTL); err != nil {
		return err
	}
	if err := loadEnvDuration("WAKE_INTERVAL", &c.WakeInterval); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"REAPER_INTERVAL", &c.ReaperInterval,
	); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"REPLAY_INTERVAL", &c.ReplayInterval,
	); err != nil {
		return err
	}
	return loadEnvDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidBackend, c.StoreBackend)
	}
	if c.MaxStepsPerRun <= 0 {
		return ErrInvalidMaxSteps
	}
	if c.LockTTL <= 0 {
		return ErrInvalidLockTTL
	}
	if c.JobHeartbeatMs <= 0 {
		return ErrInvalidHeartbeat
	}
	if c.JobMaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	return nil
}

func loadEnvInt[T ~int | ~int64](key string, dst *T, minV, maxV T) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	value := T(parsed)
	if value < minV || value > maxV {
		return fmt.Errorf("%s out of range: %d", key, parsed)
	}
	*dst = value
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = parsed
	return nil
}
