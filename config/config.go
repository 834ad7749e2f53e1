// Package config provides configuration management for SagaFlow.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for SagaFlow.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Saga is the saga engine configuration.
	Saga SagaConfig `mapstructure:"saga"`

	// Backpressure is the admission control configuration.
	Backpressure BackpressureConfig `mapstructure:"backpressure"`

	// Storage is the snapshot persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// SagaConfig holds saga engine settings.
type SagaConfig struct {
	// Enabled enables saga execution.
	Enabled bool `mapstructure:"enabled"`

	// CompensationPolicy is the default unwind policy for sagas that don't
	// set one explicitly.
	CompensationPolicy string `mapstructure:"compensation_policy" validate:"oneof=strict_sequential grouped_parallel retry_with_backoff circuit_breaker best_effort_parallel"`

	// DefaultStepTimeout bounds each step when the saga sets no timeout.
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`

	// MaxConcurrentSagas caps simultaneous saga executions (admission slots).
	MaxConcurrentSagas int `mapstructure:"max_concurrent_sagas" validate:"min=1"`

	// LayerConcurrency caps parallel steps within a layer; 0 means unbounded.
	LayerConcurrency int `mapstructure:"layer_concurrency" validate:"min=0"`

	// Retry configures compensation retries for the retry_with_backoff policy.
	Retry RetryConfig `mapstructure:"retry"`

	// Breaker configures the circuit_breaker policy.
	Breaker BreakerConfig `mapstructure:"breaker"`

	// Recovery configures the stale-saga sweeper.
	Recovery RecoveryConfig `mapstructure:"recovery"`
}

// RetryConfig holds compensation retry settings.
type RetryConfig struct {
	// MaxAttempts is the attempt budget per compensating action.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64 `mapstructure:"backoff_factor" validate:"min=1"`
}

// BreakerConfig holds circuit breaker settings for compensation.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures per participant before the
	// breaker opens.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"min=1"`
}

// RecoveryConfig holds stale-saga recovery settings.
type RecoveryConfig struct {
	// Enabled enables the background recovery sweeper.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often the sweeper scans for stale sagas.
	Interval time.Duration `mapstructure:"interval"`

	// StaleAfter is how long a snapshot may go without updates before the
	// sweeper picks it up.
	StaleAfter time.Duration `mapstructure:"stale_after"`

	// CleanupAfter is how long terminal snapshots are retained.
	CleanupAfter time.Duration `mapstructure:"cleanup_after"`
}

// BackpressureConfig holds admission control settings.
type BackpressureConfig struct {
	// Strategy is the admission strategy (fixed, adaptive).
	Strategy string `mapstructure:"strategy" validate:"oneof=fixed adaptive"`

	// BatchSize bounds half-open probes while the adaptive strategy recovers.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// FailureThreshold is consecutive failures before admission closes.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"min=1"`

	// SuccessThreshold is consecutive probe successes before admission reopens.
	SuccessThreshold int `mapstructure:"success_threshold" validate:"min=1"`

	// WaitDuration is how long admission stays closed before probing.
	WaitDuration time.Duration `mapstructure:"wait_duration"`
}

// StorageConfig holds snapshot persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, redis).
	Type string `mapstructure:"type" validate:"oneof=memory badger redis"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address" validate:"host"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`

	// KeyPrefix namespaces snapshot keys.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `mapstructure:"endpoint" validate:"host"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Storage: %s, Env: %s}",
		c.App.Name, c.Storage.Type, c.App.Environment)
}
