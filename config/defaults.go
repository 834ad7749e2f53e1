package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "sagaflow",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Saga: SagaConfig{
			Enabled:            true,
			CompensationPolicy: "strict_sequential",
			DefaultStepTimeout: 30 * time.Second,
			MaxConcurrentSagas: 100,
			LayerConcurrency:   0,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
				BackoffFactor:  2.0,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 3,
			},
			Recovery: RecoveryConfig{
				Enabled:      false,
				Interval:     30 * time.Second,
				StaleAfter:   5 * time.Minute,
				CleanupAfter: 24 * time.Hour,
			},
		},
		Backpressure: BackpressureConfig{
			Strategy:         "fixed",
			BatchSize:        5,
			FailureThreshold: 10,
			SuccessThreshold: 3,
			WaitDuration:     5 * time.Second,
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:       "./data/snapshots",
				SyncWrites: true,
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "sagaflow:snapshot:",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 0.1,
		},
	}
}
