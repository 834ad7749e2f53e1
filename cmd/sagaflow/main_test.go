package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/backpressure"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/metrics"
	"github.com/sagaflow/sagaflow/pkg/saga"
)

func TestBuildOverrides(t *testing.T) {
	// Save original values
	origAppName := *appName
	origLogLevel := *logLevel
	origDebugMode := *debugMode

	// Restore original values after test
	defer func() {
		*appName = origAppName
		*logLevel = origLogLevel
		*debugMode = origDebugMode
	}()

	// Test with no overrides
	*appName = ""
	*logLevel = ""
	*debugMode = false

	overrides := buildOverrides()
	if len(overrides) != 0 {
		t.Errorf("Expected empty overrides, got %d items", len(overrides))
	}

	// Test with all overrides
	*appName = "test-app"
	*logLevel = "debug"
	*debugMode = true

	overrides = buildOverrides()
	if len(overrides) != 3 {
		t.Errorf("Expected 3 overrides, got %d", len(overrides))
	}

	if overrides["app.name"] != "test-app" {
		t.Errorf("Expected app.name=test-app, got %v", overrides["app.name"])
	}
	if overrides["log.level"] != "debug" {
		t.Errorf("Expected log.level=debug, got %v", overrides["log.level"])
	}
	if overrides["app.debug"] != true {
		t.Errorf("Expected app.debug=true, got %v", overrides["app.debug"])
	}
}

func TestBuildStateStore(t *testing.T) {
	log := logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: "json",
		Output: "stdout",
	})

	t.Run("memory", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Storage.Type = "memory"

		store, closeStore, err := buildStateStore(cfg, log)
		if err != nil {
			t.Fatalf("buildStateStore: %v", err)
		}
		if _, ok := store.(*saga.MemoryStateStore); !ok {
			t.Errorf("expected *saga.MemoryStateStore, got %T", store)
		}
		if err := closeStore(); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	t.Run("badger", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Storage.Type = "badger"
		cfg.Storage.Badger.Path = t.TempDir()
		cfg.Storage.Badger.SyncWrites = false

		store, closeStore, err := buildStateStore(cfg, log)
		if err != nil {
			t.Fatalf("buildStateStore: %v", err)
		}
		if store == nil {
			t.Fatal("expected non-nil store")
		}
		if err := closeStore(); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	t.Run("unknown falls back to memory", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Storage.Type = "etcd"

		store, closeStore, err := buildStateStore(cfg, log)
		if err != nil {
			t.Fatalf("buildStateStore: %v", err)
		}
		defer closeStore()
		if _, ok := store.(*saga.MemoryStateStore); !ok {
			t.Errorf("expected fallback to *saga.MemoryStateStore, got %T", store)
		}
	})
}

func TestMeteredAdmission(t *testing.T) {
	controller, err := backpressure.New(backpressure.Config{
		Strategy:    "fixed",
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("backpressure.New: %v", err)
	}

	admission := &meteredAdmission{
		inner:   controller,
		metrics: metrics.NoOpManager(),
	}

	if err := admission.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := admission.inFlight.Load(); got != 1 {
		t.Errorf("expected 1 in flight, got %d", got)
	}

	admission.Release(true)
	if got := admission.inFlight.Load(); got != 0 {
		t.Errorf("expected 0 in flight, got %d", got)
	}
}

func TestMeteredAdmissionSheddingError(t *testing.T) {
	admission := &meteredAdmission{
		inner:   sheddingController{},
		metrics: metrics.NoOpManager(),
	}

	err := admission.Acquire(context.Background())
	if !errors.Is(err, backpressure.ErrShedding) {
		t.Fatalf("expected ErrShedding, got %v", err)
	}
	if got := admission.inFlight.Load(); got != 0 {
		t.Errorf("rejected acquire must not count in flight, got %d", got)
	}
}

type sheddingController struct{}

func (sheddingController) Acquire(context.Context) error { return backpressure.ErrShedding }
func (sheddingController) Release(bool)                  {}

func TestStepMetricsObserver(t *testing.T) {
	observer := &stepMetricsObserver{metrics: metrics.NoOpManager()}
	sc := &saga.SagaContext{SagaName: "order-fulfillment"}

	// All callbacks must be safe with a disabled manager.
	observer.OnSagaStarted(sc)
	observer.OnStepDone(sc, "reserve-inventory", nil)
	observer.OnStepFailed(sc, "charge-payment", errors.New("declined"))
	observer.OnStepCompensated(sc, "reserve-inventory", nil)
	observer.OnSagaFinished(&saga.SagaResult{})
}

// captureLogger records level changes and warnings for reload assertions.
type captureLogger struct {
	mu       sync.Mutex
	levels   []logger.Level
	warnings []string
}

func (l *captureLogger) Debug(string, ...any) {}
func (l *captureLogger) Info(string, ...any)  {}
func (l *captureLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warnings = append(l.warnings, msg)
	l.mu.Unlock()
}
func (l *captureLogger) Error(string, ...any) {}

func (l *captureLogger) DebugContext(context.Context, string, ...any) {}
func (l *captureLogger) InfoContext(context.Context, string, ...any)  {}
func (l *captureLogger) WarnContext(context.Context, string, ...any)  {}
func (l *captureLogger) ErrorContext(context.Context, string, ...any) {}

func (l *captureLogger) With(...any) logger.Logger { return l }
func (l *captureLogger) Close() error              { return nil }

func (l *captureLogger) SetLevel(level logger.Level) {
	l.mu.Lock()
	l.levels = append(l.levels, level)
	l.mu.Unlock()
}

func TestApplyReload(t *testing.T) {
	base := config.ReloadableOf(config.DefaultConfig())

	t.Run("log level change applies", func(t *testing.T) {
		log := &captureLogger{}
		next := config.DefaultConfig()
		next.Log.Level = "debug"

		got := applyReload(log, false, base, next)
		if len(log.levels) != 1 || log.levels[0] != logger.DebugLevel {
			t.Errorf("expected one SetLevel(debug), got %v", log.levels)
		}
		if got.LogLevel != "debug" {
			t.Errorf("expected baseline to advance to debug, got %s", got.LogLevel)
		}
	})

	t.Run("forced debug mode pins the level", func(t *testing.T) {
		log := &captureLogger{}
		next := config.DefaultConfig()
		next.Log.Level = "error"

		applyReload(log, true, base, next)
		if len(log.levels) != 0 {
			t.Errorf("expected no SetLevel while level is pinned, got %v", log.levels)
		}
		if len(log.warnings) != 1 {
			t.Errorf("expected one warning, got %v", log.warnings)
		}
	})

	t.Run("restart-only change warns", func(t *testing.T) {
		log := &captureLogger{}
		next := config.DefaultConfig()
		next.Saga.MaxConcurrentSagas = base.MaxConcurrentSagas + 1

		got := applyReload(log, false, base, next)
		if len(log.levels) != 0 {
			t.Errorf("expected no SetLevel, got %v", log.levels)
		}
		if len(log.warnings) != 1 {
			t.Errorf("expected one restart warning, got %v", log.warnings)
		}
		if got.MaxConcurrentSagas != base.MaxConcurrentSagas+1 {
			t.Errorf("expected baseline to advance, got %d", got.MaxConcurrentSagas)
		}
	})

	t.Run("no change is a no-op", func(t *testing.T) {
		log := &captureLogger{}
		got := applyReload(log, false, base, config.DefaultConfig())
		if len(log.levels) != 0 || len(log.warnings) != 0 {
			t.Errorf("expected no activity, got levels %v warnings %v", log.levels, log.warnings)
		}
		if got != base {
			t.Errorf("expected unchanged baseline, got %+v", got)
		}
	})
}

func TestPrintVersion(t *testing.T) {
	// Redirect stdout to capture output
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printVersion()

	w.Close()
	os.Stdout = oldStdout

	// Read captured output
	buf := make([]byte, 1024)
	n, _ := r.Read(buf)
	output := string(buf[:n])

	// Check if output contains expected strings
	expectedStrings := []string{"SagaFlow", "Version:", "Build Time:", "Git Commit:", "Go Version:"}
	for _, expected := range expectedStrings {
		if !contains(output, expected) {
			t.Errorf("Expected output to contain %q, but it didn't. Output: %s", expected, output)
		}
	}
}

func TestPrintHelp(t *testing.T) {
	// Redirect stdout to capture output
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	printHelp()

	w.Close()
	os.Stdout = oldStdout

	// Read captured output
	buf := make([]byte, 2048)
	n, _ := r.Read(buf)
	output := string(buf[:n])

	// Check if output contains expected strings
	expectedStrings := []string{"SagaFlow", "Usage:", "Options:", "Examples:"}
	for _, expected := range expectedStrings {
		if !contains(output, expected) {
			t.Errorf("Expected output to contain %q, but it didn't. Output: %s", expected, output)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > len(substr) && containsHelper(s, substr))
}

func containsHelper(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
