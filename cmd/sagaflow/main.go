package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/backpressure"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/metrics"
	"github.com/sagaflow/sagaflow/pkg/saga"
	badgerstore "github.com/sagaflow/sagaflow/pkg/storage/badger"
	redisstore "github.com/sagaflow/sagaflow/pkg/storage/redis"
	"github.com/sagaflow/sagaflow/pkg/telemetry/tracing"
	"github.com/sagaflow/sagaflow/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName   = flag.String("app-name", "", "Override app name")
	logLevel  = flag.String("log-level", "", "Override log level")
	debugMode = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	// Initialize logger with configuration
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting SagaFlow",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, cfg.App.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize snapshot store
	store, closeStore, err := buildStateStore(cfg, log)
	if err != nil {
		log.Error("Failed to create snapshot store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("Error closing snapshot store", "error", err)
		}
	}()

	// Initialize metrics manager
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Initialize admission control
	controller, err := backpressure.New(backpressure.Config{
		Strategy:         cfg.Backpressure.Strategy,
		Concurrency:      cfg.Saga.MaxConcurrentSagas,
		BatchSize:        cfg.Backpressure.BatchSize,
		FailureThreshold: cfg.Backpressure.FailureThreshold,
		SuccessThreshold: cfg.Backpressure.SuccessThreshold,
		WaitDuration:     cfg.Backpressure.WaitDuration,
	})
	if err != nil {
		log.Error("Failed to create admission controller", "error", err)
		os.Exit(1)
	}

	// Initialize the saga engine
	engine := saga.NewEngine(
		saga.WithLogger(log),
		saga.WithMetrics(metricsManager),
		saga.WithObserver(&stepMetricsObserver{metrics: metricsManager}),
		saga.WithAdmission(&meteredAdmission{inner: controller, metrics: metricsManager}),
		saga.WithStateStore(store),
	)

	registry := saga.NewRegistry()

	// Start the recovery sweeper
	if cfg.Saga.Recovery.Enabled {
		sweeper, err := saga.NewSweeper(engine, store, registry, saga.SweeperConfig{
			Interval:     cfg.Saga.Recovery.Interval,
			StaleAfter:   cfg.Saga.Recovery.StaleAfter,
			CleanupAfter: cfg.Saga.Recovery.CleanupAfter,
		})
		if err != nil {
			log.Error("Failed to create recovery sweeper", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Recovery sweeper stopped", "error", err)
			}
		}()
		log.Info("Recovery sweeper started",
			"interval", cfg.Saga.Recovery.Interval,
			"stale_after", cfg.Saga.Recovery.StaleAfter,
		)
	}

	// Watch the config file and apply hot-reloadable settings in place.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, config.NewLoader(),
			config.WithErrorHook(func(err error) {
				log.Warn("Config reload failed", "error", err)
			}),
		)
		if err != nil {
			log.Error("Failed to create config watcher", "error", err)
			os.Exit(1)
		}
		defer watcher.Stop()

		baseline := config.ReloadableOf(cfg)
		lockLevel := cfg.App.Debug || *debugMode
		watcher.Subscribe(func(next *config.Config) {
			baseline = applyReload(log, lockLevel, baseline, next)
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Config watcher stopped", "error", err)
			}
		}()
		log.Info("Watching configuration file", "path", *configPath)
	}

	log.Info("SagaFlow is running",
		"storage", cfg.Storage.Type,
		"backpressure", cfg.Backpressure.Strategy,
		"metrics_port", cfg.Metrics.Port,
	)
	log.Info("Press Ctrl+C to stop")

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	log.Info("Shutting down tracing")
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("SagaFlow stopped gracefully")
}

// buildStateStore selects the snapshot backend from configuration.
func buildStateStore(cfg *config.Config, log logger.Logger) (saga.StateStore, func() error, error) {
	switch cfg.Storage.Type {
	case "badger":
		store, err := badgerstore.NewStore(badgerstore.Config{
			Path:       cfg.Storage.Badger.Path,
			SyncWrites: cfg.Storage.Badger.SyncWrites,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("Initialized Badger snapshot store", "path", cfg.Storage.Badger.Path)
		return store, store.Close, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		store, err := redisstore.NewStore(client, redisstore.Config{
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		log.Info("Initialized Redis snapshot store", "address", cfg.Storage.Redis.Address)
		return store, client.Close, nil

	case "memory":
		log.Info("Initialized memory snapshot store")
		return saga.NewMemoryStateStore(), func() error { return nil }, nil

	default:
		log.Warn("Unknown storage type, using memory snapshot store", "type", cfg.Storage.Type)
		return saga.NewMemoryStateStore(), func() error { return nil }, nil
	}
}

// applyReload applies what can change without a restart and returns the new
// baseline. lockLevel pins the log level while debug mode is forced on.
func applyReload(log logger.Logger, lockLevel bool, baseline config.Reloadable, next *config.Config) config.Reloadable {
	reloaded := config.ReloadableOf(next)
	for _, key := range baseline.Diff(reloaded) {
		switch key {
		case "log.level":
			if lockLevel {
				log.Warn("Ignoring log level change while debug mode is forced", "level", reloaded.LogLevel)
				continue
			}
			log.SetLevel(logger.ParseLevel(reloaded.LogLevel))
			log.Info("Log level updated", "level", reloaded.LogLevel)
		default:
			log.Warn("Config change requires restart", "setting", key)
		}
	}
	return reloaded
}

// meteredAdmission decorates a backpressure controller with admission metrics.
type meteredAdmission struct {
	inner    backpressure.Controller
	metrics  *metrics.Manager
	inFlight atomic.Int64
}

func (a *meteredAdmission) Acquire(ctx context.Context) error {
	if err := a.inner.Acquire(ctx); err != nil {
		if errors.Is(err, backpressure.ErrShedding) {
			a.metrics.RecordAdmissionRejected()
		}
		return err
	}
	a.metrics.SetSagasInFlight(int(a.inFlight.Add(1)))
	return nil
}

func (a *meteredAdmission) Release(success bool) {
	a.inner.Release(success)
	a.metrics.SetSagasInFlight(int(a.inFlight.Add(-1)))
}

// stepMetricsObserver records per-step outcomes through the metrics manager.
type stepMetricsObserver struct {
	metrics *metrics.Manager
}

func (o *stepMetricsObserver) OnSagaStarted(*saga.SagaContext) {}

func (o *stepMetricsObserver) OnStepDone(sc *saga.SagaContext, stepID string, _ any) {
	o.metrics.RecordStepExecution(sc.SagaName, "done")
}

func (o *stepMetricsObserver) OnStepFailed(sc *saga.SagaContext, stepID string, _ error) {
	o.metrics.RecordStepExecution(sc.SagaName, "failed")
}

func (o *stepMetricsObserver) OnStepCompensated(sc *saga.SagaContext, stepID string, _ error) {
	o.metrics.RecordStepExecution(sc.SagaName, "compensated")
}

func (o *stepMetricsObserver) OnSagaFinished(*saga.SagaResult) {}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("SagaFlow - Saga Orchestration Engine\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("SagaFlow - Layered saga orchestration engine with compensation policies\n\n")
	fmt.Printf("Usage: sagaflow [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagaflow                                  # Run with default config\n")
	fmt.Printf("  sagaflow -config config.yaml              # Use specific config file\n")
	fmt.Printf("  sagaflow -log-level debug                 # Override specific options\n")
	fmt.Printf("  sagaflow -version                         # Print version info\n")
}
