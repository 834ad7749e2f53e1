package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the configuration file when it changes on disk and hands
// the freshly validated Config to every subscriber. Filesystem event bursts
// are collapsed: a reload runs only after the file has been quiet for the
// debounce window.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration
	onError  func(error)

	mu       sync.Mutex
	subs     []func(*Config)
	watching bool

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload runs.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHook routes reload and filesystem errors to fn instead of stderr.
func WithErrorHook(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.onError = fn
		}
	}
}

// NewWatcher creates a watcher for the given config file. A nil loader gets a
// fresh one.
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required for watching")
	}
	if loader == nil {
		loader = NewLoader()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		loader:   loader,
		path:     path,
		debounce: 500 * time.Millisecond,
		onError: func(err error) {
			fmt.Fprintf(os.Stderr, "config watcher: %v\n", err)
		},
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Subscribe registers fn to receive every successfully reloaded Config.
// Subscribers run synchronously on the watch goroutine, in registration
// order.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

// Watch blocks, reloading the configuration on file changes, until the
// context is cancelled or Stop is called. At most one Watch runs at a time.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.watching = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	}()

	if err := w.fs.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", w.path, err)
	}

	// The timer implements trailing-edge debounce: every relevant event
	// pushes the reload out by one debounce window.
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stop:
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer, fire = nil, nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.onError(err)
		}
	}
}

// reload re-reads the file and notifies subscribers. A failed load keeps the
// previous configuration in effect; subscribers never see an invalid Config.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path, nil)
	if err != nil {
		w.onError(fmt.Errorf("config reload failed: %w", err))
		return
	}

	w.mu.Lock()
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		w.notify(fn, cfg)
	}
}

// notify delivers one config to one subscriber. A panicking subscriber does
// not take down the watch loop.
func (w *Watcher) notify(fn func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.onError(fmt.Errorf("config subscriber panic: %v", r))
		}
	}()
	fn(cfg)
}

// Stop terminates Watch and releases the filesystem watcher. Safe to call
// more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fs.Close()
	})
	return err
}

// Watching reports whether Watch is currently running.
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

// Path returns the file being watched.
func (w *Watcher) Path() string {
	return w.path
}

// Reloadable is the projection of Config the daemon compares across reloads
// to decide what it can apply in place and what needs a restart.
type Reloadable struct {
	LogLevel             string
	LogFormat            string
	MetricsEnabled       bool
	MetricsPort          int
	MetricsPath          string
	MaxConcurrentSagas   int
	DefaultStepTimeout   time.Duration
	BackpressureStrategy string
	RecoveryInterval     time.Duration
	RecoveryStaleAfter   time.Duration
}

// ReloadableOf projects the reload-relevant subset out of a full Config.
func ReloadableOf(cfg *Config) Reloadable {
	return Reloadable{
		LogLevel:             cfg.Log.Level,
		LogFormat:            cfg.Log.Format,
		MetricsEnabled:       cfg.Metrics.Enabled,
		MetricsPort:          cfg.Metrics.Port,
		MetricsPath:          cfg.Metrics.Path,
		MaxConcurrentSagas:   cfg.Saga.MaxConcurrentSagas,
		DefaultStepTimeout:   cfg.Saga.DefaultStepTimeout,
		BackpressureStrategy: cfg.Backpressure.Strategy,
		RecoveryInterval:     cfg.Saga.Recovery.Interval,
		RecoveryStaleAfter:   cfg.Saga.Recovery.StaleAfter,
	}
}

// Diff returns the config keys whose values differ, in field declaration
// order.
func (r Reloadable) Diff(other Reloadable) []string {
	var changed []string
	if r.LogLevel != other.LogLevel {
		changed = append(changed, "log.level")
	}
	if r.LogFormat != other.LogFormat {
		changed = append(changed, "log.format")
	}
	if r.MetricsEnabled != other.MetricsEnabled {
		changed = append(changed, "metrics.enabled")
	}
	if r.MetricsPort != other.MetricsPort {
		changed = append(changed, "metrics.port")
	}
	if r.MetricsPath != other.MetricsPath {
		changed = append(changed, "metrics.path")
	}
	if r.MaxConcurrentSagas != other.MaxConcurrentSagas {
		changed = append(changed, "saga.max_concurrent_sagas")
	}
	if r.DefaultStepTimeout != other.DefaultStepTimeout {
		changed = append(changed, "saga.default_step_timeout")
	}
	if r.BackpressureStrategy != other.BackpressureStrategy {
		changed = append(changed, "backpressure.strategy")
	}
	if r.RecoveryInterval != other.RecoveryInterval {
		changed = append(changed, "saga.recovery.interval")
	}
	if r.RecoveryStaleAfter != other.RecoveryStaleAfter {
		changed = append(changed, "saga.recovery.stale_after")
	}
	return changed
}
