package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay absorbs the burst of writes editors make when saving.
const debounceDelay = 100 * time.Millisecond

// Watcher watches the configuration file and reloads it on change.
type Watcher struct {
	path     string
	cfg      *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(old, updated *Config)
	logger   *slog.Logger
}

// NewWatcher loads path and starts tracking it for writes.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	return &Watcher{
		path:    path,
		cfg:     cfg,
		watcher: fw,
		logger:  logger,
	}, nil
}

// Config returns the current configuration (thread-safe)
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked with the previous and the newly
// loaded configuration after each successful reload.
func (w *Watcher) OnChange(fn func(old, updated *Config)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Start blocks watching the file until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounce := time.NewTimer(0)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounce.C:
			old, updated, err := w.reload()
			if err != nil {
				// Keep serving with the last good config.
				w.logger.Error("Failed to reload config", "error", err)
				continue
			}
			w.logger.Info("Config reloaded", "path", w.path)
			if ignored := RestartRequired(old, updated); len(ignored) > 0 {
				w.logger.Warn("Config sections changed that only apply after restart", "sections", ignored)
			}

			w.mu.RLock()
			fn := w.onChange
			w.mu.RUnlock()
			if fn != nil {
				fn(old, updated)
			}
		}
	}
}

func (w *Watcher) reload() (old, updated *Config, err error) {
	updated, err = Load(w.path)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	old = w.cfg
	w.cfg = updated
	w.mu.Unlock()

	return old, updated, nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// RestartRequired lists the config sections that differ between old and
// updated but cannot be applied to a running process. The upstream timeout,
// the classification cache TTL and the log level are hot-reloadable; the
// bind address, upstream address, override list, storage, telemetry and the
// API listener are not.
func RestartRequired(old, updated *Config) []string {
	if old == nil || updated == nil {
		return nil
	}

	var sections []string
	if old.Server != updated.Server {
		sections = append(sections, "server")
	}
	if old.Upstream.Address != updated.Upstream.Address {
		sections = append(sections, "upstream.address")
	}

	oc, uc := old.Classification, updated.Classification
	oc.CacheTTL, uc.CacheTTL = 0, 0
	if !reflect.DeepEqual(oc, uc) {
		sections = append(sections, "classification")
	}
	if old.Storage != updated.Storage {
		sections = append(sections, "storage")
	}

	ol, ul := old.Logging, updated.Logging
	ol.Level, ul.Level = "", ""
	if ol != ul {
		sections = append(sections, "logging")
	}
	if old.Telemetry != updated.Telemetry {
		sections = append(sections, "telemetry")
	}
	if old.API != updated.API {
		sections = append(sections, "api")
	}
	return sections
}
