package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kelmah/gateway/internal/logging"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk and hands
// every valid result to the registered callbacks. Invalid files are logged
// and the previous configuration stays in effect.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	debounce   time.Duration

	mu        sync.Mutex
	callbacks []func(*Config)
	current   *Config
	timer     *time.Timer

	reloadMu sync.Mutex
}

// NewWatcher creates a watcher for configPath. current is the configuration
// already in effect.
func NewWatcher(configPath string, loader *Loader, current *Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if loader == nil {
		loader = NewLoader()
	}

	return &Watcher{
		watcher:    fsWatcher,
		loader:     loader,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		current:    current,
	}, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The directory is watched rather than the file so
// that editors replacing the file atomically are still observed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	target := filepath.Clean(w.configPath)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// schedule coalesces bursts of events into a single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.Reload()
	})
}

// Reload loads the file now and notifies callbacks on success.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config, keeping previous", zap.String("path", w.configPath), zap.Error(err))
		return err
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.configPath))

	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}

// Current returns the configuration currently in effect
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}
