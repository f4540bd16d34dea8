package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// ConfigWatcher watches the configuration directory and reloads the
// configuration when a file in it changes. Only settings that are safe to
// change at runtime (the log level) are acted on by callers; everything
// else takes effect on restart.
type ConfigWatcher struct {
	loader    *Loader
	config    *Config
	callbacks []func(*Config)
	mu        sync.RWMutex
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
	debounce  time.Duration
}

// NewConfigWatcher creates a watcher on the loader's directory.
func NewConfigWatcher(loader *Loader, initial *Config, logger *zap.Logger) (*ConfigWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(loader.basePath); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory %s: %w", loader.basePath, err)
	}

	w := &ConfigWatcher{
		loader:   loader,
		config:   initial,
		logger:   logger,
		watcher:  fsWatcher,
		stopCh:   make(chan struct{}),
		debounce: reloadDebounce,
	}
	go w.watchLoop()

	logger.Info("Configuration hot reloading enabled",
		zap.String("directory", loader.basePath),
		zap.String("environment", string(initial.Environment)),
	)
	return w, nil
}

// watchLoop monitors for file changes and triggers reloads.
func (w *ConfigWatcher) watchLoop() {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !isConfigFile(event.Name) {
				continue
			}
			w.logger.Debug("Configuration file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()),
			)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reloadConfig)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

// reloadConfig reloads the configuration from files.
func (w *ConfigWatcher) reloadConfig() {
	newConfig, err := w.loader.Load()
	if err != nil {
		w.logger.Error("Invalid configuration after reload, keeping the previous one", zap.Error(err))
		return
	}

	w.mu.Lock()
	oldConfig := w.config
	if configsEqual(oldConfig, newConfig) {
		w.mu.Unlock()
		w.logger.Debug("Configuration unchanged after reload")
		return
	}
	w.config = newConfig
	callbacks := append(([]func(*Config))(nil), w.callbacks...)
	w.mu.Unlock()

	if oldConfig.Logging.Level != newConfig.Logging.Level {
		w.logger.Info("Log level changed",
			zap.String("from", oldConfig.Logging.Level),
			zap.String("to", newConfig.Logging.Level),
		)
	}

	for i, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Callback panicked",
						zap.Int("callback_index", i),
						zap.Any("panic", r),
					)
				}
			}()
			callback(newConfig)
		}()
	}

	w.logger.Info("Configuration reloaded", zap.Int("callbacks_notified", len(callbacks)))
}

// OnChange registers a callback to be called when configuration changes.
func (w *ConfigWatcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// GetConfig returns the current configuration.
func (w *ConfigWatcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Stop stops the configuration watcher.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func configsEqual(a, b *Config) bool {
	ac, bc := *a, *b
	ac.LoadedFrom, bc.LoadedFrom = nil, nil
	return reflect.DeepEqual(ac, bc)
}

// isConfigFile checks if a file is a configuration file.
func isConfigFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}
