// Package config provides configuration types and loading for the orchestrator.
// This file implements the YAML loader and the fsnotify-driven hot reload
// path, which re-reads the file without a process restart and hands the new
// Config to the OnReload callbacks; which tunables take effect is up to
// those callbacks.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads a Config from a YAML file, expands environment variable
// references, and can watch the file for changes.
type Loader struct {
	path string

	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher

	onReload []func(*Config)
}

// NewLoader creates a Loader bound to the given YAML config file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads, expands, validates, and defaults the configuration file.
func (l *Loader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}

	expanded := expandEnvVars(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.current = &cfg
	l.mu.Unlock()

	return &cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnReload registers a callback invoked with the freshly loaded config
// every time the watched file changes. Callbacks run on the watcher's
// goroutine; they must not block.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = append(l.onReload, fn)
}

// Watch starts an fsnotify watch on the config file and reloads on every
// write event, until ctx is cancelled. Reload errors are logged and the
// previously loaded config is kept in place.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := l.Load()
				if err != nil {
					slog.Error("config reload failed", "path", l.path, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", l.path)
				l.mu.RLock()
				callbacks := append([]func(*Config){}, l.onReload...)
				l.mu.RUnlock()
				for _, cb := range callbacks {
					cb(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops any active watch.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
