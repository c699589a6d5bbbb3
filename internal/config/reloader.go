package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the newly loaded config.
type ReloadCallback func(old, new *Config) error

// ConfigReloader re-reads the config file when it changes on disk or the
// process receives SIGHUP. Only settings that do not affect the KMS and
// storage clients may change; those clients are built once at startup.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	callback ReloadCallback
}

// NewConfigReloader creates a reloader. An empty path disables file watching
// and leaves SIGHUP as the only trigger.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.New()
	}
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
		current: cloneConfig(initial),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function called after a successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneConfig(r.current)
}

// Start blocks, handling reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.done:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.WithField("file", ev.Name).Debug("Config file changed, reloading")
			r.reload()
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

// Stop ends Start and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Debug("No config file configured, nothing to reload")
		return
	}
	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current settings")
		return
	}

	r.mu.Lock()
	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.mu.Unlock()
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	r.current = next
	cb := r.callback
	r.mu.Unlock()

	if cb != nil {
		if err := cb(cloneConfig(old), cloneConfig(next)); err != nil {
			r.logger.WithError(err).Error("Reload callback failed")
			return
		}
	}
	r.logger.WithField("log_level", next.LogLevel).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that would require rebuilding the KMS
// or storage clients.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	if old == nil || next == nil {
		return nil
	}
	if old.KMS.BaseURL != next.KMS.BaseURL {
		return fmt.Errorf("kms.base_url cannot be changed during hot reload")
	}
	if old.Storage.Backend != next.Storage.Backend {
		return fmt.Errorf("storage.backend cannot be changed during hot reload")
	}
	if old.Storage.BaseURL != next.Storage.BaseURL {
		return fmt.Errorf("storage.base_url cannot be changed during hot reload")
	}
	if old.Storage.S3 != next.Storage.S3 {
		return fmt.Errorf("storage.s3 cannot be changed during hot reload")
	}
	if old.TLS != next.TLS {
		return fmt.Errorf("tls cannot be changed during hot reload")
	}
	return nil
}

func cloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Logging.RedactHeaders != nil {
		out.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	}
	return &out
}
