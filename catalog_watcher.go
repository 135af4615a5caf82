// catalog_watcher.go: Catalog hot reload powered by Argus
//
// The watcher only reloads and validates. What a new catalog means for
// running plugins (restart, keep, stop) is decided by the callback: the
// bridge never respawns a plugin on its own.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// CatalogWatcherOptions configures a CatalogWatcher.
type CatalogWatcherOptions struct {
	// PollInterval is the Argus polling interval.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// CacheTTL for Argus stat caching. Must not exceed PollInterval.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	Env EnvConfigOptions `json:"env" yaml:"env"`

	// Audit is passed to Argus unchanged.
	Audit argus.AuditConfig `json:"audit" yaml:"audit"`
}

// DefaultCatalogWatcherOptions returns options suited to a handful of
// catalog files.
func DefaultCatalogWatcherOptions() CatalogWatcherOptions {
	return CatalogWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     1 * time.Second,
		Env:          DefaultEnvConfigOptions(),
	}
}

// CatalogChangeFunc receives the previous and the new catalog after a
// successful reload.
type CatalogChangeFunc func(previous, current *Catalog)

// CatalogWatcher reloads a catalog file when it changes.
type CatalogWatcher struct {
	path     string
	options  CatalogWatcherOptions
	onChange CatalogChangeFunc
	logger   Logger
	watcher  *argus.Watcher

	mu      sync.Mutex
	current atomic.Pointer[Catalog]
	running atomic.Bool
	stopped atomic.Bool
}

// NewCatalogWatcher loads path once and prepares a watcher for it. The
// initial load must succeed.
func NewCatalogWatcher(path string, options CatalogWatcherOptions, onChange CatalogChangeFunc, logger Logger) (*CatalogWatcher, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultCatalogWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	catalog, err := LoadCatalog(path, options.Env)
	if err != nil {
		return nil, err
	}

	cw := &CatalogWatcher{
		path:     path,
		options:  options,
		onChange: onChange,
		logger:   logger.With("component", "catalog_watcher"),
	}
	cw.current.Store(catalog)
	cw.watcher = argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		Audit:                options.Audit,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			cw.logger.Error("Catalog file watching error", "error", err, "file", filepath)
		},
	})
	return cw, nil
}

// Current returns the last successfully loaded catalog.
func (cw *CatalogWatcher) Current() *Catalog {
	return cw.current.Load()
}

// Start begins watching. A stopped watcher cannot be restarted.
func (cw *CatalogWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.stopped.Load() {
		return NewConfigWatcherError("catalog watcher has been stopped", nil)
	}
	if cw.running.Load() {
		return NewConfigWatcherError("catalog watcher is already running", nil)
	}
	if err := cw.watcher.Watch(cw.path, cw.handleChange); err != nil {
		return NewConfigWatcherError("failed to watch catalog file", err).WithContext("path", cw.path)
	}
	if err := cw.watcher.Start(); err != nil {
		return NewConfigWatcherError("failed to start catalog watcher", err)
	}
	cw.running.Store(true)

	cw.logger.Info("Catalog watcher started", "path", cw.path, "poll_interval", cw.options.PollInterval)
	return nil
}

// Stop halts watching. It is idempotent.
func (cw *CatalogWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !cw.running.Swap(false) {
		return nil
	}
	if err := cw.watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop catalog watcher", err)
	}
	cw.logger.Info("Catalog watcher stopped")
	return nil
}

// IsRunning reports whether the watcher is active.
func (cw *CatalogWatcher) IsRunning() bool {
	return cw.running.Load()
}

// Reload loads the catalog file now and, on success, replaces the current
// catalog and calls the change callback.
func (cw *CatalogWatcher) Reload() error {
	catalog, err := LoadCatalog(cw.path, cw.options.Env)
	if err != nil {
		return err
	}
	previous := cw.current.Swap(catalog)
	cw.logger.Info("Catalog reloaded", "plugins", len(catalog.Plugins))
	if cw.onChange != nil {
		cw.onChange(previous, catalog)
	}
	return nil
}

func (cw *CatalogWatcher) handleChange(event argus.ChangeEvent) {
	defer withStackRecover(cw.logger)()

	if event.IsDelete {
		cw.logger.Warn("Catalog file was deleted, keeping current catalog", "path", event.Path)
		return
	}
	if err := cw.Reload(); err != nil {
		cw.logger.Error("Failed to reload catalog, keeping current catalog", "error", err, "path", event.Path)
	}
}
