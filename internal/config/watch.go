package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"agtools/internal/proxy/routing"
)

// Watcher watches the config directory and reloads config.json and
// routing.yaml after edits settle. Editors tend to write in bursts, so
// events are debounced and a burst triggers a single reload.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	dir         string
	logger      *zap.Logger
	onChange    func(*Config, routing.Tables)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over the given config directory. The
// onChange callback receives the freshly loaded config and effective
// routing tables after each settled change.
func NewWatcher(dir string, logger *zap.Logger, onChange func(*Config, routing.Tables)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		watcher:     watcher,
		dir:         dir,
		logger:      logger,
		onChange:    onChange,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the config directory. Non-blocking; the event
// loop runs in a goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// The directory may not exist until the first save.
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		w.logger.Warn("failed to create config directory", zap.String("dir", w.dir), zap.Error(err))
	}

	if err := w.watcher.Add(w.dir); err != nil {
		w.logger.Warn("config watch failed", zap.String("dir", w.dir), zap.Error(err))
	} else {
		w.logger.Debug("watching config directory", zap.String("dir", w.dir))
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("error closing config watcher", zap.Error(err))
	}
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-debounceTicker.C:
			w.processSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if base != ConfigFile && base != RoutingOverlayFile {
		return
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.logger.Debug("config file changed", zap.String("file", base), zap.String("op", event.Op.String()))

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processSettled reloads once per burst, after every recorded event has
// aged past the debounce window.
func (w *Watcher) processSettled() {
	w.mu.Lock()
	now := time.Now()
	settled := 0
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled++
		}
	}
	w.mu.Unlock()

	if settled == 0 {
		return
	}
	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := Load(filepath.Join(w.dir, ConfigFile))
	if err != nil {
		w.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("reloaded config rejected, keeping the current one", zap.Error(err))
		return
	}

	tables, err := cfg.LoadTables(w.dir)
	if err != nil {
		w.logger.Warn("routing overlay reload failed", zap.Error(err))
	}

	w.logger.Info("configuration reloaded", zap.String("dir", w.dir))

	if w.onChange != nil {
		w.onChange(cfg, tables)
	}
}
