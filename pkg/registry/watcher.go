package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher republishes a catalog file whenever it changes on disk.
type Watcher struct {
	registry *Registry
	path     string
	logger   *slog.Logger
	onReload func(*Snapshot, error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger used for reload events.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithReloadHook registers a callback invoked after every reload attempt.
func WithReloadHook(fn func(*Snapshot, error)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher creates a watcher for the catalog at path.
func NewWatcher(r *Registry, path string, opts ...WatcherOption) *Watcher {
	w := &Watcher{registry: r, path: filepath.Clean(path), logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done. The parent directory is watched so that
// editors which replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("registry watcher error", slog.String("path", w.path), slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload() {
	cat, err := LoadFile(w.path)
	var snap *Snapshot
	if err == nil {
		snap, err = w.registry.Publish(cat)
	}
	if err != nil {
		w.logger.Warn("registry reload rejected; keeping current snapshot",
			slog.String("path", w.path),
			slog.String("current", w.registry.Current().String()),
			slog.Any("error", err),
		)
	} else {
		w.logger.Info("registry snapshot published",
			slog.String("path", w.path),
			slog.String("snapshot", snap.String()),
		)
	}
	if w.onReload != nil {
		w.onReload(snap, err)
	}
}
