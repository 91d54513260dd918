package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// ReloadEvent lists the watched files that changed during one debounce
// window.
type ReloadEvent struct {
	Paths []string
}

// Watcher reports changes to config.yaml and extra files such as param
// schemas. It watches parent directories so files replaced by rename are
// still seen. Bursts of writes inside the debounce window collapse into one
// event; events are dropped when the buffer is full.
type Watcher struct {
	homeDir  string
	files    map[string]struct{}
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

// NewWatcher watches config.yaml under homeDir plus extra paths, which are
// resolved against homeDir unless absolute.
func NewWatcher(homeDir string, logger *slog.Logger, extra ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := map[string]struct{}{filepath.Clean(ConfigPath(homeDir)): {}}
	for _, f := range extra {
		if !filepath.IsAbs(f) {
			f = filepath.Join(homeDir, f)
		}
		files[filepath.Clean(f)] = struct{}{}
	}
	return &Watcher{
		homeDir:  homeDir,
		files:    files,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: defaultDebounce,
	}
}

// SetDebounce changes the coalescing window. It must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]struct{}{}
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("config watch skipped", "path", dir, "error", err)
		}
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := map[string]struct{}{}
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(ev.Name)
			if _, watched := w.files[path]; !watched {
				continue
			}
			if len(pending) == 0 {
				timer.Reset(w.debounce)
			}
			pending[path] = struct{}{}
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = map[string]struct{}{}
			select {
			case w.events <- ReloadEvent{Paths: paths}:
				w.logger.Info("config files changed", "paths", paths)
			default:
				w.logger.Warn("config reload event dropped", "paths", paths)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
