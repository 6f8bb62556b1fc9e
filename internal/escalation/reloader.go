package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 100 * time.Millisecond

// Source hands out the detector currently in force.
type Source interface {
	Current() *Detector
}

type staticSource struct{ d *Detector }

func (s staticSource) Current() *Detector { return s.d }

// Static wraps a fixed detector as a Source.
func Static(d *Detector) Source {
	return staticSource{d: d}
}

// Reloader keeps a detector compiled from a rules file and swaps it when the
// file changes. A broken file is logged and the previous rules stay active.
type Reloader struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	current  atomic.Pointer[Detector]
	reloads  atomic.Int64
}

// NewReloader loads path once and fails if the initial rules are invalid.
func NewReloader(path string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{path: path, logger: logger, debounce: DefaultDebounce}
	d, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	r.current.Store(d)
	return r, nil
}

// Current returns the active detector.
func (r *Reloader) Current() *Detector {
	return r.current.Load()
}

// Reloads counts successful swaps since start.
func (r *Reloader) Reloads() int64 {
	return r.reloads.Load()
}

// Reload recompiles the file and swaps it in on success.
func (r *Reloader) Reload() error {
	d, err := LoadRules(r.path)
	if err != nil {
		return err
	}
	r.current.Store(d)
	r.reloads.Add(1)
	r.logger.Info("escalation rules reloaded", "path", r.path, "rules", len(d.rules))
	return nil
}

// Run watches the rules file until ctx is cancelled. The parent directory is
// watched so atomic rename-on-save is seen.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(r.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("rules watcher error", "path", r.path, "error", err)
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("rules reload failed, keeping previous rules", "path", r.path, "error", err)
			}
		}
	}
}
