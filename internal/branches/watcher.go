package branches

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher refreshes a registry whenever its branch file changes on disk.
type Watcher struct {
	path     string
	registry *Registry
	watcher  *fsnotify.Watcher
	done     chan struct{}

	// Refreshed receives a value after each refresh attempt triggered by a
	// file change. Sends never block.
	Refreshed chan error
}

// NewWatcher watches the directory holding path so editors that replace the
// file atomically are still noticed.
func NewWatcher(path string, registry *Registry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:      filepath.Clean(path),
		registry:  registry,
		watcher:   fw,
		done:      make(chan struct{}),
		Refreshed: make(chan error, 1),
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	// Debounce bursts of writes from a single save.
	const debounce = 100 * time.Millisecond
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("branch file watcher error", "path", w.path, "error", err)
		case <-pending:
			pending = nil
			err := w.registry.Refresh(ctx)
			if err != nil {
				slog.Warn("branch refresh after file change failed", "path", w.path, "error", err)
			}
			select {
			case w.Refreshed <- err:
			default:
			}
		}
	}
}

// Close stops watching. A running Run returns once the event stream ends.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Done is closed once Run has returned.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
