// Package reload watches the running workflow's configuration file for
// changes and signals the engine to run reload_workflow (spec.md §4.3
// "reload_workflow"), grounded on the teacher's fsnotify file watcher.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches one configuration file (or directory) and emits a
// signal each time it is written or renamed into place.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	signal  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *slog.Logger
}

// New creates a watcher over path (typically the workflow's config
// directory, so editors that write-then-rename are still observed).
func New(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: new watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("reload: abs path: %w", err)
	}
	if err := fsw.Add(absPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("reload: watch %s: %w", absPath, err)
	}

	return &Watcher{
		path:    absPath,
		watcher: fsw,
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  slog.Default().With(slog.String("component", "reload"), slog.String("path", absPath)),
	}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

// Signal fires at most once per pending reload; the engine drains it
// once per tick to decide whether to run reload_workflow.
func (w *Watcher) Signal() <-chan struct{} {
	return w.signal
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.signal <- struct{}{}:
			default:
				// a reload is already pending; coalesce
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("reload watcher error", "error", err)
		}
	}
}
