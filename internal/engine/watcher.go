package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/icebiz/modgate/internal/logger"
)

// defaultDebounce is how long the watcher waits for writes to settle.
const defaultDebounce = 250 * time.Millisecond

// Watcher reports changes to the primary document. Writers replace the file
// by rename, so the directory is watched rather than the file itself.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	log      *logger.Logger
}

// NewWatcher watches the directory containing path.
func NewWatcher(path string, debounce time.Duration, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		watcher:  fsw,
		log:      logger.OrNop(log).WithComponent("watcher"),
	}, nil
}

// Run calls onChange after each settled burst of changes to the document,
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func()) {
	defer w.watcher.Close()

	// Reset discards any stale tick (Go 1.23 timer semantics), so no draining.
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("document watch error")
		}
	}
}
