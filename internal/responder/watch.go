package responder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before a changed status file is reloaded.
const DefaultDebounce = 100 * time.Millisecond

// StatusWatcher reloads a status file into a StatusTable whenever the file
// changes on disk. A file that fails to parse leaves the table untouched.
type StatusWatcher struct {
	path     string
	table    *StatusTable
	log      zerolog.Logger
	debounce time.Duration

	fsWatcher *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	reloaded func(error)
}

// NewStatusWatcher watches path for changes. It watches the parent directory
// so that editors replacing the file by rename are seen.
func NewStatusWatcher(path string, table *StatusTable, log zerolog.Logger) (*StatusWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return &StatusWatcher{
		path:      filepath.Clean(path),
		table:     table,
		log:       log.With().Str("status_file", path).Logger(),
		debounce:  DefaultDebounce,
		fsWatcher: fw,
	}, nil
}

// Reload parses the status file and swaps it into the table.
func (w *StatusWatcher) Reload() error {
	next, err := LoadStatusFile(w.path)
	if err != nil {
		return err
	}
	w.table.Replace(next)
	w.log.Info().Int("entries", next.Len()).Msg("status file reloaded")
	return nil
}

// Run blocks until ctx is canceled, reloading on every change.
func (w *StatusWatcher) Run(ctx context.Context) {
	defer w.fsWatcher.Close()
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("status file watch error")
		}
	}
}

func (w *StatusWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		err := w.Reload()
		if err != nil {
			w.log.Error().Err(err).Msg("failed to reload status file, keeping previous statuses")
		}
		w.mu.Lock()
		hook := w.reloaded
		w.mu.Unlock()
		if hook != nil {
			hook(err)
		}
	})
}

func (w *StatusWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
