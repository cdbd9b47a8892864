package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces the burst of events editors emit for a single save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Store whenever its backing file changes on disk.
// The parent directory is watched rather than the file itself so that atomic
// rename-into-place saves are observed.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	file     string
	debounce time.Duration
	logger   *logrus.Logger

	// OnReload, when set, is called after every reload attempt that found a change or failed.
	OnReload func(swapped bool, err error)

	closeOnce sync.Once
}

// NewWatcher starts watching the store's backing file.
func NewWatcher(store *Store, debounce time.Duration, logger *logrus.Logger) (*Watcher, error) {
	if store.Path() == "" {
		return nil, errors.New("cannot watch the embedded catalog")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = store.logger
	}

	abs, err := filepath.Abs(store.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		store:    store,
		watcher:  fw,
		file:     abs,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// Run processes file events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	w.logger.WithField("path", w.file).Info("Watching rule catalog for changes")

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			swapped, err := w.store.Reload()
			if w.OnReload != nil && (swapped || err != nil) {
				w.OnReload(swapped, err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Catalog watcher error")
		}
	}
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
