package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/flowsync/pkg/model"
	"github.com/openfroyo/flowsync/pkg/telemetry"
)

const defaultDebounce = 500 * time.Millisecond

// SnapshotHandler receives a snapshot file that was written. err is set
// when the file could not be loaded.
type SnapshotHandler func(path string, snap *model.DeviceConfigSnapshot, err error)

// SnapshotWatcher reloads snapshot files of one directory when they change.
// Bursts of writes to a file are collapsed into one load after the debounce
// delay.
type SnapshotWatcher struct {
	loader   *SnapshotLoader
	dir      string
	debounce time.Duration
	logger   *telemetry.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewSnapshotWatcher creates a watcher for dir. A zero debounce uses 500ms.
func NewSnapshotWatcher(loader *SnapshotLoader, dir string, debounce time.Duration, logger *telemetry.Logger) *SnapshotWatcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &SnapshotWatcher{
		loader:   loader,
		dir:      dir,
		debounce: debounce,
		logger:   logger.NewComponentLogger("snapshot-watcher"),
		timers:   make(map[string]*time.Timer),
	}
}

// Watch calls fn for every snapshot file written under the directory until
// ctx is done. It returns once the watch is set up.
func (w *SnapshotWatcher) Watch(ctx context.Context, fn SnapshotHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.processEvents(ctx, watcher, fn)

	w.logger.WithField("dir", w.dir).Info("Watching snapshot directory")
	return nil
}

func (w *SnapshotWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, fn SnapshotHandler) {
	defer func() {
		_ = watcher.Close()
		w.stopTimers()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := FormatOf(event.Name); err != nil {
				continue
			}
			w.logger.WithFields(map[string]interface{}{
				"file": filepath.Base(event.Name),
				"op":   event.Op.String(),
			}).Debug("Snapshot file changed")
			w.schedule(ctx, event.Name, fn)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule (re)starts the debounce timer of path.
func (w *SnapshotWatcher) schedule(ctx context.Context, path string, fn SnapshotHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		snap, err := w.loader.LoadFile(path)
		if err != nil {
			w.logger.WithError(err).WithField("file", path).Warn("Cannot load changed snapshot")
		}
		fn(path, snap, err)
	})
}

func (w *SnapshotWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}
