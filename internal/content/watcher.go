package content

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/models"
)

// Watcher forwards track directories deleted outside the store to the
// store's removal listeners. It only works on the OS file system.
type Watcher struct {
	store         *Store
	watcher       *fsnotify.Watcher
	debounceDelay time.Duration
	logger        *zap.Logger

	mu            sync.Mutex
	pending       map[models.TrackID]bool
	debounceTimer *time.Timer
	stopOnce      sync.Once
	stopChan      chan struct{}
}

// NewWatcher creates a watcher over the store's tracks directory
func NewWatcher(store *Store) *Watcher {
	return &Watcher{
		store:         store,
		debounceDelay: 500 * time.Millisecond,
		logger:        store.logger.Named("watcher"),
		pending:       make(map[models.TrackID]bool),
		stopChan:      make(chan struct{}),
	}
}

// Start begins watching until ctx is done or Stop is called. The downloads
// root is watched as well so the tracks watch is re-armed when the tracks
// directory is recreated.
func (w *Watcher) Start(ctx context.Context) error {
	root := w.store.tracksRoot()
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{w.store.Root(), root} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}
	w.watcher = watcher

	w.logger.Info("Content watcher started", zap.String("path", root))
	go w.processEvents(ctx)
	return nil
}

// rearm watches the tracks directory again after it was recreated
func (w *Watcher) rearm() {
	root := w.store.tracksRoot()
	if err := w.watcher.Add(root); err != nil {
		w.logger.Warn("Failed to re-arm content watcher", zap.String("path", root), zap.Error(err))
		return
	}
	w.logger.Info("Content watcher re-armed", zap.String("path", root))
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Content watcher error", zap.Error(err))

		case <-ctx.Done():
			w.Stop()
			return

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name == w.store.tracksRoot() {
		if event.Has(fsnotify.Create) {
			w.rearm()
		}
		return
	}
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if filepath.Dir(event.Name) != w.store.tracksRoot() {
		return
	}
	id, err := models.ParseTrackID(filepath.Base(event.Name))
	if err != nil {
		return
	}

	w.mu.Lock()
	w.pending[id] = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.flush)
	w.mu.Unlock()
}

// flush reports pending ids whose directory is still gone
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[models.TrackID]bool)
	w.mu.Unlock()

	var removed []models.TrackID
	for id := range pending {
		if _, err := os.Stat(w.store.PathForTrack(id)); os.IsNotExist(err) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return
	}

	w.logger.Info("Track directories removed externally", zap.Int("count", len(removed)))
	w.store.notifyTracksRemoved(removed)
}
