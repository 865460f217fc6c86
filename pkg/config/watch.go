package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the Snapshot whenever its source file changes on
// disk: an fsnotify.Watcher driven by a single event-loop goroutine,
// started and stopped explicitly rather than from the constructor.
//
// Current returns an *atomic.Pointer snapshot rather than a mutex-read
// copy, so in-flight orchestrator cycles keep using the snapshot they
// started with even while a reload is in progress.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	current atomic.Pointer[Snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher loads the initial snapshot at path and prepares an
// fsnotify watcher on it. Call Start to begin watching for changes.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	snapshot, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config file %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		watcher: fsw,
		logger:  logger,
	}
	w.current.Store(snapshot)
	return w, nil
}

// Current returns the most recently loaded snapshot. Safe for
// concurrent use; the returned value is never mutated in place, so
// callers may hold onto it for the duration of a single work cycle.
func (w *Watcher) Current() *Snapshot {
	return w.current.Load()
}

// Start begins watching for file changes in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the watch loop and releases the underlying fsnotify
// watcher. Safe to call even if Start was never called.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	snapshot, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous snapshot",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.current.Store(snapshot)
	w.logger.Info("config reloaded", zap.String("path", w.path))
}
