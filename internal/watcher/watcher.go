// Package watcher keeps a loaded graph current while files change on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zheng/codectx/internal/analyzer"
	"github.com/zheng/codectx/internal/export"
	"github.com/zheng/codectx/internal/graph"
	"github.com/zheng/codectx/internal/updater"
)

// Engine is the part of *engine.Engine the watcher drives.
type Engine interface {
	analyzer.Applier
	ApplyDeletion(ctx context.Context, path string) (*updater.ChangeSet, error)
	Snapshot() *graph.Snapshot
	Export() *export.Document
}

// Persister stores changed scopes. *storage.DB implements it.
type Persister interface {
	SaveScopes(ctx context.Context, doc *export.Document, scopes []string) error
}

// Batch describes one debounced round of updates.
type Batch struct {
	Files    []string
	Updated  []string
	Removed  []string
	Skipped  []analyzer.Skipped
	Duration time.Duration
}

// Watcher watches for file changes and re-parses the changed files.
type Watcher struct {
	indexer   *analyzer.Indexer
	engine    Engine
	persister Persister
	fsWatcher *fsnotify.Watcher
	logger    *slog.Logger

	// Debouncing
	debounceDelay time.Duration
	pendingFiles  map[string]struct{}
	pendingMu     sync.Mutex
	debounceTimer *time.Timer

	// Batches never overlap.
	batchMu sync.Mutex

	// Callbacks
	onBatchStart func(files []string)
	onBatchDone  func(*Batch)
	onError      func(error)

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherOption configures the watcher
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithPersister writes every batch to p.
func WithPersister(p Persister) WatcherOption {
	return func(w *Watcher) {
		w.persister = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithOnBatchStart sets the callback for when a batch starts
func WithOnBatchStart(fn func(files []string)) WatcherOption {
	return func(w *Watcher) {
		w.onBatchStart = fn
	}
}

// WithOnBatchDone sets the callback for when a batch completes
func WithOnBatchDone(fn func(*Batch)) WatcherOption {
	return func(w *Watcher) {
		w.onBatchDone = fn
	}
}

// WithOnError sets the callback for errors
func WithOnError(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// New creates a watcher over the indexer's project root.
func New(ix *analyzer.Indexer, eng Engine, opts ...WatcherOption) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		indexer:       ix,
		engine:        eng,
		fsWatcher:     fsWatcher,
		logger:        slog.Default(),
		debounceDelay: 500 * time.Millisecond,
		pendingFiles:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	if _, err := w.addDirs(ix.Root()); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to add directories to watch: %w", err)
	}
	return w, nil
}

// addDirs watches dir and every directory below it that is not ignored,
// and returns the accepted files found on the way.
func (w *Watcher) addDirs(dir string) ([]string, error) {
	walker := w.indexer.Walker()
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := walker.Rel(p)
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if walker.Accept(rel) {
				files = append(files, rel)
			}
			return nil
		}
		if rel != "." && walker.Ignored(rel, true) {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(p)
	})
	return files, err
}

// Start begins watching for changes
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.eventLoop()
	}()
}

// Stop stops the watcher and waits for a running batch. Pending changes
// that have not been flushed are dropped.
func (w *Watcher) Stop() error {
	w.cancel()
	w.pendingMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.pendingMu.Unlock()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return err
}

// eventLoop handles file system events
func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
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
			w.reportError(err)
		}
	}
}

// handleEvent processes a single file system event
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	walker := w.indexer.Walker()
	rel, err := walker.Rel(event.Name)
	if err != nil {
		return
	}

	// A new directory may arrive with files already inside (checkout, mv).
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if walker.Ignored(rel, true) {
				return
			}
			files, err := w.addDirs(event.Name)
			if err != nil {
				w.reportError(fmt.Errorf("watch %s: %w", rel, err))
			}
			w.Enqueue(files...)
			return
		}
	}

	if !walker.Accept(rel) {
		return
	}
	w.Enqueue(rel)
}

// Enqueue adds relative paths to the pending set and restarts the debounce
// timer.
func (w *Watcher) Enqueue(files ...string) {
	if len(files) == 0 {
		return
	}
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.ctx.Err() != nil {
		return
	}

	for _, f := range files {
		w.pendingFiles[f] = struct{}{}
	}

	// Reset debounce timer
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, func() {
		if _, err := w.Flush(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.reportError(err)
		}
	})
}

// Flush applies all pending changes now. It returns nil when nothing was
// pending.
func (w *Watcher) Flush(ctx context.Context) (*Batch, error) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	w.pendingMu.Lock()
	files := make([]string, 0, len(w.pendingFiles))
	for f := range w.pendingFiles {
		files = append(files, f)
	}
	w.pendingFiles = make(map[string]struct{})
	w.pendingMu.Unlock()

	if len(files) == 0 {
		return nil, nil
	}
	sort.Strings(files)

	if w.onBatchStart != nil {
		w.onBatchStart(files)
	}
	batch, err := w.apply(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("update failed: %w", err)
	}
	if w.onBatchDone != nil {
		w.onBatchDone(batch)
	}
	return batch, nil
}

// apply re-parses files. A file that fails to parse keeps its previous
// entities until it parses again.
func (w *Watcher) apply(ctx context.Context, files []string) (*Batch, error) {
	start := time.Now()
	batch := &Batch{Files: files}

	snap := w.engine.Snapshot()
	scopes, removed, skipped, err := w.indexer.Reindex(ctx, snap, files)
	if err != nil {
		return nil, err
	}
	batch.Skipped = skipped

	if err := analyzer.ApplyScopes(ctx, w.engine, scopes); err != nil {
		return nil, err
	}
	for _, sc := range scopes {
		batch.Updated = append(batch.Updated, sc.ID)
	}

	for _, path := range removed {
		if _, err := w.engine.ApplyDeletion(ctx, path); err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("remove %s: %w", path, err)
		}
		batch.Removed = append(batch.Removed, path)
	}

	if w.persister != nil {
		touched := append(append([]string(nil), batch.Updated...), batch.Removed...)
		if err := w.persister.SaveScopes(ctx, w.engine.Export(), touched); err != nil {
			return nil, fmt.Errorf("persist: %w", err)
		}
	}

	batch.Duration = time.Since(start)
	w.logger.Info("graph updated",
		slog.Int("updated", len(batch.Updated)),
		slog.Int("removed", len(batch.Removed)),
		slog.Int("skipped", len(batch.Skipped)),
		slog.Duration("elapsed", batch.Duration))
	return batch, nil
}

func (w *Watcher) reportError(err error) {
	w.logger.Error("watch error", slog.String("error", err.Error()))
	if w.onError != nil {
		w.onError(err)
	}
}
