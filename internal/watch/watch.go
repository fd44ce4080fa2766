// SPDX-License-Identifier: MIT

// Package watch turns filesystem events under the configured media
// directories into scan jobs. Events are debounced per path so a file
// still being copied in enqueues once, after it settles.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/vpo-project/vpo/internal/catalog"
	"github.com/vpo-project/vpo/internal/log"
	"github.com/vpo-project/vpo/internal/queue"
)

const defaultDebounce = 2 * time.Second

// Watcher tails directories and enqueues scan jobs.
type Watcher struct {
	Queue    *queue.Queue
	Dirs     []string
	Debounce time.Duration

	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New builds a watcher over dirs.
func New(q *queue.Queue, dirs []string) *Watcher {
	return &Watcher{
		Queue:    q,
		Dirs:     dirs,
		Debounce: defaultDebounce,
		logger:   log.WithComponent("watch"),
		pending:  map[string]*time.Timer{},
	}
}

// Run blocks until the context is cancelled. fsnotify does not recurse,
// so every subdirectory is registered up front and new ones as they
// appear.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer fw.Close()
	defer w.drainTimers()

	for _, dir := range w.Dirs {
		if err := addTree(fw, dir); err != nil {
			return err
		}
	}
	w.logger.Info().Strs("dirs", w.Dirs).Msg("watching for media changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := addTree(fw, ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", ev.Name).Msg("subdirectory not watched")
			}
			return
		}
	}

	if !catalog.IsMediaPath(ev.Name) {
		return
	}
	w.debounce(ctx, ev.Name)
}

// debounce (re)arms the per-path timer; only the final event in a burst
// enqueues.
func (w *Watcher) debounce(ctx context.Context, path string) {
	delay := w.Debounce
	if delay <= 0 {
		delay = defaultDebounce
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(delay)
		return
	}
	w.pending[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.enqueue(ctx, path)
	})
}

func (w *Watcher) enqueue(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// settled into nonexistence (moved away or deleted)
		return
	}
	job := queue.NewJob(queue.JobScan, path)
	if err := w.Queue.Insert(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("scan job not enqueued")
		return
	}
	w.logger.Info().Str("path", path).Str("job", job.ID).Msg("scan job enqueued")
}

func (w *Watcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// addTree registers dir and every subdirectory beneath it.
func addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("watch: %s: %w", path, err)
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch: add %s: %w", path, err)
			}
		}
		return nil
	})
}
