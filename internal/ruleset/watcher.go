package ruleset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher re-applies a rule file whenever it changes on disk. The parent
// directory is watched so editors that replace the file are seen too.
type Watcher struct {
	path     string
	sink     Sink
	logger   *zap.Logger
	debounce time.Duration
	onApply  func(Result, error)

	mu      sync.Mutex
	pending time.Time
	applied int
	failed  int
}

type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// OnApply registers a callback run after every reload attempt.
func OnApply(fn func(Result, error)) WatcherOption {
	return func(w *Watcher) { w.onApply = fn }
}

func NewWatcher(path string, sink Sink, logger *zap.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		sink:     sink,
		logger:   logger,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching rule file", zap.String("path", w.path))

	tick := time.NewTicker(w.debounce / 5)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule file watcher error", zap.Error(err))
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
	if due {
		w.pending = time.Time{}
	}
	w.mu.Unlock()
	if !due {
		return
	}

	res, err := LoadAndApply(ctx, w.path, w.sink)
	w.mu.Lock()
	if err != nil {
		w.failed++
	} else {
		w.applied++
	}
	w.mu.Unlock()
	if err != nil {
		w.logger.Error("rule file reload failed, keeping previous rules", zap.String("path", w.path), zap.Error(err))
	} else {
		w.logger.Info("rule file reloaded", zap.Int("agents", res.Agents), zap.Int("rules", res.Rules))
	}
	if w.onApply != nil {
		w.onApply(res, err)
	}
}

// Counts returns the number of successful and failed reloads.
func (w *Watcher) Counts() (applied, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied, w.failed
}
