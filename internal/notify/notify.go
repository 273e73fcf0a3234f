// Package notify watches the application tree for raw filesystem changes
// and coalesces event bursts into single triggers.
package notify

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet window after the last raw event before a
// burst is considered settled.
const DefaultDebounce = 150 * time.Millisecond

// Trigger is called once per settled event burst with the first observed
// path and the time the burst began. Each call is awaited before the next
// burst is delivered.
type Trigger func(ctx context.Context, path string, observedAt time.Time)

// Watcher recursively watches a root directory.
type Watcher struct {
	root     string
	window   time.Duration
	ignore   []string
	notifier *fsnotify.Watcher
}

// New creates a watcher over root. Paths under the ignore list (and any
// dot-directories) never produce triggers. A zero window uses
// DefaultDebounce.
func New(root string, window time.Duration, ignore ...string) (*Watcher, error) {
	if window <= 0 {
		window = DefaultDebounce
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		window:   window,
		ignore:   ignore,
		notifier: notifier,
	}
	if err := w.watchTree(root); err != nil {
		notifier.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the underlying OS watches.
func (w *Watcher) Close() error {
	return w.notifier.Close()
}

// Run blocks, delivering debounced triggers until ctx is done or the
// underlying watcher closes.
func (w *Watcher) Run(ctx context.Context, trigger Trigger) error {
	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		burstAt  time.Time
		burstTop string
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.notifier.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			// New directories must join the watch before their contents
			// start changing.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.watchTree(ev.Name); err != nil {
						log.Printf("Error watching %s: %v", ev.Name, err)
					}
				}
			}
			if timerC == nil {
				burstAt = time.Now()
				burstTop = ev.Name
				timer = time.NewTimer(w.window)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					<-timerC
				}
				timer.Reset(w.window)
			}

		case <-timerC:
			timerC = nil
			trigger(ctx, burstTop, burstAt)

		case err, ok := <-w.notifier.Errors:
			if !ok {
				return nil
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// watchTree adds dir and every non-ignored subdirectory to the watch.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.notifier.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	for _, dir := range w.ignore {
		if dir == "" {
			continue
		}
		if rel, err := filepath.Rel(dir, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
