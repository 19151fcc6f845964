package integrity

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// Watcher observes the directories containing protected files and runs a
// targeted verification when any of them changes. Events are debounced per
// path since editors fire several events for one save.
type Watcher struct {
	guard   *Guard
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	wg sync.WaitGroup
}

// NewWatcher creates a watcher for every directory that holds a protected
// file. Directories are watched rather than files so replace-by-rename
// writes are still observed.
func NewWatcher(guard *Guard) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for _, p := range guard.Paths() {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	return &Watcher{
		guard:   guard,
		watcher: fsw,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					w.debounce(event.Name)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.guard.log.Warnw("fsnotify_error", "error", err)
			}
		}
	}()
}

func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceInterval, func() {
		w.guard.VerifyPath(path)
	})
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	return err
}
