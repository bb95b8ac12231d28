package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FsnotifyWatcher uses native file notifications. fsnotify does not watch
// recursively, so every subdirectory is registered and newly created
// directories are added as they appear.
type FsnotifyWatcher struct {
	fsw        *fsnotify.Watcher
	events     chan FileEvent
	errors     chan error
	stopCh     chan struct{}
	mu         sync.Mutex
	stopped    bool
	root       string
	overflowed atomic.Bool
}

// NewFsnotifyWatcher creates an fsnotify-backed watcher. Returns an error
// when the platform cannot provide file notifications; callers fall back to
// polling.
func NewFsnotifyWatcher() (*FsnotifyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &FsnotifyWatcher{
		fsw:    fsw,
		events: make(chan FileEvent, 100),
		errors: make(chan error, 10),
		stopCh: make(chan struct{}),
	}, nil
}

var _ Watcher = (*FsnotifyWatcher)(nil)

// Start registers the vault tree and forwards events until ctx is done.
func (w *FsnotifyWatcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve vault root: %w", err)
	}
	w.root = abs

	if err := w.addRecursive(abs); err != nil {
		return fmt.Errorf("register vault directories: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// handle translates one fsnotify event into a FileEvent.
func (w *FsnotifyWatcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}

	// New directories must be registered or their contents go unseen.
	if event.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if !isHiddenDir(rel) {
				_ = w.addRecursive(event.Name)
			}
			return
		}
	}

	if !isNotePath(rel) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		// A rename reports only the old name. The note at the new name
		// arrives as its own CREATE, so the old entry is a plain delete.
		op = OpDelete
	default:
		// Chmod and other noise.
		return
	}

	w.emit(FileEvent{Path: rel, Operation: op, Timestamp: time.Now()})
}

// addRecursive registers dir and all visible subdirectories.
func (w *FsnotifyWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		if rel != "." && isHiddenDir(rel) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *FsnotifyWatcher) emit(event FileEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.events <- event:
	default:
		// The consumer recovers dropped events via Overflowed.
		w.overflowed.Store(true)
	}
}

func (w *FsnotifyWatcher) emitError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}

// Stop closes the fsnotify watcher and the channels.
func (w *FsnotifyWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	_ = w.fsw.Close()
	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the raw event channel.
func (w *FsnotifyWatcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the error channel.
func (w *FsnotifyWatcher) Errors() <-chan error {
	return w.errors
}

// Overflowed reports and clears the dropped-event flag.
func (w *FsnotifyWatcher) Overflowed() bool {
	return w.overflowed.Swap(false)
}
