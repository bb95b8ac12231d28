package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// PollingWatcher detects note changes by scanning the vault tree on an
// interval and diffing mtime and size against the previous scan.
type PollingWatcher struct {
	interval   time.Duration
	snapshot   map[string]noteSnapshot
	events     chan FileEvent
	errors     chan error
	stopCh     chan struct{}
	mu         sync.Mutex
	stopped    bool
	root       string
	overflowed atomic.Bool
}

type noteSnapshot struct {
	modTime time.Time
	size    int64
}

// NewPollingWatcher creates a polling watcher with the given scan interval.
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	return &PollingWatcher{
		interval: interval,
		snapshot: make(map[string]noteSnapshot),
		events:   make(chan FileEvent, 100),
		errors:   make(chan error, 10),
		stopCh:   make(chan struct{}),
	}
}

var _ Watcher = (*PollingWatcher)(nil)

// Start scans root every interval until ctx is cancelled. The first scan
// establishes the baseline and emits nothing; startup indexing is the
// reconciliation scan's job, not the watcher's.
func (p *PollingWatcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve vault root: %w", err)
	}
	p.root = abs

	p.mu.Lock()
	p.snapshot = p.scanTree()
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.diff()
		}
	}
}

// Stop stops the watcher and closes its channels.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
	return nil
}

// Events returns the raw event channel.
func (p *PollingWatcher) Events() <-chan FileEvent {
	return p.events
}

// Errors returns the error channel.
func (p *PollingWatcher) Errors() <-chan error {
	return p.errors
}

// scanTree walks the vault and snapshots every markdown note.
func (p *PollingWatcher) scanTree() map[string]noteSnapshot {
	current := make(map[string]noteSnapshot)

	_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if isHiddenDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isNotePath(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		current[rel] = noteSnapshot{modTime: info.ModTime(), size: info.Size()}
		return nil
	})

	return current
}

// diff compares a fresh scan against the previous snapshot and emits one
// event per changed note.
func (p *PollingWatcher) diff() {
	current := p.scanTree()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for rel, snap := range current {
		prev, existed := p.snapshot[rel]
		switch {
		case !existed:
			p.emit(FileEvent{Path: rel, Operation: OpCreate, Timestamp: now})
		case !prev.modTime.Equal(snap.modTime) || prev.size != snap.size:
			p.emit(FileEvent{Path: rel, Operation: OpModify, Timestamp: now})
		}
	}
	for rel := range p.snapshot {
		if _, still := current[rel]; !still {
			p.emit(FileEvent{Path: rel, Operation: OpDelete, Timestamp: now})
		}
	}

	p.snapshot = current
}

// emit sends an event without blocking the scan. Must hold mu.
func (p *PollingWatcher) emit(event FileEvent) {
	if p.stopped {
		return
	}
	select {
	case p.events <- event:
	default:
		p.overflowed.Store(true)
		slog.Warn("polling watcher buffer full, dropping event",
			slog.String("path", event.Path),
			slog.String("op", event.Operation.String()))
	}
}

// Overflowed reports and clears the dropped-event flag.
func (p *PollingWatcher) Overflowed() bool {
	return p.overflowed.Swap(false)
}
