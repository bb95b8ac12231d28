// Package watcher detects markdown changes in vault directories and turns
// them into debounced file events for the indexing pipeline.
//
// Two backends exist: fsnotify for platforms with native file notification,
// and a polling scanner as fallback (network mounts, odd filesystems). The
// auto mode tries fsnotify and degrades to polling.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/vaultindex/vaultindex/internal/config"
)

// Operation is the kind of change observed on a note.
type Operation int

const (
	// OpCreate indicates a new note appeared.
	OpCreate Operation = iota
	// OpModify indicates an existing note changed.
	OpModify
	// OpDelete indicates a note disappeared.
	OpDelete
	// OpResync indicates events were lost and the vault needs a full
	// rescan. Path is empty.
	OpResync
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpResync:
		return "RESYNC"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one observed change, path relative to the vault root.
type FileEvent struct {
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Watcher is a raw per-vault change source. Events are unfiltered by time;
// the debouncer coalesces them before the pipeline sees batches.
type Watcher interface {
	// Start watches root until ctx is cancelled or Stop is called. Blocks.
	Start(ctx context.Context, root string) error

	// Stop releases resources. Safe to call more than once.
	Stop() error

	// Events returns the raw event channel, closed on stop.
	Events() <-chan FileEvent

	// Errors returns non-fatal watcher errors, closed on stop.
	Errors() <-chan error

	// Overflowed reports whether events were dropped on a full buffer
	// since the last call, clearing the flag. Dropped events mean the
	// vault needs a rescan to stay consistent.
	Overflowed() bool
}

// Options configures watcher construction.
type Options struct {
	// Mode selects the backend (auto, fsnotify, poll).
	Mode config.WatchMode

	// DebounceWindow is how long to coalesce before emitting a batch.
	DebounceWindow time.Duration

	// PollInterval is the scan period for the polling backend.
	PollInterval time.Duration

	// EventBufferSize is the batched-event channel capacity.
	EventBufferSize int
}

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if o.Mode == "" {
		o.Mode = config.WatchAuto
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 200 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 1000
	}
	return o
}

// isNotePath reports whether a relative path is an indexable markdown note.
// Hidden directories (.obsidian, .git, .trash) and non-markdown files are
// skipped.
func isNotePath(relPath string) bool {
	if relPath == "" || relPath == "." {
		return false
	}
	if !strings.EqualFold(filepath.Ext(relPath), ".md") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

// isHiddenDir reports whether a relative directory path lives under a
// hidden directory and can be pruned from walks entirely.
func isHiddenDir(relPath string) bool {
	if relPath == "" || relPath == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
