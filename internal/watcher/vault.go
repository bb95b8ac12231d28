package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaultindex/vaultindex/internal/config"
)

// VaultWatcher watches one vault root and emits debounced event batches.
// It selects the backend from Options.Mode: auto tries fsnotify first and
// falls back to polling.
type VaultWatcher struct {
	raw       Watcher
	backend   string
	debouncer *Debouncer
	events    chan []FileEvent
	errors    chan error
	stopCh    chan struct{}
	opts      Options

	mu             sync.Mutex
	stopped        bool
	droppedBatches atomic.Uint64
	resyncNeeded   atomic.Bool
}

// NewVaultWatcher creates a watcher for one vault.
func NewVaultWatcher(opts Options) (*VaultWatcher, error) {
	opts = opts.WithDefaults()

	var (
		raw     Watcher
		backend string
	)
	switch opts.Mode {
	case config.WatchPoll:
		raw = NewPollingWatcher(opts.PollInterval)
		backend = "poll"
	case config.WatchFsnotify:
		fw, err := NewFsnotifyWatcher()
		if err != nil {
			return nil, err
		}
		raw = fw
		backend = "fsnotify"
	case config.WatchAuto:
		if fw, err := NewFsnotifyWatcher(); err == nil {
			raw = fw
			backend = "fsnotify"
		} else {
			slog.Warn("fsnotify unavailable, using polling watcher",
				slog.String("error", err.Error()))
			raw = NewPollingWatcher(opts.PollInterval)
			backend = "poll"
		}
	default:
		return nil, fmt.Errorf("unknown watch mode %q", opts.Mode)
	}

	return &VaultWatcher{
		raw:       raw,
		backend:   backend,
		debouncer: NewDebouncer(opts.DebounceWindow),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
		opts:      opts,
	}, nil
}

// Start watches root until ctx is cancelled. Blocks.
func (v *VaultWatcher) Start(ctx context.Context, root string) error {
	go v.forwardRaw(ctx)
	go v.forwardBatches(ctx)
	return v.raw.Start(ctx, root)
}

// forwardRaw feeds raw events into the debouncer.
func (v *VaultWatcher) forwardRaw(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stopCh:
			return
		case event, ok := <-v.raw.Events():
			if !ok {
				return
			}
			v.debouncer.Add(event)
		case err, ok := <-v.raw.Errors():
			if !ok {
				return
			}
			v.emitError(err)
		}
	}
}

// forwardBatches moves debounced batches to the output channel. A ticker
// checks for dropped events anywhere in the pipeline and schedules a resync
// so every change is still delivered at least once.
func (v *VaultWatcher) forwardBatches(ctx context.Context) {
	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stopCh:
			return
		case batch, ok := <-v.debouncer.Output():
			if !ok {
				return
			}
			if len(batch) == 0 {
				continue
			}
			v.emitBatch(batch)
		case <-ticker.C:
			v.maybeResync()
		}
	}
}

func (v *VaultWatcher) emitBatch(batch []FileEvent) {
	v.mu.Lock()
	stopped := v.stopped
	v.mu.Unlock()
	if stopped {
		return
	}

	select {
	case v.events <- batch:
	default:
		dropped := v.droppedBatches.Add(1)
		v.resyncNeeded.Store(true)
		slog.Warn("watcher buffer full, dropping batch",
			slog.Int("batch_size", len(batch)),
			slog.Uint64("total_dropped", dropped))
	}
}

// maybeResync emits a resync marker when any stage of the pipeline dropped
// events since the last check. The marker tells the consumer to rescan the
// vault; it stays pending until delivered, so a full buffer only delays the
// resync rather than losing it.
func (v *VaultWatcher) maybeResync() {
	if v.raw.Overflowed() || v.debouncer.Overflowed() {
		v.resyncNeeded.Store(true)
	}
	if !v.resyncNeeded.Load() {
		return
	}

	v.mu.Lock()
	stopped := v.stopped
	v.mu.Unlock()
	if stopped {
		return
	}

	select {
	case v.events <- []FileEvent{{Operation: OpResync, Timestamp: time.Now()}}:
		v.resyncNeeded.Store(false)
		slog.Info("events were dropped, scheduling vault resync")
	default:
	}
}

func (v *VaultWatcher) emitError(err error) {
	v.mu.Lock()
	stopped := v.stopped
	v.mu.Unlock()
	if stopped {
		return
	}
	select {
	case v.errors <- err:
	default:
	}
}

// Stop stops the backend, the debouncer, and closes the output channels.
func (v *VaultWatcher) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stopped {
		return nil
	}
	v.stopped = true
	close(v.stopCh)
	v.debouncer.Stop()
	_ = v.raw.Stop()
	close(v.events)
	close(v.errors)
	return nil
}

// Events returns the channel of debounced batches.
func (v *VaultWatcher) Events() <-chan []FileEvent {
	return v.events
}

// Errors returns the channel of non-fatal errors.
func (v *VaultWatcher) Errors() <-chan error {
	return v.errors
}

// Backend reports which backend is in use ("fsnotify" or "poll").
func (v *VaultWatcher) Backend() string {
	return v.backend
}

// DroppedBatches returns how many batches were dropped on a full buffer.
func (v *VaultWatcher) DroppedBatches() uint64 {
	return v.droppedBatches.Load()
}
