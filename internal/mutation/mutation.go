// Package mutation defines the ordered change stream between the vault
// watchers and the indexer. Every accepted change gets a monotonically
// increasing sequence number, so the indexer applies changes in the order
// they were observed regardless of which vault produced them.
package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/vaultindex/vaultindex/internal/store"
)

// Op is the kind of index change a mutation requests.
type Op int

const (
	// OpUpsert re-reads the note and updates its index entry.
	OpUpsert Op = iota
	// OpDelete removes the note from the index.
	OpDelete
	// OpReconcile requests a full scan of one vault against the index.
	OpReconcile
)

// String returns the op name.
func (op Op) String() string {
	switch op {
	case OpUpsert:
		return "UPSERT"
	case OpDelete:
		return "DELETE"
	case OpReconcile:
		return "RECONCILE"
	default:
		return "UNKNOWN"
	}
}

// Mutation is one ordered index change request.
type Mutation struct {
	// Seq is assigned by the queue, strictly increasing per process.
	Seq uint64
	// Vault names the vault the change belongs to.
	Vault string
	// Path is the note path relative to the vault root ("" for reconcile).
	Path string
	// Op is the requested change.
	Op Op
	// Observed is when the underlying change was detected.
	Observed time.Time
}

// Key returns the document key the mutation targets.
func (m Mutation) Key() store.DocumentKey {
	return store.DocumentKey{Vault: m.Vault, Path: m.Path}
}

// Queue is a bounded FIFO of mutations. Enqueue blocks when the queue is
// full so a slow indexer applies backpressure instead of losing changes.
//
// The buffer channel is never closed; shutdown is signalled through done so
// a producer blocked mid-send cannot race Close into a panic.
type Queue struct {
	ch   chan Mutation
	done chan struct{}

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// DefaultQueueCapacity bounds in-flight mutations.
const DefaultQueueCapacity = 4096

// NewQueue creates a queue with the given capacity (0 uses the default).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		ch:   make(chan Mutation, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue assigns the next sequence number and appends the mutation.
// Blocks while the queue is full; returns ctx.Err() on cancellation,
// ErrQueueClosed after Close, and the assigned mutation otherwise.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (Mutation, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Mutation{}, ErrQueueClosed
	}
	q.seq++
	m.Seq = q.seq
	q.mu.Unlock()

	select {
	case q.ch <- m:
		return m, nil
	case <-q.done:
		return Mutation{}, ErrQueueClosed
	case <-ctx.Done():
		return Mutation{}, ctx.Err()
	}
}

// EnqueueBatch appends several mutations in order, preserving their relative
// order in the assigned sequence numbers.
func (q *Queue) EnqueueBatch(ctx context.Context, ms []Mutation) error {
	for _, m := range ms {
		if _, err := q.Enqueue(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Dequeue removes the oldest mutation, blocking until one is available.
// Returns ErrQueueClosed after Close once the queue drains.
func (q *Queue) Dequeue(ctx context.Context) (Mutation, error) {
	select {
	case m := <-q.ch:
		return m, nil
	case <-q.done:
		// Drain what was queued before the close.
		select {
		case m := <-q.ch:
			return m, nil
		default:
			return Mutation{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Mutation{}, ctx.Err()
	}
}

// TryDequeue removes the oldest mutation without blocking.
func (q *Queue) TryDequeue() (Mutation, bool) {
	select {
	case m := <-q.ch:
		return m, true
	default:
		return Mutation{}, false
	}
}

// Len returns the number of queued mutations.
func (q *Queue) Len() int {
	return len(q.ch)
}

// LastSeq returns the most recently assigned sequence number.
func (q *Queue) LastSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

// Close stops accepting mutations. Queued mutations remain dequeueable.
// Safe to call concurrently with blocked producers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
