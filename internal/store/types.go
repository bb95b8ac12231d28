// Package store provides the persistence layer for vaultindex: a SQLite
// database holding note metadata, embeddings, and the writer lease, plus an
// in-memory HNSW index mirroring the embeddings for fast nearest-neighbour
// search.
//
// The database is shared between independent OS processes. WAL mode allows
// any number of concurrent readers while the single lease-holding writer
// commits; lease claims are linearized by SQLite's atomic conditional
// updates.
package store

import (
	"context"
	"time"
)

// Document is one indexed note.
type Document struct {
	// Vault is the vault name the note belongs to.
	Vault string
	// Path is the note path relative to the vault root.
	Path string
	// ModTime is the file modification time at indexing.
	ModTime time.Time
	// ContentHash is the sha256 hex digest of the note bytes.
	ContentHash string
	// Embedding is the note's vector, nil when cleared pending re-embedding.
	Embedding []float32
	// Dimensions is the embedding length (0 when Embedding is nil).
	Dimensions int
	// Model is the registry name of the embedding model, "" when cleared.
	Model string
}

// Key returns the unique document key within the database.
func (d *Document) Key() DocumentKey {
	return DocumentKey{Vault: d.Vault, Path: d.Path}
}

// DocumentKey is the primary key of a document: (vault, path).
type DocumentKey struct {
	Vault string
	Path  string
}

// String formats the key as vault/path.
func (k DocumentKey) String() string {
	return k.Vault + "/" + k.Path
}

// HashInfo is the hash-gate lookup result for one stored document.
type HashInfo struct {
	ContentHash string
	Model       string
	HasVector   bool
}

// Lease describes the current PRIMARY lease row.
type Lease struct {
	// Holder is the instance ID of the current lease holder.
	Holder string
	// Token authenticates renewals; a claim issues a fresh token.
	Token string
	// Heartbeat is the last renewal time.
	Heartbeat time.Time
}

// Age returns how long ago the lease was last renewed.
func (l *Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.Heartbeat)
}

// Expired reports whether the lease is stale beyond the timeout.
func (l *Lease) Expired(now time.Time, timeout time.Duration) bool {
	return l.Age(now) > timeout
}

// DocumentStore persists documents and the writer lease.
type DocumentStore interface {
	// UpsertDocuments writes a batch of documents transactionally.
	// Either every document in the batch is committed or none are.
	UpsertDocuments(ctx context.Context, docs []*Document) error

	// DeleteDocument removes a document by key. Missing rows are not an error.
	DeleteDocument(ctx context.Context, key DocumentKey) error

	// GetDocument fetches one document, or nil if absent.
	GetDocument(ctx context.Context, key DocumentKey) (*Document, error)

	// GetHashes returns hash-gate info for the given paths of one vault.
	// Paths absent from the index are missing from the result map.
	GetHashes(ctx context.Context, vault string, paths []string) (map[string]HashInfo, error)

	// ListPaths returns all indexed paths for a vault.
	ListPaths(ctx context.Context, vault string) ([]string, error)

	// ListEmbedded returns every document that currently has an embedding.
	// Used to (re)build the in-memory vector index.
	ListEmbedded(ctx context.Context) ([]*Document, error)

	// ListUnembedded returns document keys whose embedding has been cleared.
	ListUnembedded(ctx context.Context) ([]DocumentKey, error)

	// ClearEmbeddings nulls all embeddings while retaining content hashes,
	// and records the new model. Used when the configured model changes.
	ClearEmbeddings(ctx context.Context, newModel string, newDims int) error

	// CountDocuments returns the total number of indexed documents.
	CountDocuments(ctx context.Context) (int, error)

	// StoredModel returns the model name and dimension recorded in the
	// database, or empty values for a fresh database.
	StoredModel(ctx context.Context) (string, int, error)

	// SetStoredModel records the model name and dimension.
	SetStoredModel(ctx context.Context, model string, dims int) error

	// TryClaimLease atomically claims the PRIMARY lease. The claim succeeds
	// when no lease row exists, the existing row's heartbeat is older than
	// timeout, or the existing row carries this token already.
	TryClaimLease(ctx context.Context, holder, token string, now time.Time, timeout time.Duration) (bool, error)

	// ForceClaimLease takes the lease unconditionally, replacing any holder.
	// Used by instances running with the explicit primary role.
	ForceClaimLease(ctx context.Context, holder, token string, now time.Time) error

	// RenewLease updates the heartbeat under the given token. Returns false
	// when the token no longer matches (another process took over).
	RenewLease(ctx context.Context, token string, now time.Time) (bool, error)

	// ReleaseLease deletes the lease row if the token matches.
	ReleaseLease(ctx context.Context, token string) error

	// GetLease returns the current lease row, or nil when unclaimed.
	GetLease(ctx context.Context) (*Lease, error)

	// Close releases the database connection.
	Close() error
}

// SearchResult is one nearest-neighbour hit from the vector index.
type SearchResult struct {
	Key DocumentKey
	// Distance is the cosine distance to the query (lower is closer).
	Distance float32
}
