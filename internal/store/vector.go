package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"
)

// VectorIndexConfig configures the in-memory HNSW index.
type VectorIndexConfig struct {
	// Dimensions is the expected embedding dimension.
	Dimensions int

	// M is the HNSW connectivity parameter (default 16).
	M int

	// EfSearch is the HNSW search breadth (default 20).
	EfSearch int

	// SnapshotPath is the optional on-disk snapshot location. Empty
	// disables persistence and the index rebuilds from SQLite on start.
	SnapshotPath string
}

// VectorIndex is the in-memory nearest-neighbour index over document
// embeddings. It mirrors the embedded rows of the SQLite store; SQLite is
// the source of truth and the index can always be rebuilt from it.
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	// Graph keys are opaque uint64s; the maps translate document keys.
	// Deletes are lazy: the node stays in the graph but loses its mapping,
	// because coder/hnsw misbehaves when the last node is removed.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// vectorSnapshotMeta is the gob-encoded sidecar for a graph snapshot.
type vectorSnapshotMeta struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// NewVectorIndex creates an empty HNSW index.
func NewVectorIndex(cfg VectorIndexConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector index requires positive dimensions, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &VectorIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Upsert inserts or replaces one document's vector.
func (v *VectorIndex) Upsert(key DocumentKey, vector []float32) error {
	if len(vector) != v.config.Dimensions {
		return fmt.Errorf("vector has dimension %d, index expects %d",
			len(vector), v.config.Dimensions)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	id := key.String()
	if existing, ok := v.idMap[id]; ok {
		delete(v.keyMap, existing)
		delete(v.idMap, id)
	}

	internal := v.nextKey
	v.nextKey++

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeInPlace(vec)

	v.graph.Add(hnsw.MakeNode(internal, vec))
	v.idMap[id] = internal
	v.keyMap[internal] = id
	return nil
}

// Delete removes a document's vector. Missing keys are a no-op.
func (v *VectorIndex) Delete(key DocumentKey) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}

	id := key.String()
	if internal, ok := v.idMap[id]; ok {
		delete(v.keyMap, internal)
		delete(v.idMap, id)
	}
}

// Search returns up to k nearest documents to the query vector. When vault
// is non-empty, only that vault's documents are returned; the graph is
// over-fetched to compensate for filtered-out hits.
func (v *VectorIndex) Search(ctx context.Context, query []float32, k int, vault string) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != v.config.Dimensions {
		return nil, fmt.Errorf("query has dimension %d, index expects %d",
			len(query), v.config.Dimensions)
	}
	if k <= 0 {
		return nil, fmt.Errorf("search limit must be positive, got %d", k)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if v.graph.Len() == 0 {
		return nil, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	fetch := k
	if vault != "" {
		// Filtered searches fetch extra candidates so a multi-vault index
		// still fills the limit. Lazily deleted nodes are skipped the same
		// way.
		fetch = k * 4
	}
	if fetch < k+8 {
		fetch = k + 8
	}

	nodes := v.graph.Search(normalized, fetch)

	results := make([]SearchResult, 0, k)
	prefix := vault + "/"
	for _, node := range nodes {
		id, ok := v.keyMap[node.Key]
		if !ok {
			continue
		}
		if vault != "" && !strings.HasPrefix(id, prefix) {
			continue
		}

		docKey, ok := parseIndexID(id)
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			Key:      docKey,
			Distance: v.graph.Distance(normalized, node.Value),
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Len returns the number of live vectors in the index.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// Contains reports whether a document has a live vector.
func (v *VectorIndex) Contains(key DocumentKey) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.idMap[key.String()]
	return ok
}

// LoadFromStore rebuilds the index from the embedded rows in the store.
// Rows with a different dimension are skipped; the indexer re-embeds them.
func (v *VectorIndex) LoadFromStore(ctx context.Context, store DocumentStore) (int, error) {
	docs, err := store.ListEmbedded(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, doc := range docs {
		if len(doc.Embedding) != v.config.Dimensions {
			continue
		}
		if err := v.Upsert(doc.Key(), doc.Embedding); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// SaveSnapshot writes the graph and ID mappings to SnapshotPath. The write
// goes through a temp file plus rename, under a flock so concurrent
// processes never interleave snapshot writes.
func (v *VectorIndex) SaveSnapshot() error {
	if v.config.SnapshotPath == "" {
		return nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(v.config.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	lock := flock.New(v.config.SnapshotPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock snapshot: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	tmpGraph := v.config.SnapshotPath + ".tmp"
	f, err := os.Create(tmpGraph)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := v.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpGraph)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpGraph)
		return fmt.Errorf("close snapshot: %w", err)
	}

	metaPath := v.config.SnapshotPath + ".meta"
	tmpMeta := metaPath + ".tmp"
	mf, err := os.Create(tmpMeta)
	if err != nil {
		_ = os.Remove(tmpGraph)
		return fmt.Errorf("create snapshot metadata: %w", err)
	}
	meta := vectorSnapshotMeta{
		IDMap:      v.idMap,
		NextKey:    v.nextKey,
		Dimensions: v.config.Dimensions,
	}
	if err := gob.NewEncoder(mf).Encode(&meta); err != nil {
		_ = mf.Close()
		_ = os.Remove(tmpGraph)
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("encode snapshot metadata: %w", err)
	}
	if err := mf.Close(); err != nil {
		_ = os.Remove(tmpGraph)
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("close snapshot metadata: %w", err)
	}

	if err := os.Rename(tmpGraph, v.config.SnapshotPath); err != nil {
		_ = os.Remove(tmpGraph)
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	if err := os.Rename(tmpMeta, metaPath); err != nil {
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("commit snapshot metadata: %w", err)
	}
	return nil
}

// LoadSnapshot restores the graph from SnapshotPath. Returns false when no
// snapshot exists or it was written for a different dimension; callers fall
// back to LoadFromStore.
func (v *VectorIndex) LoadSnapshot() (bool, error) {
	if v.config.SnapshotPath == "" {
		return false, nil
	}

	metaPath := v.config.SnapshotPath + ".meta"
	mf, err := os.Open(metaPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open snapshot metadata: %w", err)
	}
	var meta vectorSnapshotMeta
	decodeErr := gob.NewDecoder(mf).Decode(&meta)
	_ = mf.Close()
	if decodeErr != nil {
		return false, fmt.Errorf("decode snapshot metadata: %w", decodeErr)
	}
	if meta.Dimensions != v.config.Dimensions {
		return false, nil
	}

	gf, err := os.Open(v.config.SnapshotPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = gf.Close() }()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Import needs an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(gf)); err != nil {
		return false, fmt.Errorf("import graph: %w", err)
	}

	v.idMap = meta.IDMap
	v.nextKey = meta.NextKey
	v.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, internal := range meta.IDMap {
		v.keyMap[internal] = id
	}
	return true, nil
}

// Close marks the index closed. The graph memory is released by GC.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

// parseIndexID splits a "vault/path" index ID back into a DocumentKey.
func parseIndexID(id string) (DocumentKey, bool) {
	idx := strings.Index(id, "/")
	if idx <= 0 {
		return DocumentKey{}, false
	}
	return DocumentKey{Vault: id[:idx], Path: id[idx+1:]}, true
}

// normalizeInPlace scales a vector to unit length.
func normalizeInPlace(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
