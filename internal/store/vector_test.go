package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, dims int) *VectorIndex {
	t.Helper()
	idx, err := NewVectorIndex(VectorIndexConfig{Dimensions: dims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestVectorIndexUpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(DocumentKey{Vault: "notes", Path: "cats.md"}, []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert(DocumentKey{Vault: "notes", Path: "dogs.md"}, []float32{0, 1, 0}))
	require.NoError(t, idx.Upsert(DocumentKey{Vault: "notes", Path: "fish.md"}, []float32{0, 0, 1}))

	results, err := idx.Search(ctx, []float32{0.9, 0.1, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "cats.md", results[0].Key.Path)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestVectorIndexUpsertReplaces(t *testing.T) {
	idx := newTestIndex(t, 2)
	key := DocumentKey{Vault: "notes", Path: "a.md"}

	require.NoError(t, idx.Upsert(key, []float32{1, 0}))
	require.NoError(t, idx.Upsert(key, []float32{0, 1}))
	assert.Equal(t, 1, idx.Len())

	results, err := idx.Search(context.Background(), []float32{0, 1}, 1, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, key, results[0].Key)
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
}

func TestVectorIndexDelete(t *testing.T) {
	idx := newTestIndex(t, 2)
	ctx := context.Background()

	keyA := DocumentKey{Vault: "notes", Path: "a.md"}
	keyB := DocumentKey{Vault: "notes", Path: "b.md"}
	require.NoError(t, idx.Upsert(keyA, []float32{1, 0}))
	require.NoError(t, idx.Upsert(keyB, []float32{0, 1}))

	idx.Delete(keyA)
	assert.False(t, idx.Contains(keyA))
	assert.Equal(t, 1, idx.Len())

	// Deleted documents never surface in results.
	results, err := idx.Search(ctx, []float32{1, 0}, 5, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keyB, results[0].Key)

	// Deleting twice is a no-op.
	idx.Delete(keyA)
	assert.Equal(t, 1, idx.Len())
}

func TestVectorIndexVaultFilter(t *testing.T) {
	idx := newTestIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(DocumentKey{Vault: "notes", Path: "a.md"}, []float32{1, 0}))
	require.NoError(t, idx.Upsert(DocumentKey{Vault: "work", Path: "b.md"}, []float32{0.99, 0.01}))
	require.NoError(t, idx.Upsert(DocumentKey{Vault: "work", Path: "c.md"}, []float32{0.98, 0.02}))

	results, err := idx.Search(ctx, []float32{1, 0}, 5, "work")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "work", r.Key.Vault)
	}
}

func TestVectorIndexDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 3)

	err := idx.Upsert(DocumentKey{Vault: "notes", Path: "a.md"}, []float32{1, 0})
	assert.Error(t, err)

	_, err = idx.Search(context.Background(), []float32{1, 0}, 1, "")
	assert.Error(t, err)
}

func TestVectorIndexEmptySearch(t *testing.T) {
	idx := newTestIndex(t, 2)

	results, err := idx.Search(context.Background(), []float32{1, 0}, 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorIndexLoadFromStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDocuments(ctx, []*Document{
		testDoc("notes", "a.md", "ha", []float32{1, 0}),
		testDoc("notes", "b.md", "hb", []float32{0, 1}),
		testDoc("notes", "pending.md", "hp", nil),
	}))

	idx := newTestIndex(t, 2)
	loaded, err := idx.LoadFromStore(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.True(t, idx.Contains(DocumentKey{Vault: "notes", Path: "a.md"}))
	assert.False(t, idx.Contains(DocumentKey{Vault: "notes", Path: "pending.md"}))
}

func TestVectorIndexSnapshotRoundTrip(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "vectors.hnsw")

	idx, err := NewVectorIndex(VectorIndexConfig{Dimensions: 2, SnapshotPath: snapshot})
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(DocumentKey{Vault: "notes", Path: "a.md"}, []float32{1, 0}))
	require.NoError(t, idx.Upsert(DocumentKey{Vault: "notes", Path: "b.md"}, []float32{0, 1}))
	require.NoError(t, idx.SaveSnapshot())
	require.NoError(t, idx.Close())

	restored, err := NewVectorIndex(VectorIndexConfig{Dimensions: 2, SnapshotPath: snapshot})
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()

	ok, err := restored.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, restored.Len())

	results, err := restored.Search(context.Background(), []float32{1, 0}, 1, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0].Key.Path)
}

func TestVectorIndexSnapshotDimensionChange(t *testing.T) {
	snapshot := filepath.Join(t.TempDir(), "vectors.hnsw")

	idx, err := NewVectorIndex(VectorIndexConfig{Dimensions: 2, SnapshotPath: snapshot})
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(DocumentKey{Vault: "notes", Path: "a.md"}, []float32{1, 0}))
	require.NoError(t, idx.SaveSnapshot())
	require.NoError(t, idx.Close())

	// A snapshot from another dimension is ignored, not an error.
	restored, err := NewVectorIndex(VectorIndexConfig{Dimensions: 3, SnapshotPath: snapshot})
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()

	ok, err := restored.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, restored.Len())
}

func TestVectorIndexSnapshotMissing(t *testing.T) {
	idx, err := NewVectorIndex(VectorIndexConfig{
		Dimensions:   2,
		SnapshotPath: filepath.Join(t.TempDir(), "vectors.hnsw"),
	})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	ok, err := idx.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseIndexID(t *testing.T) {
	key, ok := parseIndexID("notes/daily/2026-08-23.md")
	require.True(t, ok)
	assert.Equal(t, "notes", key.Vault)
	assert.Equal(t, "daily/2026-08-23.md", key.Path)

	_, ok = parseIndexID("no-separator")
	assert.False(t, ok)
}

func TestLeaseExpiry(t *testing.T) {
	now := time.Now()
	lease := &Lease{Holder: "inst-a", Token: "tok", Heartbeat: now}

	assert.False(t, lease.Expired(now.Add(10*time.Second), 15*time.Second))
	assert.True(t, lease.Expired(now.Add(16*time.Second), 15*time.Second))
}
