package searcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/embed"
	verrors "github.com/vaultindex/vaultindex/internal/errors"
	"github.com/vaultindex/vaultindex/internal/note"
	"github.com/vaultindex/vaultindex/internal/store"
)

const testDims = 64

type fixture struct {
	root     string
	store    *store.SQLiteStore
	vectors  *store.VectorIndex
	embedder embed.Embedder
	searcher *Searcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	vectors, err := store.NewVectorIndex(store.VectorIndexConfig{Dimensions: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	embedder := embed.NewStaticEmbedder(testDims)
	require.NoError(t, s.SetStoredModel(context.Background(), embedder.ModelName(), testDims))

	sr := New(s, vectors, embedder, map[string]string{"notes": root},
		config.SearchConfig{DefaultLimit: 8, MaxLimit: 50, RequestTimeout: 30 * time.Second}, nil)

	return &fixture{root: root, store: s, vectors: vectors, embedder: embedder, searcher: sr}
}

// indexNote writes the file and inserts its embedding, standing in for the
// indexing pipeline.
func (f *fixture) indexNote(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	vec, err := f.embedder.Embed(context.Background(), content)
	require.NoError(t, err)

	doc := &store.Document{
		Vault: "notes", Path: rel, ModTime: time.Now(),
		ContentHash: note.Hash([]byte(content)),
		Embedding:   vec, Dimensions: testDims, Model: f.embedder.ModelName(),
	}
	require.NoError(t, f.store.UpsertDocuments(context.Background(), []*store.Document{doc}))
	require.NoError(t, f.vectors.Upsert(doc.Key(), vec))
}

func TestSearchFindsRelevantNote(t *testing.T) {
	f := newFixture(t)

	f.indexNote(t, "pets/cats.md", "cats are wonderful feline companions that purr")
	f.indexNote(t, "cooking/pasta.md", "boil water then add pasta and simmer the sauce")

	results, err := f.searcher.Search(context.Background(), "feline cats purr", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "pets/cats.md", results[0].Path)
	assert.Equal(t, "obsidian://notes/pets/cats.md", results[0].URI())
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.searcher.Search(context.Background(), "   ", "", 5)
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeQueryEmpty, verrors.GetCode(err))
}

func TestSearchUnknownVaultRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.searcher.Search(context.Background(), "anything", "bogus", 5)
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeUnknownVault, verrors.GetCode(err))
}

func TestSearchModelMismatchRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetStoredModel(context.Background(), "nomic-embed-text", 768))

	_, err := f.searcher.Search(context.Background(), "anything", "", 5)
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeModelMismatch, verrors.GetCode(err))
}

func TestSearchSkipsStaleEntries(t *testing.T) {
	f := newFixture(t)

	f.indexNote(t, "kept.md", "this note stays on disk")
	f.indexNote(t, "removed.md", "this note will vanish from disk")
	require.NoError(t, os.Remove(filepath.Join(f.root, "removed.md")))

	results, err := f.searcher.Search(context.Background(), "note disk", "", 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "removed.md", r.Path)
	}
}

func TestSearchExtractsMetadata(t *testing.T) {
	f := newFixture(t)

	content := "---\ntitle: Meeting\n---\n\n# Agenda\n\nDiscuss the quarterly roadmap.\n\n## Notes\n"
	f.indexNote(t, "meeting.md", content)

	results, err := f.searcher.Search(context.Background(), "quarterly roadmap agenda", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	r := results[0]
	assert.Contains(t, r.Frontmatter, "title: Meeting")
	assert.Equal(t, []string{"# Agenda", "## Notes"}, r.Outline)
	assert.Contains(t, r.Excerpt, "Discuss the quarterly roadmap")
	assert.NotContains(t, r.Excerpt, "title: Meeting")
}

func TestSearchLimitClamped(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.indexNote(t, filepath.Join("n", string(rune('a'+i))+".md"), "note content number "+string(rune('a'+i)))
	}

	// Limit 0 uses the default; a huge limit is clamped to the maximum.
	results, err := f.searcher.Search(context.Background(), "note content", "", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 8)

	results, err = f.searcher.Search(context.Background(), "note content", "", 10000)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 50)
}

func TestReadNote(t *testing.T) {
	f := newFixture(t)
	f.indexNote(t, "read-me.md", "# Read Me\n\nbody")

	content, err := f.searcher.ReadNote("notes", "read-me.md")
	require.NoError(t, err)
	assert.Contains(t, content, "# Read Me")
}

func TestReadNoteRejectsEscape(t *testing.T) {
	f := newFixture(t)

	_, err := f.searcher.ReadNote("notes", "../outside.md")
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeInvalidInput, verrors.GetCode(err))
}

func TestReadNoteUnknownVault(t *testing.T) {
	f := newFixture(t)

	_, err := f.searcher.ReadNote("bogus", "a.md")
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeUnknownVault, verrors.GetCode(err))
}

func TestReadNoteMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.searcher.ReadNote("notes", "absent.md")
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeFileNotFound, verrors.GetCode(err))
}

func TestRecentNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := &store.Document{
		Vault: "notes", Path: "old.md", ModTime: time.Now().Add(-time.Hour),
		ContentHash: "h1", Embedding: make([]float32, testDims),
		Dimensions: testDims, Model: "static",
	}
	recent := &store.Document{
		Vault: "notes", Path: "recent.md", ModTime: time.Now(),
		ContentHash: "h2", Embedding: make([]float32, testDims),
		Dimensions: testDims, Model: "static",
	}
	require.NoError(t, f.store.UpsertDocuments(ctx, []*store.Document{old, recent}))

	keys, err := f.searcher.RecentNotes(ctx, "notes", 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "recent.md", keys[0].Path)
	assert.Equal(t, "old.md", keys[1].Path)

	keys, err = f.searcher.RecentNotes(ctx, "notes", 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "recent.md", keys[0].Path)
}
