// Package searcher answers semantic queries against the shared index. Any
// instance may search regardless of its coordination role; only writes are
// fenced to the PRIMARY.
package searcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/embed"
	verrors "github.com/vaultindex/vaultindex/internal/errors"
	"github.com/vaultindex/vaultindex/internal/note"
	"github.com/vaultindex/vaultindex/internal/store"
)

// Result is one search hit with presentation metadata.
type Result struct {
	// Vault names the vault the note lives in.
	Vault string
	// Path is the note path relative to the vault root.
	Path string
	// Score is the cosine distance to the query (lower is closer).
	Score float32
	// Frontmatter is the raw YAML frontmatter, "" when absent.
	Frontmatter string
	// Outline lists the note's headings in order.
	Outline []string
	// Excerpt is the truncated note body.
	Excerpt string
	// ModTime is the note's modification time, used to break score ties.
	ModTime time.Time
}

// URI returns the note's resource identifier.
func (r *Result) URI() string {
	return "obsidian://" + r.Vault + "/" + r.Path
}

// Searcher executes vector queries over the shared index.
type Searcher struct {
	store    store.DocumentStore
	vectors  *store.VectorIndex
	embedder embed.Embedder
	vaults   map[string]string
	cfg      config.SearchConfig
	logger   *slog.Logger

	queryPrefix string
}

// New creates a searcher. vaults maps vault names to root paths.
func New(
	docStore store.DocumentStore,
	vectors *store.VectorIndex,
	embedder embed.Embedder,
	vaults map[string]string,
	cfg config.SearchConfig,
	logger *slog.Logger,
) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}

	queryPrefix := ""
	if mc, err := embed.GetModelConfig(embedder.ModelName()); err == nil {
		queryPrefix = mc.QueryPrefix
	}

	return &Searcher{
		store:       docStore,
		vectors:     vectors,
		embedder:    embedder,
		vaults:      vaults,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "searcher")),
		queryPrefix: queryPrefix,
	}
}

// Search embeds the query and returns up to limit nearest notes. vault ""
// searches every vault. limit <= 0 uses the configured default; limits
// above the maximum are clamped.
func (s *Searcher) Search(ctx context.Context, query, vault string, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, verrors.New(verrors.ErrCodeQueryEmpty, "search query is empty", nil)
	}
	if vault != "" {
		if _, ok := s.vaults[vault]; !ok {
			return nil, verrors.New(verrors.ErrCodeUnknownVault, "unknown vault "+vault, nil)
		}
	}

	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	if err := s.checkModel(ctx); err != nil {
		return nil, err
	}

	queryVec, err := s.embedder.Embed(ctx, s.queryPrefix+query)
	if err != nil {
		return nil, verrors.EmbeddingError("query embedding failed", err)
	}

	hits, err := s.vectors.Search(ctx, queryVec, limit, vault)
	if err != nil {
		return nil, verrors.StorageError("vector search failed", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		result, ok := s.render(hit)
		if !ok {
			continue
		}
		results = append(results, result)
	}

	// Nearest first; equal distances prefer the most recently modified
	// note, then path for stable output.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		if !results[i].ModTime.Equal(results[j].ModTime) {
			return results[i].ModTime.After(results[j].ModTime)
		}
		return results[i].Path < results[j].Path
	})

	s.logger.Debug("search completed",
		slog.String("vault", vault),
		slog.Int("limit", limit),
		slog.Int("results", len(results)))
	return results, nil
}

// checkModel rejects queries when the index was built with another model,
// because distances across models are meaningless.
func (s *Searcher) checkModel(ctx context.Context) error {
	storedModel, _, err := s.store.StoredModel(ctx)
	if err != nil {
		return err
	}
	current := s.embedder.ModelName()
	if storedModel != "" && storedModel != current {
		return verrors.ModelMismatch(storedModel, current)
	}
	return nil
}

// render reads the hit's file and extracts presentation metadata. Hits
// whose files are gone are stale index entries and get dropped; the
// reconciliation scan removes them for good.
func (s *Searcher) render(hit store.SearchResult) (Result, bool) {
	root, ok := s.vaults[hit.Key.Vault]
	if !ok {
		return Result{}, false
	}
	full := filepath.Join(root, filepath.FromSlash(hit.Key.Path))

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("stale index entry, skipping",
				slog.String("path", hit.Key.String()))
		} else {
			s.logger.Warn("note read failed, skipping",
				slog.String("path", hit.Key.String()),
				slog.String("error", err.Error()))
		}
		return Result{}, false
	}

	var modTime time.Time
	if info, statErr := os.Stat(full); statErr == nil {
		modTime = info.ModTime()
	}

	content := string(data)
	return Result{
		Vault:       hit.Key.Vault,
		Path:        hit.Key.Path,
		Score:       hit.Distance,
		Frontmatter: note.Frontmatter(content),
		Outline:     note.Outline(content),
		Excerpt:     note.Excerpt(content, note.MaxExcerptLength),
		ModTime:     modTime,
	}, true
}

// ReadNote returns the raw content of one indexed note by vault and path.
// Serves resource reads over MCP.
func (s *Searcher) ReadNote(vault, relPath string) (string, error) {
	root, ok := s.vaults[vault]
	if !ok {
		return "", verrors.New(verrors.ErrCodeUnknownVault, "unknown vault "+vault, nil)
	}

	clean := filepath.Clean(filepath.FromSlash(relPath))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", verrors.New(verrors.ErrCodeInvalidInput, "path escapes vault root", nil)
	}

	data, err := os.ReadFile(filepath.Join(root, clean))
	if err != nil {
		return "", verrors.New(verrors.ErrCodeFileNotFound, "note not found: "+relPath, err)
	}
	return string(data), nil
}

// RecentNotes lists the most recently modified indexed notes of one vault,
// newest first, up to limit.
func (s *Searcher) RecentNotes(ctx context.Context, vault string, limit int) ([]store.DocumentKey, error) {
	if _, ok := s.vaults[vault]; !ok {
		return nil, verrors.New(verrors.ErrCodeUnknownVault, "unknown vault "+vault, nil)
	}
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}

	docs, err := s.store.ListEmbedded(ctx)
	if err != nil {
		return nil, err
	}

	var vaultDocs []*store.Document
	for _, doc := range docs {
		if doc.Vault == vault {
			vaultDocs = append(vaultDocs, doc)
		}
	}
	sort.Slice(vaultDocs, func(i, j int) bool {
		return vaultDocs[i].ModTime.After(vaultDocs[j].ModTime)
	})

	if len(vaultDocs) > limit {
		vaultDocs = vaultDocs[:limit]
	}
	keys := make([]store.DocumentKey, len(vaultDocs))
	for i, doc := range vaultDocs {
		keys[i] = doc.Key()
	}
	return keys, nil
}
