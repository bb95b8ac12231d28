// Package indexer applies the mutation stream to the index: it reads
// changed notes, gates re-embedding on content hashes, embeds in batches,
// and commits documents transactionally. Only the PRIMARY instance runs an
// indexer.
package indexer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/embed"
	verrors "github.com/vaultindex/vaultindex/internal/errors"
	"github.com/vaultindex/vaultindex/internal/mutation"
	"github.com/vaultindex/vaultindex/internal/note"
	"github.com/vaultindex/vaultindex/internal/store"
)

// Indexer consumes mutations and keeps the document store and the vector
// index in sync with the vaults.
type Indexer struct {
	store    store.DocumentStore
	vectors  *store.VectorIndex
	embedder embed.Embedder
	queue    *mutation.Queue
	vaults   map[string]string
	cfg      config.IndexingConfig
	logger   *slog.Logger

	docPrefix string
}

// New creates an indexer. vaults maps vault names to their root paths.
func New(
	docStore store.DocumentStore,
	vectors *store.VectorIndex,
	embedder embed.Embedder,
	queue *mutation.Queue,
	vaults map[string]string,
	cfg config.IndexingConfig,
	logger *slog.Logger,
) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}

	docPrefix := ""
	if mc, err := embed.GetModelConfig(embedder.ModelName()); err == nil {
		docPrefix = mc.DocumentPrefix
	}

	return &Indexer{
		store:     docStore,
		vectors:   vectors,
		embedder:  embedder,
		queue:     queue,
		vaults:    vaults,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "indexer")),
		docPrefix: docPrefix,
	}
}

// Run consumes the queue until ctx is cancelled. Blocks.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		first, err := ix.queue.Dequeue(ctx)
		if err != nil {
			if err == mutation.ErrQueueClosed || ctx.Err() != nil {
				return nil
			}
			return err
		}

		batch := ix.drainBatch(first)
		ix.apply(ctx, batch)
	}
}

// drainBatch collects up to BatchSize mutations without blocking, keeping
// queue order.
func (ix *Indexer) drainBatch(first mutation.Mutation) []mutation.Mutation {
	batch := []mutation.Mutation{first}
	for len(batch) < ix.cfg.BatchSize {
		m, ok := ix.queue.TryDequeue()
		if !ok {
			break
		}
		batch = append(batch, m)
	}
	return batch
}

// apply processes mutations in order, grouping consecutive upserts so one
// embedding call covers them.
func (ix *Indexer) apply(ctx context.Context, batch []mutation.Mutation) {
	var upserts []mutation.Mutation

	flush := func() {
		if len(upserts) > 0 {
			ix.applyUpserts(ctx, upserts)
			upserts = nil
		}
	}

	for _, m := range batch {
		switch m.Op {
		case mutation.OpUpsert:
			upserts = append(upserts, m)
		case mutation.OpDelete:
			flush()
			ix.applyDelete(ctx, m.Key())
		case mutation.OpReconcile:
			flush()
			if err := ix.Reconcile(ctx, m.Vault); err != nil {
				ix.logger.Error("reconcile failed",
					slog.String("vault", m.Vault),
					slog.String("error", err.Error()))
			}
		}
	}
	flush()
}

// pendingDoc is a loaded note awaiting embedding.
type pendingDoc struct {
	doc  *store.Document
	text string
}

// applyUpserts loads, hash-gates, embeds, and commits a group of upserts.
func (ix *Indexer) applyUpserts(ctx context.Context, ms []mutation.Mutation) {
	// Load notes, turning vanished files into deletes.
	byVault := make(map[string][]string)
	loaded := make(map[store.DocumentKey]*note.Note)
	mtimes := make(map[store.DocumentKey]time.Time)

	for _, m := range ms {
		root, ok := ix.vaults[m.Vault]
		if !ok {
			ix.logger.Warn("mutation for unknown vault", slog.String("vault", m.Vault))
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(m.Path))

		info, err := os.Stat(full)
		if err != nil {
			// The note disappeared between the event and now.
			ix.applyDelete(ctx, m.Key())
			continue
		}
		if info.Size() > ix.cfg.MaxFileSize {
			ix.logger.Warn("note exceeds size limit, skipping",
				slog.String("path", m.Path),
				slog.Int64("size", info.Size()))
			continue
		}

		n, err := note.Load(full)
		if err != nil {
			ix.logger.Warn("note read failed, skipping",
				slog.String("path", m.Path),
				slog.String("error", err.Error()))
			continue
		}

		key := m.Key()
		loaded[key] = n
		mtimes[key] = info.ModTime()
		byVault[m.Vault] = append(byVault[m.Vault], m.Path)
	}

	// Hash gate: unchanged notes with a live vector cost zero writes.
	pending := make([]pendingDoc, 0, len(loaded))
	model := ix.embedder.ModelName()

	for vault, paths := range byVault {
		hashes, err := ix.store.GetHashes(ctx, vault, paths)
		if err != nil {
			ix.logger.Error("hash lookup failed",
				slog.String("vault", vault),
				slog.String("error", err.Error()))
			continue
		}
		for _, path := range paths {
			key := store.DocumentKey{Vault: vault, Path: path}
			n := loaded[key]

			if info, ok := hashes[path]; ok &&
				info.ContentHash == n.ContentHash &&
				info.Model == model &&
				info.HasVector &&
				ix.vectors.Contains(key) {
				continue
			}

			pending = append(pending, pendingDoc{
				doc: &store.Document{
					Vault:       vault,
					Path:        path,
					ModTime:     mtimes[key],
					ContentHash: n.ContentHash,
					Model:       model,
				},
				text: ix.docPrefix + n.Content,
			})
		}
	}

	if len(pending) == 0 {
		return
	}

	// Embed in sub-batches bounded by payload bytes.
	for _, group := range ix.splitByBytes(pending) {
		ix.embedAndCommit(ctx, group)
	}
}

// splitByBytes divides pending docs so each group's text stays under
// BatchBytes. A single oversize note forms its own group.
func (ix *Indexer) splitByBytes(pending []pendingDoc) [][]pendingDoc {
	var (
		groups  [][]pendingDoc
		current []pendingDoc
		size    int64
	)
	for _, p := range pending {
		textLen := int64(len(p.text))
		if len(current) > 0 && size+textLen > ix.cfg.BatchBytes {
			groups = append(groups, current)
			current = nil
			size = 0
		}
		current = append(current, p)
		size += textLen
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// embedAndCommit embeds one group and commits it transactionally. When the
// batch embedding fails, each note is retried individually so one poisoned
// note does not starve the rest.
func (ix *Indexer) embedAndCommit(ctx context.Context, group []pendingDoc) {
	texts := make([]string, len(group))
	for i, p := range group {
		texts[i] = p.text
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		ix.logger.Warn("batch embedding failed, retrying per note",
			slog.Int("batch_size", len(group)),
			slog.String("error", err.Error()))
		group = ix.embedIndividually(ctx, group)
		if len(group) == 0 {
			return
		}
	} else {
		for i := range group {
			group[i].doc.Embedding = vectors[i]
			group[i].doc.Dimensions = len(vectors[i])
		}
	}

	docs := make([]*store.Document, len(group))
	for i, p := range group {
		docs[i] = p.doc
	}
	if err := ix.store.UpsertDocuments(ctx, docs); err != nil {
		ix.logger.Error("document commit failed",
			slog.Int("count", len(docs)),
			slog.String("error", err.Error()))
		return
	}

	for _, doc := range docs {
		if err := ix.vectors.Upsert(doc.Key(), doc.Embedding); err != nil {
			ix.logger.Warn("vector index update failed",
				slog.String("path", doc.Key().String()),
				slog.String("error", err.Error()))
		}
	}

	ix.logger.Debug("indexed batch", slog.Int("count", len(docs)))
}

// embedIndividually embeds each note alone with up to EmbedRetries retries,
// dropping persistent failures.
func (ix *Indexer) embedIndividually(ctx context.Context, group []pendingDoc) []pendingDoc {
	retryCfg := verrors.DefaultRetryConfig()
	retryCfg.MaxRetries = ix.cfg.EmbedRetries

	kept := group[:0]
	for _, p := range group {
		text := p.text
		vec, err := verrors.RetryWithResult(ctx, retryCfg, func() ([]float32, error) {
			return ix.embedder.Embed(ctx, text)
		})
		if err != nil {
			embedErr := verrors.EmbeddingError(
				"note embedding failed, skipping "+p.doc.Key().String(), err)
			ix.logger.Warn("skipping note", slog.String("error", embedErr.Error()))
			continue
		}
		p.doc.Embedding = vec
		p.doc.Dimensions = len(vec)
		kept = append(kept, p)
	}
	return kept
}

// applyDelete removes a note from both stores.
func (ix *Indexer) applyDelete(ctx context.Context, key store.DocumentKey) {
	if err := ix.store.DeleteDocument(ctx, key); err != nil {
		ix.logger.Error("delete failed",
			slog.String("path", key.String()),
			slog.String("error", err.Error()))
		return
	}
	ix.vectors.Delete(key)
	ix.logger.Debug("deleted note", slog.String("path", key.String()))
}

// Reconcile walks one vault and brings the index in line with the files on
// disk: stale entries whose files vanished are removed, and every present
// note is enqueued as an upsert (the hash gate makes unchanged notes free).
func (ix *Indexer) Reconcile(ctx context.Context, vault string) error {
	root, ok := ix.vaults[vault]
	if !ok {
		return verrors.New(verrors.ErrCodeUnknownVault, "unknown vault "+vault, nil)
	}

	onDisk := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && isHidden(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if isMarkdown(rel) && !isHidden(rel) {
			onDisk[rel] = true
		}
		return nil
	})
	if err != nil {
		return verrors.StorageError("walk vault "+vault, err)
	}

	indexed, err := ix.store.ListPaths(ctx, vault)
	if err != nil {
		return err
	}

	removed := 0
	for _, path := range indexed {
		if !onDisk[path] {
			ix.applyDelete(ctx, store.DocumentKey{Vault: vault, Path: path})
			removed++
		}
	}

	enqueued := 0
	for path := range onDisk {
		if _, err := ix.queue.Enqueue(ctx, mutation.Mutation{
			Vault:    vault,
			Path:     path,
			Op:       mutation.OpUpsert,
			Observed: time.Now(),
		}); err != nil {
			return err
		}
		enqueued++
	}

	ix.logger.Info("reconciled vault",
		slog.String("vault", vault),
		slog.Int("on_disk", len(onDisk)),
		slog.Int("stale_removed", removed),
		slog.Int("enqueued", enqueued))
	return nil
}

// EnsureModel verifies the database was built with the configured model.
// On a model change all embeddings are cleared (hashes stay) and every
// vault is queued for reconciliation, which re-embeds through the gate.
func (ix *Indexer) EnsureModel(ctx context.Context) error {
	storedModel, _, err := ix.store.StoredModel(ctx)
	if err != nil {
		return err
	}

	current := ix.embedder.ModelName()
	dims := ix.embedder.Dimensions()

	switch {
	case storedModel == "":
		return ix.store.SetStoredModel(ctx, current, dims)
	case storedModel != current:
		ix.logger.Info("embedding model changed, clearing vectors",
			slog.String("previous", storedModel),
			slog.String("current", current))
		if err := ix.store.ClearEmbeddings(ctx, current, dims); err != nil {
			return err
		}
		for vault := range ix.vaults {
			if _, err := ix.queue.Enqueue(ctx, mutation.Mutation{
				Vault:    vault,
				Op:       mutation.OpReconcile,
				Observed: time.Now(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func isMarkdown(rel string) bool {
	return strings.EqualFold(filepath.Ext(rel), ".md")
}

func isHidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
