// Package worker assembles the vaultindex runtime: storage, embedder,
// coordinator, watchers, indexer, and searcher, run together under one
// errgroup. External callers (MCP server, CLI) talk to it through the
// Facade, never to the components directly.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/coordinator"
	"github.com/vaultindex/vaultindex/internal/embed"
	verrors "github.com/vaultindex/vaultindex/internal/errors"
	"github.com/vaultindex/vaultindex/internal/indexer"
	"github.com/vaultindex/vaultindex/internal/mutation"
	"github.com/vaultindex/vaultindex/internal/searcher"
	"github.com/vaultindex/vaultindex/internal/store"
	"github.com/vaultindex/vaultindex/internal/watcher"
)

// snapshotInterval is how often the vector index is persisted.
const snapshotInterval = 5 * time.Minute

// Worker owns the component graph for one vaultindex process.
type Worker struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.SQLiteStore
	vectors  *store.VectorIndex
	embedder embed.Embedder
	queue    *mutation.Queue
	coord    *coordinator.Coordinator
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
	facade   *Facade

	vaults map[string]string
}

// New builds a worker from configuration. The vector index is restored from
// its snapshot when possible and rebuilt from SQLite otherwise.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "worker"))

	docStore, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	embedder, err := embed.NewEmbedder(ctx, embed.FactoryConfig{
		Provider:   embed.ProviderType(cfg.Embeddings.Provider),
		ModelName:  cfg.Embeddings.Model,
		OllamaHost: cfg.Embeddings.OllamaHost,
		BatchSize:  cfg.Embeddings.BatchSize,
		CacheSize:  cfg.Embeddings.CacheSize,
		Timeout:    cfg.Embeddings.Timeout,
		MaxRetries: cfg.Embeddings.MaxRetries,
		Dimensions: cfg.Embeddings.Dimensions,
	})
	if err != nil {
		_ = docStore.Close()
		return nil, err
	}

	snapshotPath := ""
	if cfg.DatabasePath != "" {
		snapshotPath = cfg.DatabasePath + ".hnsw"
	}
	vectors, err := store.NewVectorIndex(store.VectorIndexConfig{
		Dimensions:   embedder.Dimensions(),
		SnapshotPath: snapshotPath,
	})
	if err != nil {
		_ = embedder.Close()
		_ = docStore.Close()
		return nil, err
	}

	restored, err := vectors.LoadSnapshot()
	if err != nil {
		logger.Warn("vector snapshot unusable, rebuilding from database",
			slog.String("error", err.Error()))
		restored = false
	}
	if !restored {
		loaded, loadErr := vectors.LoadFromStore(ctx, docStore)
		if loadErr != nil {
			_ = vectors.Close()
			_ = embedder.Close()
			_ = docStore.Close()
			return nil, loadErr
		}
		logger.Info("vector index rebuilt", slog.Int("vectors", loaded))
	} else {
		logger.Info("vector index restored from snapshot",
			slog.Int("vectors", vectors.Len()))
	}

	vaults := cfg.VaultPaths()
	queue := mutation.NewQueue(0)
	coord := coordinator.New(docStore, cfg.Coordination, logger)

	w := &Worker{
		cfg:      cfg,
		logger:   logger,
		store:    docStore,
		vectors:  vectors,
		embedder: embedder,
		queue:    queue,
		coord:    coord,
		indexer:  indexer.New(docStore, vectors, embedder, queue, vaults, cfg.Indexing, logger),
		searcher: searcher.New(docStore, vectors, embedder, vaults, cfg.Search, logger),
		facade:   NewFacade(cfg.Search.RequestTimeout),
		vaults:   vaults,
	}

	// A freshly promoted primary verifies the model and catches up on
	// everything that changed while it was not writing.
	coord.OnPromote = func(ctx context.Context) {
		if err := w.indexer.EnsureModel(ctx); err != nil {
			logger.Error("model check failed", slog.String("error", err.Error()))
		}
		w.enqueueReconcileAll(ctx)
	}

	return w, nil
}

// Facade returns the request surface for MCP and CLI callers.
func (w *Worker) Facade() *Facade {
	return w.facade
}

// Searcher exposes direct note access for resource serving.
func (w *Worker) Searcher() *searcher.Searcher {
	return w.searcher
}

// Coordinator exposes the election state for status reporting.
func (w *Worker) Coordinator() *coordinator.Coordinator {
	return w.coord
}

// Run starts all components and blocks until ctx is cancelled or one of
// them fails fatally.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.coord.Run(ctx) })
	g.Go(func() error { return w.indexer.Run(ctx) })
	g.Go(func() error { return w.serve(ctx) })
	g.Go(func() error { return w.snapshotLoop(ctx) })
	g.Go(func() error { return w.readerSyncLoop(ctx) })

	if w.cfg.Watch.Enabled {
		for name, root := range w.vaults {
			g.Go(w.watchVault(ctx, name, root))
		}
	}

	err := g.Wait()

	if saveErr := w.vectors.SaveSnapshot(); saveErr != nil {
		w.logger.Warn("vector snapshot save failed", slog.String("error", saveErr.Error()))
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases all resources. Call after Run returns.
func (w *Worker) Close() error {
	w.queue.Close()
	_ = w.vectors.Close()
	_ = w.embedder.Close()
	return w.store.Close()
}

// watchVault runs one vault watcher and feeds its batches into the queue.
// Events observed while READER are dropped; the reconcile on promotion
// replays them from disk state.
func (w *Worker) watchVault(ctx context.Context, vault, root string) func() error {
	return func() error {
		for {
			err := w.runWatchSession(ctx, vault, root)
			if ctx.Err() != nil {
				return nil
			}
			// Broken watchers restart; searches keep working meanwhile.
			w.logger.Warn("watcher stopped, restarting",
				slog.String("vault", vault),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.Watch.PollInterval):
			}
		}
	}
}

// runWatchSession runs one watcher until it fails or ctx ends.
func (w *Worker) runWatchSession(ctx context.Context, vault, root string) error {
	vw, err := watcher.NewVaultWatcher(watcher.Options{
		Mode:           w.cfg.Watch.Mode,
		DebounceWindow: w.cfg.Watch.DebounceWindow,
		PollInterval:   w.cfg.Watch.PollInterval,
	})
	if err != nil {
		return err
	}
	defer func() { _ = vw.Stop() }()

	w.logger.Info("watching vault",
		slog.String("vault", vault),
		slog.String("backend", vw.Backend()))

	watchDone := make(chan error, 1)
	go func() { watchDone <- vw.Start(ctx, root) }()

	for {
		select {
		case <-ctx.Done():
			<-watchDone
			return nil
		case err := <-watchDone:
			if err == nil {
				err = fmt.Errorf("watch loop exited")
			}
			return err
		case batch, ok := <-vw.Events():
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			if !w.coord.IsPrimary() {
				continue
			}
			w.enqueueBatch(ctx, vault, batch)
		case err, ok := <-vw.Errors():
			if !ok {
				return fmt.Errorf("error channel closed")
			}
			w.logger.Warn("watcher error",
				slog.String("vault", vault),
				slog.String("error", err.Error()))
		}
	}
}

// enqueueBatch converts watcher events into ordered mutations. A resync
// marker (the watcher dropped events) becomes a full vault reconcile.
func (w *Worker) enqueueBatch(ctx context.Context, vault string, batch []watcher.FileEvent) {
	for _, event := range batch {
		var op mutation.Op
		switch event.Operation {
		case watcher.OpCreate, watcher.OpModify:
			op = mutation.OpUpsert
		case watcher.OpDelete:
			op = mutation.OpDelete
		case watcher.OpResync:
			op = mutation.OpReconcile
		default:
			continue
		}
		if _, err := w.queue.Enqueue(ctx, mutation.Mutation{
			Vault:    vault,
			Path:     event.Path,
			Op:       op,
			Observed: event.Timestamp,
		}); err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("mutation enqueue failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// enqueueReconcileAll queues a reconcile for every configured vault.
func (w *Worker) enqueueReconcileAll(ctx context.Context) {
	for vault := range w.vaults {
		if _, err := w.queue.Enqueue(ctx, mutation.Mutation{
			Vault:    vault,
			Op:       mutation.OpReconcile,
			Observed: time.Now(),
		}); err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("reconcile enqueue failed",
					slog.String("vault", vault),
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// serve answers facade requests until ctx is done.
func (w *Worker) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.facade.requests:
			w.handle(ctx, req)
		}
	}
}

// handle answers one facade request.
func (w *Worker) handle(ctx context.Context, req request) {
	resp := response{CorrelationID: req.CorrelationID}

	switch req.Kind {
	case kindSearch:
		resp.Results, resp.Err = w.searcher.Search(ctx, req.Query, req.Vault, req.Limit)
	case kindStatus:
		resp.Status, resp.Err = w.status(ctx)
	case kindReindex:
		resp.Err = w.reindex(ctx, req.Vault)
	}

	if resp.Err != nil {
		w.logger.Warn("request failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", resp.Err.Error()))
	}

	select {
	case req.reply <- resp:
	default:
	}
}

// status assembles the worker status snapshot.
func (w *Worker) status(ctx context.Context) (*Status, error) {
	docs, err := w.store.CountDocuments(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		InstanceID: w.coord.InstanceID(),
		Role:       string(w.coord.State()),
		Documents:  docs,
		Vectors:    w.vectors.Len(),
		QueueDepth: w.queue.Len(),
		Model:      w.embedder.ModelName(),
		Dimensions: w.embedder.Dimensions(),
	}

	if lease, leaseErr := w.coord.CurrentLease(ctx); leaseErr == nil && lease != nil {
		st.LeaseHolder = lease.Holder
		st.LeaseAgeMS = lease.Age(time.Now()).Milliseconds()
	}
	return st, nil
}

// reindex queues reconciliation for one vault or all of them. Only the
// PRIMARY may mutate the shared database, so readers refuse.
func (w *Worker) reindex(ctx context.Context, vault string) error {
	if !w.coord.IsPrimary() {
		return verrors.StaleRole("reindex requires the PRIMARY role, this instance is " + string(w.coord.State()))
	}
	if vault == "" {
		w.enqueueReconcileAll(ctx)
		return nil
	}
	_, err := w.queue.Enqueue(ctx, mutation.Mutation{
		Vault:    vault,
		Op:       mutation.OpReconcile,
		Observed: time.Now(),
	})
	return err
}

// readerSyncLoop keeps a READER's in-memory vector index tracking the
// documents the PRIMARY commits to the shared database. The primary's own
// index is updated inline by the indexer, so the loop idles while primary.
func (w *Worker) readerSyncLoop(ctx context.Context) error {
	interval := w.cfg.Watch.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hashes := make(map[store.DocumentKey]string)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if w.coord.IsPrimary() {
			// Drop tracking state; it re-seeds after the next demotion.
			if len(hashes) > 0 {
				hashes = make(map[store.DocumentKey]string)
			}
			continue
		}
		if err := w.syncVectors(ctx, hashes); err != nil {
			w.logger.Warn("reader vector sync failed", slog.String("error", err.Error()))
		}
	}
}

// syncVectors diffs the shared database against the in-memory index using
// content hashes and applies the difference.
func (w *Worker) syncVectors(ctx context.Context, hashes map[store.DocumentKey]string) error {
	docs, err := w.store.ListEmbedded(ctx)
	if err != nil {
		return err
	}

	seen := make(map[store.DocumentKey]bool, len(docs))
	for _, doc := range docs {
		key := doc.Key()
		seen[key] = true

		prev, tracked := hashes[key]
		switch {
		case !tracked:
			// First sight: vectors already present (startup load) are
			// assumed current, everything else is inserted.
			if !w.vectors.Contains(key) {
				if upErr := w.vectors.Upsert(key, doc.Embedding); upErr != nil {
					w.logger.Warn("vector sync upsert failed",
						slog.String("path", key.String()),
						slog.String("error", upErr.Error()))
					continue
				}
			}
			hashes[key] = doc.ContentHash
		case prev != doc.ContentHash:
			if upErr := w.vectors.Upsert(key, doc.Embedding); upErr != nil {
				w.logger.Warn("vector sync upsert failed",
					slog.String("path", key.String()),
					slog.String("error", upErr.Error()))
				continue
			}
			hashes[key] = doc.ContentHash
		}
	}

	for key := range hashes {
		if !seen[key] {
			w.vectors.Delete(key)
			delete(hashes, key)
		}
	}
	return nil
}

// snapshotLoop persists the vector index periodically.
func (w *Worker) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.vectors.SaveSnapshot(); err != nil {
				w.logger.Warn("vector snapshot save failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
