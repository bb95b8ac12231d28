package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/coordinator"
	verrors "github.com/vaultindex/vaultindex/internal/errors"
	"github.com/vaultindex/vaultindex/internal/watcher"
)

func testWorkerConfig(t *testing.T, vaultRoot string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Vaults = []config.VaultConfig{{Name: "notes", Path: vaultRoot}}
	cfg.DatabasePath = filepath.Join(t.TempDir(), "index.db")
	cfg.Embeddings.Provider = "static"
	cfg.Embeddings.Model = "static"
	cfg.Coordination.HeartbeatInterval = 20 * time.Millisecond
	cfg.Coordination.LeaseTimeout = 100 * time.Millisecond
	cfg.Watch.Enabled = false
	cfg.Watch.PollInterval = 50 * time.Millisecond
	cfg.Search.RequestTimeout = 2 * time.Second
	return cfg
}

func startWorker(t *testing.T, cfg *config.Config) *Worker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	w, err := New(ctx, cfg, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})

	require.Eventually(t, func() bool {
		return w.Coordinator().State() == coordinator.StatePrimary
	}, 3*time.Second, 10*time.Millisecond)
	return w
}

func TestWorkerIndexesAndSearches(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.md"),
		[]byte("# Go\n\nGo is a statically typed compiled language."), 0o644))

	w := startWorker(t, testWorkerConfig(t, root))
	ctx := context.Background()

	// Promotion queued a reconcile; wait for the note to land.
	require.Eventually(t, func() bool {
		st, err := w.Facade().Status(ctx)
		return err == nil && st.Documents == 1 && st.Vectors == 1
	}, 5*time.Second, 20*time.Millisecond)

	results, err := w.Facade().Search(ctx, "statically typed language", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "go.md", results[0].Path)
	assert.Equal(t, "notes", results[0].Vault)
}

func TestWorkerStatus(t *testing.T) {
	w := startWorker(t, testWorkerConfig(t, t.TempDir()))

	st, err := w.Facade().Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PRIMARY", st.Role)
	assert.Equal(t, w.Coordinator().InstanceID(), st.InstanceID)
	assert.Equal(t, "static", st.Model)
	assert.NotEmpty(t, st.LeaseHolder)
}

func TestWorkerReindexPicksUpNewNotes(t *testing.T) {
	root := t.TempDir()
	w := startWorker(t, testWorkerConfig(t, root))
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "later.md"),
		[]byte("# Later\n\nAdded after startup."), 0o644))

	require.NoError(t, w.Facade().Reindex(ctx, "notes"))

	require.Eventually(t, func() bool {
		st, err := w.Facade().Status(ctx)
		return err == nil && st.Documents == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerResyncEventTriggersReconcile(t *testing.T) {
	root := t.TempDir()
	w := startWorker(t, testWorkerConfig(t, root))
	ctx := context.Background()

	// Let the promotion reconcile settle on the empty vault first.
	require.Eventually(t, func() bool {
		st, err := w.Facade().Status(ctx)
		return err == nil && st.QueueDepth == 0 && st.Documents == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "missed.md"),
		[]byte("# Missed\n\nThe watcher dropped the event for this note."), 0o644))

	// A resync marker stands in for dropped events and forces a rescan.
	w.enqueueBatch(ctx, "notes", []watcher.FileEvent{
		{Operation: watcher.OpResync, Timestamp: time.Now()},
	})

	require.Eventually(t, func() bool {
		st, err := w.Facade().Status(ctx)
		return err == nil && st.Documents == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerSearchValidationErrorsPropagate(t *testing.T) {
	w := startWorker(t, testWorkerConfig(t, t.TempDir()))

	_, err := w.Facade().Search(context.Background(), "", "", 5)
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeQueryEmpty, verrors.GetCode(err))

	_, err = w.Facade().Search(context.Background(), "query", "bogus", 5)
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeUnknownVault, verrors.GetCode(err))
}

func TestFacadeTimesOutWithoutWorker(t *testing.T) {
	f := NewFacade(100 * time.Millisecond)

	// Nothing serves the request channel.
	_, err := f.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, verrors.ErrCodeWorkerGone, verrors.GetCode(err))
}

func TestWorkerTwoInstancesShareDatabase(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "shared.md"),
		[]byte("# Shared\n\nVisible to both instances."), 0o644))

	cfgA := testWorkerConfig(t, root)
	w1 := startWorker(t, cfgA)

	// Second instance shares the database file and must settle as READER.
	cfgB := testWorkerConfig(t, root)
	cfgB.DatabasePath = cfgA.DatabasePath

	ctx, cancel := context.WithCancel(context.Background())
	w2, err := New(ctx, cfgB, nil)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w2.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w2.Close()
	})

	require.Eventually(t, func() bool {
		return w2.Coordinator().State() == coordinator.StateReader
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, coordinator.StatePrimary, w1.Coordinator().State())

	// The reader serves searches over documents the primary indexed.
	require.Eventually(t, func() bool {
		st, stErr := w1.Facade().Status(context.Background())
		return stErr == nil && st.Documents == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The reader's vector index syncs from the database on an interval.
	require.Eventually(t, func() bool {
		results, searchErr := w2.Facade().Search(context.Background(), "visible shared instances", "", 5)
		return searchErr == nil && len(results) > 0 && results[0].Path == "shared.md"
	}, 5*time.Second, 50*time.Millisecond)
}
