package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPollingWatcher(t *testing.T, root string) *PollingWatcher {
	t.Helper()
	w := NewPollingWatcher(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx, root)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the initial baseline scan time to finish.
	time.Sleep(50 * time.Millisecond)
	return w
}

func awaitEvent(t *testing.T, w Watcher, path string, op Operation) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-w.Events():
			require.True(t, ok, "event channel closed")
			if event.Path == path && event.Operation == op {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", op, path)
		}
	}
}

func TestPollingWatcherDetectsCreate(t *testing.T) {
	root := t.TempDir()
	w := startPollingWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "new.md"), []byte("# New"), 0o644))
	awaitEvent(t, w, "new.md", OpCreate)
}

func TestPollingWatcherDetectsModify(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "note.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w := startPollingWatcher(t, root)

	// Size change guarantees detection even with coarse mtime resolution.
	require.NoError(t, os.WriteFile(path, []byte("version two"), 0o644))
	awaitEvent(t, w, "note.md", OpModify)
}

func TestPollingWatcherDetectsDelete(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doomed.md")
	require.NoError(t, os.WriteFile(path, []byte("bye"), 0o644))

	w := startPollingWatcher(t, root)

	require.NoError(t, os.Remove(path))
	awaitEvent(t, w, "doomed.md", OpDelete)
}

func TestPollingWatcherIgnoresNonMarkdown(t *testing.T) {
	root := t.TempDir()
	w := startPollingWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "image.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.md"), []byte("# ok"), 0o644))

	// Only the markdown file surfaces.
	awaitEvent(t, w, "note.md", OpCreate)
	select {
	case event := <-w.Events():
		assert.NotEqual(t, "image.png", event.Path)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollingWatcherIgnoresHiddenDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".obsidian"), 0o755))

	w := startPollingWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".obsidian", "workspace.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "visible.md"), []byte("x"), 0o644))

	awaitEvent(t, w, "visible.md", OpCreate)
}

func TestPollingWatcherSubdirectories(t *testing.T) {
	root := t.TempDir()
	w := startPollingWatcher(t, root)

	sub := filepath.Join(root, "daily")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "today.md"), []byte("# Today"), 0o644))

	awaitEvent(t, w, filepath.Join("daily", "today.md"), OpCreate)
}

func TestIsNotePath(t *testing.T) {
	assert.True(t, isNotePath("note.md"))
	assert.True(t, isNotePath("daily/2026-08-23.md"))
	assert.True(t, isNotePath("Note.MD"))
	assert.False(t, isNotePath("image.png"))
	assert.False(t, isNotePath(".obsidian/config.md"))
	assert.False(t, isNotePath("a/.trash/old.md"))
	assert.False(t, isNotePath(""))
	assert.False(t, isNotePath("."))
}
