package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questsync/pkg/proto"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d := New(Options{Window: 100 * time.Millisecond})
	t.Cleanup(d.Close)
	return d
}

// collectBatch waits for one batch and returns the set of paths it covers.
func collectBatch(t *testing.T, d *Detector) Batch {
	t.Helper()
	select {
	case batch := <-d.Batches():
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch")
		return Batch{}
	}
}

func batchPaths(batch Batch) map[string]proto.ChangeKind {
	paths := make(map[string]proto.ChangeKind)
	for _, ev := range batch.Events {
		paths[ev.RelativePath] = ev.Kind
	}
	return paths
}

func TestStartRejectsDuplicateWatch(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()

	require.NoError(t, d.Start("proj", root, nil, nil))
	err := d.Start("proj", root, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyWatching))
}

func TestStopIsIdempotent(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()

	d.Stop("never-started")

	require.NoError(t, d.Start("proj", root, nil, nil))
	d.Stop("proj")
	d.Stop("proj")

	// The project slot is free again.
	require.NoError(t, d.Start("proj", root, nil, nil))
}

func TestBurstCoalescesIntoOneBatch(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()
	require.NoError(t, d.Start("proj", root, nil, nil))

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.js"), []byte("let a = 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.js"), []byte("let b = 2;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.js"), []byte("let c = 3;"), 0o644))

	batch := collectBatch(t, d)
	assert.Equal(t, "proj", batch.ProjectID)

	paths := batchPaths(batch)
	assert.Contains(t, paths, "a.js")
	assert.Contains(t, paths, "b.js")
	assert.Contains(t, paths, "c.js")
}

func TestContentAttachedForTextFiles(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()
	require.NoError(t, d.Start("proj", root, nil, nil))

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.js"), []byte("console.log(1);"), 0o644))

	batch := collectBatch(t, d)
	var found bool
	for _, ev := range batch.Events {
		if ev.RelativePath == "main.js" && ev.HasContent {
			found = true
			assert.Equal(t, "console.log(1);", ev.Content)
		}
	}
	assert.True(t, found, "expected content attached to main.js, got %+v", batch.Events)
}

func TestOversizedFilePropagatesMetadataOnly(t *testing.T) {
	d := New(Options{Window: 100 * time.Millisecond, MaxContentBytes: 8})
	t.Cleanup(d.Close)
	root := t.TempDir()
	require.NoError(t, d.Start("proj", root, nil, nil))

	require.NoError(t, os.WriteFile(filepath.Join(root, "big.js"), []byte("this is more than eight bytes"), 0o644))

	batch := collectBatch(t, d)
	for _, ev := range batch.Events {
		if ev.RelativePath == "big.js" {
			assert.False(t, ev.HasContent)
			assert.Empty(t, ev.Content)
		}
	}
}

func TestExcludedPathsNeverReachBuffer(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755))
	require.NoError(t, d.Start("proj", root, nil, nil))

	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.js"), []byte("let k = 1;"), 0o644))

	batch := collectBatch(t, d)
	paths := batchPaths(batch)
	assert.Contains(t, paths, "keep.js")
	assert.NotContains(t, paths, "node_modules/dep/index.js")
	assert.NotContains(t, paths, ".secret")
}

func TestEventsBeyondWindowFormSeparateBatches(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()
	require.NoError(t, d.Start("proj", root, nil, nil))

	require.NoError(t, os.WriteFile(filepath.Join(root, "first.js"), []byte("1;"), 0o644))
	first := collectBatch(t, d)
	assert.Contains(t, batchPaths(first), "first.js")

	time.Sleep(250 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "second.js"), []byte("2;"), 0o644))
	second := collectBatch(t, d)
	paths := batchPaths(second)
	assert.Contains(t, paths, "second.js")
	assert.NotContains(t, paths, "first.js")
}

func TestDeleteClassification(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()
	target := filepath.Join(root, "gone.js")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, d.Start("proj", root, nil, nil))

	require.NoError(t, os.Remove(target))

	batch := collectBatch(t, d)
	paths := batchPaths(batch)
	require.Contains(t, paths, "gone.js")
	assert.Equal(t, proto.ChangeDeleted, paths["gone.js"])
}

func TestNewDirectoryIsWatched(t *testing.T) {
	d := newTestDetector(t)
	root := t.TempDir()
	require.NoError(t, d.Start("proj", root, nil, nil))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	first := collectBatch(t, d)
	require.Contains(t, batchPaths(first), "src")
	assert.Equal(t, proto.ChangeDirCreated, batchPaths(first)["src"])

	// Wait out the window, then edit inside the new directory.
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "inner.js"), []byte("i;"), 0o644))

	second := collectBatch(t, d)
	assert.Contains(t, batchPaths(second), "src/inner.js")
}
