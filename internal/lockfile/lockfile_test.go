package lockfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	guard, err := Acquire(dir, "myapp")
	require.NoError(t, err)
	require.FileExists(t, Path(dir, "myapp"))
	require.NoError(t, guard.Release())
}

func TestAcquireBlocksConcurrentHolder(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "myapp")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := Acquire(dir, "myapp")
		require.NoError(t, err)
		close(acquired)
		require.NoError(t, second.Release())
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned while first guard still held the lock")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Release())

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire never returned after release")
	}
}

func TestForceReleaseRemovesStaleFile(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "myapp")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	require.NoError(t, ForceRelease(dir, "myapp"))
	require.NoFileExists(t, path)

	// Idempotent when already absent.
	require.NoError(t, ForceRelease(dir, "myapp"))
}
