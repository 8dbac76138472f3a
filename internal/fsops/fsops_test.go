package fsops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromoteRenamesStagingIntoTarget(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging", "v1.0.0")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "app"), []byte("x"), 0o755))

	target := filepath.Join(root, "releases", "v1.0.0")
	require.NoError(t, Promote(staging, target))

	require.FileExists(t, filepath.Join(target, "app"))
	require.NoDirExists(t, staging)
}

func TestPromoteFailsIfTargetExists(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging", "v1.0.0")
	require.NoError(t, os.MkdirAll(staging, 0o755))

	target := filepath.Join(root, "releases", "v1.0.0")
	require.NoError(t, os.MkdirAll(target, 0o755))

	err := Promote(staging, target)
	var promErr *PromotionError
	require.ErrorAs(t, err, &promErr)
}

func TestSwitchBinsCreatesRelativeSymlinks(t *testing.T) {
	root := t.TempDir()
	releaseDir := filepath.Join(root, "releases", "v1.0.0")
	require.NoError(t, os.MkdirAll(releaseDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(releaseDir, "app"), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(releaseDir, "lib.so"), []byte("x"), 0o644))

	binDir := filepath.Join(root, "bin")
	require.NoError(t, SwitchBins(releaseDir, binDir, "v1.0.0"))

	target, err := os.Readlink(filepath.Join(binDir, "app"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join("..", "releases", "v1.0.0", "app"), target)

	require.NoFileExists(t, filepath.Join(binDir, "lib.so"))
}

func TestSwitchBinsSingleBinaryReleaseIgnoresExecBit(t *testing.T) {
	root := t.TempDir()
	releaseDir := filepath.Join(root, "releases", "v1.0.0")
	require.NoError(t, os.MkdirAll(releaseDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(releaseDir, "app"), []byte("x"), 0o644))

	binDir := filepath.Join(root, "bin")
	require.NoError(t, SwitchBins(releaseDir, binDir, "v1.0.0"))

	_, err := os.Lstat(filepath.Join(binDir, "app"))
	require.NoError(t, err)
}

func TestSwitchBinsRemovesStaleSymlinks(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.Symlink(filepath.Join("..", "releases", "v0.9.0", "oldtool"), filepath.Join(binDir, "oldtool")))

	releaseDir := filepath.Join(root, "releases", "v1.0.0")
	require.NoError(t, os.MkdirAll(releaseDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(releaseDir, "app"), []byte("x"), 0o755))

	require.NoError(t, SwitchBins(releaseDir, binDir, "v1.0.0"))

	require.NoFileExists(t, filepath.Join(binDir, "oldtool"))
	require.FileExists(t, filepath.Join(binDir, "app"))
}

func TestPruneKeepsKeepTagAndRetainCount(t *testing.T) {
	root := t.TempDir()
	releasesDir := filepath.Join(root, "releases")
	require.NoError(t, os.MkdirAll(releasesDir, 0o755))

	tags := []string{"v1.0.0", "v1.1.0", "v1.2.0", "v1.3.0"}
	now := time.Now()
	for i, tag := range tags {
		dir := filepath.Join(releasesDir, tag)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		modTime := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(dir, modTime, modTime))
	}

	require.NoError(t, Prune(releasesDir, "v1.3.0", 2))

	require.DirExists(t, filepath.Join(releasesDir, "v1.3.0"))
	require.DirExists(t, filepath.Join(releasesDir, "v1.2.0"))
	require.NoDirExists(t, filepath.Join(releasesDir, "v1.1.0"))
	require.NoDirExists(t, filepath.Join(releasesDir, "v1.0.0"))
}

func TestPruneAlwaysKeepsKeepTagEvenIfOldest(t *testing.T) {
	root := t.TempDir()
	releasesDir := filepath.Join(root, "releases")
	require.NoError(t, os.MkdirAll(releasesDir, 0o755))

	now := time.Now()
	for i, tag := range []string{"v0.1.0", "v2.0.0", "v2.1.0"} {
		dir := filepath.Join(releasesDir, tag)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		modTime := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(dir, modTime, modTime))
	}

	require.NoError(t, Prune(releasesDir, "v0.1.0", 1))
	require.DirExists(t, filepath.Join(releasesDir, "v0.1.0"))
	require.NoDirExists(t, filepath.Join(releasesDir, "v2.0.0"))
	require.NoDirExists(t, filepath.Join(releasesDir, "v2.1.0"))
}

func TestFsyncDirSucceedsOnOrdinaryDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, FsyncDir(dir))
}
