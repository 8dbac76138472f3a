package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTarFixture(t *testing.T, entries map[string]string, executables map[string]bool) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.tar")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range entries {
		mode := int64(0o644)
		if executables[name] {
			mode = 0o755
		}
		hdr := &tar.Header{Name: name, Mode: mode, Size: int64(len(content)), Typeflag: tar.TypeReg}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return path
}

func writeMaliciousTarFixture(t *testing.T, entryName string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	content := "pwned"
	hdr := &tar.Header{Name: entryName, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err = tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return path
}

func writeZipFixture(t *testing.T, entries map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.zip")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestUnpackTarBasic(t *testing.T) {
	archive := writeTarFixture(t, map[string]string{
		"app":        "binary-content",
		"README.md": "docs",
	}, map[string]bool{"app": true})

	destDir := t.TempDir()
	result, err := Unpack(archive, destDir, "fixture.tar", DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, 2, result.EntryCount)

	data, err := os.ReadFile(filepath.Join(destDir, "app"))
	require.NoError(t, err)
	require.Equal(t, "binary-content", string(data))
}

func TestUnpackZipBasic(t *testing.T) {
	archive := writeZipFixture(t, map[string]string{
		"app":        "binary-content",
		"README.md": "docs",
	})

	destDir := t.TempDir()
	result, err := Unpack(archive, destDir, "fixture.zip", DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, 2, result.EntryCount)
}

// writeSymlinkThroughFixture builds a tar where one entry plants a symlinked
// directory and a later entry writes a file through it. The symlink target
// ("elsewhere") does not itself resolve outside the destination directory,
// so this only exercises the categorical "never materialize through an
// intermediate symlink" rule, not escape detection.
func writeSymlinkThroughFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "symlink-through.tar")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)

	linkHdr := &tar.Header{Name: "inner", Typeflag: tar.TypeSymlink, Linkname: "elsewhere", Mode: 0o777}
	require.NoError(t, tw.WriteHeader(linkHdr))

	content := "pwned"
	fileHdr := &tar.Header{Name: "inner/evil", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
	require.NoError(t, tw.WriteHeader(fileHdr))
	_, err = tw.Write([]byte(content))
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	return path
}

func TestUnpackRejectsWriteThroughIntermediateSymlink(t *testing.T) {
	archive := writeSymlinkThroughFixture(t)

	destDir := t.TempDir()
	_, err := Unpack(archive, destDir, "symlink-through.tar", DefaultLimits())
	var unsafe *UnsafePath
	require.ErrorAs(t, err, &unsafe)

	require.NoFileExists(t, filepath.Join(destDir, "elsewhere", "evil"))
}

func TestUnpackRejectsZipSlip(t *testing.T) {
	archive := writeZipFixture(t, map[string]string{
		"../../etc/passwd": "pwned",
	})

	destDir := t.TempDir()
	_, err := Unpack(archive, destDir, "fixture.zip", DefaultLimits())
	var unsafe *UnsafePath
	require.ErrorAs(t, err, &unsafe)

	// No files should have escaped destDir.
	require.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(destDir)), "etc", "passwd"))
}

func TestUnpackRejectsAbsolutePathEntry(t *testing.T) {
	archive := writeMaliciousTarFixture(t, "/etc/passwd")

	destDir := t.TempDir()
	_, err := Unpack(archive, destDir, "evil.tar", DefaultLimits())
	var unsafe *UnsafePath
	require.ErrorAs(t, err, &unsafe)
}

func TestUnpackRejectsDotDotEntry(t *testing.T) {
	archive := writeMaliciousTarFixture(t, "../outside")

	destDir := t.TempDir()
	_, err := Unpack(archive, destDir, "evil.tar", DefaultLimits())
	var unsafe *UnsafePath
	require.ErrorAs(t, err, &unsafe)
}

func TestUnpackEnforcesEntryCountLimit(t *testing.T) {
	archive := writeTarFixture(t, map[string]string{
		"a": "1", "b": "2", "c": "3",
	}, nil)

	destDir := t.TempDir()
	limits := DefaultLimits()
	limits.MaxEntryCount = 2
	_, err := Unpack(archive, destDir, "fixture.tar", limits)
	var limitErr *LimitExceeded
	require.ErrorAs(t, err, &limitErr)
}

func TestUnpackEnforcesPerEntrySizeLimit(t *testing.T) {
	archive := writeTarFixture(t, map[string]string{
		"big": string(bytes.Repeat([]byte("x"), 1024)),
	}, nil)

	destDir := t.TempDir()
	limits := DefaultLimits()
	limits.MaxEntryUncompressed = 100
	_, err := Unpack(archive, destDir, "fixture.tar", limits)
	var limitErr *LimitExceeded
	require.ErrorAs(t, err, &limitErr)
}

func TestUnpackSingleBinaryFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app-linux-amd64")
	require.NoError(t, os.WriteFile(path, []byte("raw-binary-content"), 0o644))

	destDir := t.TempDir()
	result, err := Unpack(path, destDir, "app-linux-amd64", DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, 1, result.EntryCount)

	info, err := os.Stat(filepath.Join(destDir, "app-linux-amd64"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestUnpackStripsSingleTopLevelDirectory(t *testing.T) {
	archive := writeTarFixture(t, map[string]string{
		"myapp-v1.0.0/app":      "binary-content",
		"myapp-v1.0.0/README.md": "docs",
	}, map[string]bool{"myapp-v1.0.0/app": true})

	destDir := t.TempDir()
	_, err := Unpack(archive, destDir, "fixture.tar", DefaultLimits())
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(destDir, "app"))
	require.NoDirExists(t, filepath.Join(destDir, "myapp-v1.0.0"))
}

func TestUnpackDoesNotStripWhenMultipleTopLevelEntries(t *testing.T) {
	archive := writeTarFixture(t, map[string]string{
		"app":   "binary-content",
		"lib.so": "lib-content",
	}, map[string]bool{"app": true})

	destDir := t.TempDir()
	_, err := Unpack(archive, destDir, "fixture.tar", DefaultLimits())
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(destDir, "app"))
	require.FileExists(t, filepath.Join(destDir, "lib.so"))
}
