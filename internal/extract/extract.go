// Package extract unpacks a downloaded release asset into an empty,
// exclusively-owned destination directory: it sniffs the archive format,
// sandboxes every entry's resolved path, enforces resource caps, and
// strips a redundant single top-level directory.
package extract

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Limits bounds the resources a single extraction may consume.
type Limits struct {
	MaxEntryCount          int
	MaxTotalUncompressed   int64
	MaxEntryUncompressed   int64
	MaxDecompressionRatio  float64
	RatioWarmupBytes       int64
}

// DefaultLimits matches spec §4.5: 10,000 entries, 10 GiB total, 1 GiB per
// entry, 100x decompression ratio evaluated after a 1 MiB warm-up.
func DefaultLimits() Limits {
	return Limits{
		MaxEntryCount:         10000,
		MaxTotalUncompressed:  10 * 1 << 30,
		MaxEntryUncompressed:  1 << 30,
		MaxDecompressionRatio: 100,
		RatioWarmupBytes:      1 << 20,
	}
}

// Result reports what was written.
type Result struct {
	EntryCount        int
	UncompressedBytes int64
}

// UnsafePath is returned when an archive entry's declared path fails
// sandboxing; the whole operation is aborted.
type UnsafePath struct{ Entry string }

func (e *UnsafePath) Error() string { return fmt.Sprintf("unsafe path in archive entry %q", e.Entry) }

// LimitExceeded is returned when a resource cap is violated.
type LimitExceeded struct{ Which string }

func (e *LimitExceeded) Error() string { return fmt.Sprintf("extraction limit exceeded: %s", e.Which) }

// UnsupportedFormat is returned when the archive's content cannot be
// classified as tar, zip, or a single binary.
type UnsupportedFormat struct{ Reason string }

func (e *UnsupportedFormat) Error() string { return fmt.Sprintf("unsupported archive format: %s", e.Reason) }

// CorruptArchive is returned when tar/zip/decompression reading fails
// partway through.
type CorruptArchive struct{ Err error }

func (e *CorruptArchive) Error() string { return fmt.Sprintf("corrupt archive: %v", e.Err) }
func (e *CorruptArchive) Unwrap() error { return e.Err }

// Unpack extracts archivePath into destDir, which must be empty and
// exclusively owned by the caller. On any failure destDir is left for the
// caller to destroy; Unpack does not delete it itself (the orchestrator
// owns the staging directory's lifetime).
func Unpack(archivePath, destDir, assetName string, limits Limits) (Result, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Result{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	// rawRead tracks bytes consumed from the file itself, beneath any
	// decompression layer, so the ratio tracker compares what was actually
	// read off disk against what gets written out, regardless of how many
	// compression layers sit in between.
	var rawRead int64
	counted := &countingReader{r: f, count: &rawRead}
	br := bufio.NewReader(counted)
	decompressed, format, err := decompressionLayer(br)
	if err != nil {
		return Result{}, err
	}

	switch format {
	case formatTar:
		return unpackTar(decompressed, destDir, limits, &rawRead)
	case formatZip:
		return unpackZip(archivePath, destDir, limits)
	case formatSingleBinary:
		return unpackSingleBinary(decompressed, destDir, assetName, limits, &rawRead)
	default:
		return Result{}, &UnsupportedFormat{Reason: "unrecognized archive content"}
	}
}

type archiveFormat int

const (
	formatTar archiveFormat = iota
	formatZip
	formatSingleBinary
)

// decompressionLayer peeks the magic bytes and applies gzip/bzip2/xz/zstd
// decompression if recognized. A decompressed stream is always handed on as
// tar without a further peek, so a compressed file that is not a tar archive
// fails later as a corrupt archive rather than installing as a single
// binary. Only an uncompressed stream is peeked to decide tar vs opaque
// binary. Zip is detected on the raw
// stream since zip's central directory structure means it is never wrapped
// in a separate compression layer by convention in this pipeline's inputs.
func decompressionLayer(br *bufio.Reader) (io.Reader, archiveFormat, error) {
	magic, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, 0, &CorruptArchive{Err: err}
	}

	switch {
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, 0, &CorruptArchive{Err: err}
		}
		return gz, formatTar, nil
	case len(magic) >= 3 && string(magic[:3]) == "BZh":
		return bzip2.NewReader(br), formatTar, nil
	case len(magic) >= 6 && bytes.Equal(magic[:6], []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, 0, &CorruptArchive{Err: err}
		}
		return xzr, formatTar, nil
	case len(magic) >= 4 && bytes.Equal(magic[:4], []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, 0, &CorruptArchive{Err: err}
		}
		return zr.IOReadCloser(), formatTar, nil
	case len(magic) >= 2 && magic[0] == 'P' && magic[1] == 'K':
		return br, formatZip, nil
	default:
		peeked, err := br.Peek(512)
		if err != nil && err != io.EOF {
			return nil, 0, &CorruptArchive{Err: err}
		}
		if looksLikeTar(peeked) {
			return br, formatTar, nil
		}
		return br, formatSingleBinary, nil
	}
}

func looksLikeTar(header []byte) bool {
	if len(header) < 512 {
		return false
	}
	// ustar magic lives at offset 257.
	return string(header[257:263]) == "ustar\x00" || string(header[257:265]) == "ustar  \x00"
}

// ratioTracker compares bytes written out against a caller-owned counter
// of bytes read from the raw, still-compressed source, so the check stays
// meaningful no matter how many decompression layers sit in between.
type ratioTracker struct {
	compressedRead   *int64
	uncompressedWrit int64
	warmup           int64
	maxRatio         float64
}

func (rt *ratioTracker) checkRatio() error {
	if rt.uncompressedWrit < rt.warmup {
		return nil
	}
	read := int64(1)
	if rt.compressedRead != nil && *rt.compressedRead > 0 {
		read = *rt.compressedRead
	}
	ratio := float64(rt.uncompressedWrit) / float64(read)
	if rt.maxRatio > 0 && ratio > rt.maxRatio {
		return &LimitExceeded{Which: "decompression ratio"}
	}
	return nil
}

// countingReader tracks compressed bytes consumed from the underlying
// reader so the ratio tracker can be fed accurately regardless of how many
// decompression layers sit above it.
type countingReader struct {
	r     io.Reader
	count *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.count += int64(n)
	return n, err
}

func unpackTar(r io.Reader, destDir string, limits Limits, rawRead *int64) (Result, error) {
	rt := &ratioTracker{warmup: limits.RatioWarmupBytes, maxRatio: limits.MaxDecompressionRatio, compressedRead: rawRead}
	tr := tar.NewReader(r)

	var result Result
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, &CorruptArchive{Err: err}
		}

		result.EntryCount++
		if limits.MaxEntryCount > 0 && result.EntryCount > limits.MaxEntryCount {
			return Result{}, &LimitExceeded{Which: "entry count"}
		}

		entryPath := hdr.Name
		targetPath, err := sandboxPath(destDir, entryPath)
		if err != nil {
			return Result{}, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return Result{}, fmt.Errorf("create directory %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			if limits.MaxEntryUncompressed > 0 && hdr.Size > limits.MaxEntryUncompressed {
				return Result{}, &LimitExceeded{Which: "per-entry size"}
			}
			written, err := writeEntryFile(targetPath, tr, hdr.Size, limits, rt, modeFromTar(hdr))
			if err != nil {
				return Result{}, err
			}
			result.UncompressedBytes += written
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(destDir, entryPath, hdr.Linkname); err != nil {
				return Result{}, err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return Result{}, fmt.Errorf("create parent for symlink %s: %w", targetPath, err)
			}
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
				return Result{}, fmt.Errorf("create symlink %s: %w", targetPath, err)
			}
		default:
			return Result{}, &UnsafePath{Entry: entryPath}
		}

		if limits.MaxTotalUncompressed > 0 && result.UncompressedBytes > limits.MaxTotalUncompressed {
			return Result{}, &LimitExceeded{Which: "total uncompressed size"}
		}
	}

	if err := stripSingleTopLevelDir(destDir); err != nil {
		return Result{}, err
	}
	return result, nil
}

func unpackZip(archivePath, destDir string, limits Limits) (Result, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return Result{}, &CorruptArchive{Err: err}
	}
	defer zr.Close()

	var result Result
	for _, f := range zr.File {
		result.EntryCount++
		if limits.MaxEntryCount > 0 && result.EntryCount > limits.MaxEntryCount {
			return Result{}, &LimitExceeded{Which: "entry count"}
		}

		targetPath, err := sandboxPath(destDir, f.Name)
		if err != nil {
			return Result{}, err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return Result{}, fmt.Errorf("create directory %s: %w", targetPath, err)
			}
			continue
		case mode&os.ModeSymlink != 0:
			rc, err := f.Open()
			if err != nil {
				return Result{}, &CorruptArchive{Err: err}
			}
			linkTarget, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return Result{}, &CorruptArchive{Err: err}
			}
			if err := validateSymlinkTarget(destDir, f.Name, string(linkTarget)); err != nil {
				return Result{}, err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return Result{}, fmt.Errorf("create parent for symlink %s: %w", targetPath, err)
			}
			if err := os.Symlink(string(linkTarget), targetPath); err != nil {
				return Result{}, fmt.Errorf("create symlink %s: %w", targetPath, err)
			}
			continue
		case !mode.IsRegular():
			return Result{}, &UnsafePath{Entry: f.Name}
		}

		if limits.MaxEntryUncompressed > 0 && int64(f.UncompressedSize64) > limits.MaxEntryUncompressed {
			return Result{}, &LimitExceeded{Which: "per-entry size"}
		}

		rc, err := f.Open()
		if err != nil {
			return Result{}, &CorruptArchive{Err: err}
		}
		// Zip already reports compressed size up front; seed the tracker so
		// the ratio check is meaningful from the first write.
		entryCompressed := int64(f.CompressedSize64)
		if entryCompressed == 0 {
			entryCompressed = 1
		}
		rt := &ratioTracker{warmup: limits.RatioWarmupBytes, maxRatio: limits.MaxDecompressionRatio, compressedRead: &entryCompressed}
		written, err := writeEntryFile(targetPath, rc, int64(f.UncompressedSize64), limits, rt, mode)
		rc.Close()
		if err != nil {
			return Result{}, err
		}
		result.UncompressedBytes += written

		if limits.MaxTotalUncompressed > 0 && result.UncompressedBytes > limits.MaxTotalUncompressed {
			return Result{}, &LimitExceeded{Which: "total uncompressed size"}
		}
	}

	if err := stripSingleTopLevelDir(destDir); err != nil {
		return Result{}, err
	}
	return result, nil
}

func unpackSingleBinary(r io.Reader, destDir, assetName string, limits Limits, rawRead *int64) (Result, error) {
	if assetName == "" {
		return Result{}, &UnsupportedFormat{Reason: "no asset name available for single-binary install"}
	}
	targetPath := filepath.Join(destDir, assetName)
	rt := &ratioTracker{warmup: limits.RatioWarmupBytes, maxRatio: limits.MaxDecompressionRatio, compressedRead: rawRead}
	written, err := writeEntryFile(targetPath, r, limits.MaxEntryUncompressed, limits, rt, os.FileMode(0o755))
	if err != nil {
		return Result{}, err
	}
	return Result{EntryCount: 1, UncompressedBytes: written}, nil
}

// writeEntryFile streams src into targetPath (creating parent directories),
// applying the ratio tracker and per-entry cap as it goes so a bomb is
// caught mid-stream rather than after it has been fully written to disk.
func writeEntryFile(targetPath string, src io.Reader, declaredSize int64, limits Limits, rt *ratioTracker, mode os.FileMode) (int64, error) {
	if limits.MaxEntryUncompressed > 0 && declaredSize > limits.MaxEntryUncompressed {
		return 0, &LimitExceeded{Which: "per-entry size"}
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return 0, fmt.Errorf("create parent directory for %s: %w", targetPath, err)
	}
	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", targetPath, err)
	}
	defer out.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write %s: %w", targetPath, werr)
			}
			written += int64(n)
			rt.uncompressedWrit = written
			if limits.MaxEntryUncompressed > 0 && written > limits.MaxEntryUncompressed {
				return written, &LimitExceeded{Which: "per-entry size"}
			}
			if err := rt.checkRatio(); err != nil {
				return written, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, &CorruptArchive{Err: readErr}
		}
	}
	return written, nil
}

func modeFromTar(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o644
	}
	return mode
}

// sandboxPath rejects unsafe entry paths per spec §4.5 and resolves the
// entry to its final on-disk location without following symlinks out of
// destDir. securejoin.SecureJoin alone isn't enough here: it clamps a path
// that resolves through a symlink back inside destDir rather than erroring,
// so an archive that plants a symlinked directory in one entry and then
// writes through it in a later entry would otherwise be silently
// redirected instead of rejected. rejectSymlinkComponents walks the path
// itself and refuses any component that already exists on disk as a
// symlink before SecureJoin ever gets to clamp it.
func sandboxPath(destDir, entryPath string) (string, error) {
	if entryPath == "" {
		return "", &UnsafePath{Entry: entryPath}
	}
	cleaned := strings.TrimPrefix(entryPath, "./")
	cleaned = strings.TrimSuffix(cleaned, "/")
	if cleaned == "" {
		return "", &UnsafePath{Entry: entryPath}
	}
	if filepath.IsAbs(cleaned) || isDriveLetterPrefixed(cleaned) {
		return "", &UnsafePath{Entry: entryPath}
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == "" || part == "." || part == ".." || strings.ContainsRune(part, 0) {
			return "", &UnsafePath{Entry: entryPath}
		}
	}

	if err := rejectSymlinkComponents(destDir, cleaned); err != nil {
		return "", &UnsafePath{Entry: entryPath}
	}

	resolved, err := securejoin.SecureJoin(destDir, cleaned)
	if err != nil {
		return "", &UnsafePath{Entry: entryPath}
	}
	return resolved, nil
}

// rejectSymlinkComponents walks cleaned component by component under
// destDir and errors if any component already materialized on disk —
// including the final one — is a symlink. Components that don't exist yet
// are fine; they're about to be created by this or a later entry.
func rejectSymlinkComponents(destDir, cleaned string) error {
	current := destDir
	for _, part := range strings.Split(cleaned, "/") {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path component %s is a symlink", current)
		}
	}
	return nil
}

func isDriveLetterPrefixed(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// validateSymlinkTarget rejects a symlink entry whose resolved target would
// escape destDir.
func validateSymlinkTarget(destDir, entryPath, linkTarget string) error {
	if linkTarget == "" {
		return &UnsafePath{Entry: entryPath}
	}
	if filepath.IsAbs(linkTarget) {
		return &UnsafePath{Entry: entryPath}
	}
	entryDir := filepath.Dir(entryPath)
	resolved := filepath.Join(entryDir, linkTarget)
	resolved = filepath.Clean(resolved)
	if resolved == ".." || strings.HasPrefix(resolved, "../") || filepath.IsAbs(resolved) {
		return &UnsafePath{Entry: entryPath}
	}
	return nil
}

// stripSingleTopLevelDir promotes the contents of a lone top-level
// directory up one level, per spec §4.5's post-pass rule.
func stripSingleTopLevelDir(destDir string) error {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return fmt.Errorf("read destination directory: %w", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	onlyDir := filepath.Join(destDir, entries[0].Name())
	inner, err := os.ReadDir(onlyDir)
	if err != nil {
		return fmt.Errorf("read nested directory: %w", err)
	}
	for _, e := range inner {
		oldPath := filepath.Join(onlyDir, e.Name())
		newPath := filepath.Join(destDir, e.Name())
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("promote %s: %w", e.Name(), err)
		}
	}
	return os.Remove(onlyDir)
}
