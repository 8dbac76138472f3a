// Package fsops implements the atomic filesystem choreography around a
// release: promoting a staged directory into the release store, switching
// per-binary symlinks to point at it, and pruning old releases.
package fsops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	multierror "github.com/hashicorp/go-multierror"
)

// PromotionError wraps a failure to rename a staging directory into place.
type PromotionError struct {
	StagingDir, TargetDir string
	Err                   error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("promote %s to %s: %v", e.StagingDir, e.TargetDir, e.Err)
}
func (e *PromotionError) Unwrap() error { return e.Err }

// SymlinkError wraps a failure while switching one binary's symlink.
type SymlinkError struct {
	Binary string
	Err    error
}

func (e *SymlinkError) Error() string { return fmt.Sprintf("switch symlink for %q: %v", e.Binary, e.Err) }
func (e *SymlinkError) Unwrap() error { return e.Err }

// PruneError wraps the aggregate of non-fatal per-directory removal
// failures encountered while pruning.
type PruneError struct{ Err error }

func (e *PruneError) Error() string { return fmt.Sprintf("prune encountered errors: %v", e.Err) }
func (e *PruneError) Unwrap() error { return e.Err }

// Promote renames stagingDir to targetDir. Fails if targetDir already
// exists (no overwrite). The parent of targetDir is fsynced after success
// so the new directory entry survives a crash.
func Promote(stagingDir, targetDir string) error {
	if _, err := os.Lstat(targetDir); err == nil {
		return &PromotionError{StagingDir: stagingDir, TargetDir: targetDir, Err: fmt.Errorf("target already exists")}
	} else if !os.IsNotExist(err) {
		return &PromotionError{StagingDir: stagingDir, TargetDir: targetDir, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(targetDir), 0o755); err != nil {
		return &PromotionError{StagingDir: stagingDir, TargetDir: targetDir, Err: fmt.Errorf("create parent: %w", err)}
	}
	if err := os.Rename(stagingDir, targetDir); err != nil {
		return &PromotionError{StagingDir: stagingDir, TargetDir: targetDir, Err: err}
	}
	if err := FsyncDir(filepath.Dir(targetDir)); err != nil {
		return &PromotionError{StagingDir: stagingDir, TargetDir: targetDir, Err: fmt.Errorf("fsync parent: %w", err)}
	}
	return nil
}

// SwitchBins atomically re-points every executable binary directly under
// releaseDir at binDir, via a write-new-then-rename-over-old sequence per
// binary. Stale symlinks in binDir that are not present in the new release
// are removed after the switch pass. releaseDir is expected at
// "<releasesDir>/<tag>"; the symlink targets are relative, of the form
// "../releases/<tag>/<binary>".
func SwitchBins(releaseDir, binDir, tag string) error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("create bin directory: %w", err)
	}

	binaries, err := executableEntries(releaseDir)
	if err != nil {
		return fmt.Errorf("enumerate release binaries: %w", err)
	}

	newSet := make(map[string]bool, len(binaries))
	for _, name := range binaries {
		newSet[name] = true
		target := filepath.Join("..", "releases", tag, name)
		if err := atomicSymlink(binDir, name, target); err != nil {
			return &SymlinkError{Binary: name, Err: err}
		}
	}

	if err := removeStaleSymlinks(binDir, newSet); err != nil {
		return &SymlinkError{Err: err}
	}

	if err := FsyncDir(binDir); err != nil {
		return &SymlinkError{Err: fmt.Errorf("fsync bin directory: %w", err)}
	}
	return nil
}

func executableEntries(releaseDir string) ([]string, error) {
	entries, err := os.ReadDir(releaseDir)
	if err != nil {
		return nil, err
	}

	var regular []os.DirEntry
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		regular = append(regular, e)
	}
	if len(regular) == 1 {
		names = append(names, regular[0].Name())
		return names, nil
	}
	for _, e := range regular {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if info.Mode().Perm()&0o111 != 0 {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// atomicSymlink writes "<binDir>/<name>.new" pointing at target, then
// renames it over "<binDir>/<name>".
func atomicSymlink(binDir, name, target string) error {
	linkPath := filepath.Join(binDir, name)
	tmpPath := linkPath + ".new"

	os.Remove(tmpPath)
	if err := os.Symlink(target, tmpPath); err != nil {
		return fmt.Errorf("create temp symlink: %w", err)
	}
	if err := os.Rename(tmpPath, linkPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename symlink into place: %w", err)
	}
	return nil
}

func removeStaleSymlinks(binDir string, keep map[string]bool) error {
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if err := os.Remove(filepath.Join(binDir, e.Name())); err != nil {
			return fmt.Errorf("remove stale symlink %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Prune removes old release directories under releasesDir, always
// retaining keepTag and the next retainN-1 most-recently-modified
// directories distinct from it. Removal failures for individual
// directories are aggregated and returned, but do not stop the sweep; the
// operation is considered successful overall as long as keepTag survives.
func Prune(releasesDir, keepTag string, retainN int) error {
	entries, err := os.ReadDir(releasesDir)
	if err != nil {
		return fmt.Errorf("list release directories: %w", err)
	}

	type candidate struct {
		name    string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime != candidates[j].modTime {
			return candidates[i].modTime > candidates[j].modTime
		}
		return candidates[i].name > candidates[j].name
	})

	keep := map[string]bool{keepTag: true}
	kept := 1
	for _, c := range candidates {
		if c.name == keepTag {
			continue
		}
		if kept < retainN {
			keep[c.name] = true
			kept++
		}
	}

	var result *multierror.Error
	for _, c := range candidates {
		if keep[c.name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(releasesDir, c.name)); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove release %s: %w", c.name, err))
		}
	}
	if result != nil {
		return &PruneError{Err: result}
	}
	return nil
}

// ReleasesDir, BinDir, and StagingDir are the single source of truth for
// an app's on-disk layout under its install root, per spec §3.
func ReleasesDir(appRoot string) string { return filepath.Join(appRoot, "releases") }
func BinDir(appRoot string) string      { return filepath.Join(appRoot, "bin") }
func StagingDir(appRoot string) string  { return filepath.Join(appRoot, "staging") }

// FsyncDir fsyncs a directory so renames and unlinks within it survive a
// crash.
func FsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for fsync: %w", err)
	}
	defer f.Close()
	return f.Sync()
}
