// Package app orchestrates the install pipeline: lock acquisition, release
// resolution, download, verification, extraction, promotion, symlink
// switching, the restart hook, pruning, and state persistence, in the
// sequence spec'd for the check/update/version flows.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/distronomicon/distronomicon/internal/applog"
	"github.com/distronomicon/distronomicon/internal/checksum"
	"github.com/distronomicon/distronomicon/internal/downloader"
	"github.com/distronomicon/distronomicon/internal/extract"
	"github.com/distronomicon/distronomicon/internal/fsops"
	"github.com/distronomicon/distronomicon/internal/lockfile"
	"github.com/distronomicon/distronomicon/internal/releaseindex"
	"github.com/distronomicon/distronomicon/internal/restarthook"
	"github.com/distronomicon/distronomicon/internal/state"
)

// Config carries every per-invocation input the orchestrator needs, built
// by cliconfig from flags and environment.
type Config struct {
	App              string
	Repo             releaseindex.Repository
	AssetPattern     *regexp.Regexp
	ChecksumPattern  *regexp.Regexp
	Token            string
	Host             string
	AllowPrerelease  bool
	SkipVerification bool
	RestartCommand   string
	RetainN          int
	InstallRoot      string
	StateDir         string
	LockDir          string
	DryRun           bool
}

func (c Config) appRoot() string   { return filepath.Join(c.InstallRoot, c.App) }
func (c Config) statePath() string { return filepath.Join(c.StateDir, c.App, "state.json") }

// Orchestrator sequences the install pipeline's components for one app.
type Orchestrator struct {
	Config Config
	Log    *applog.Logger
	Index  *releaseindex.Client
	DLDoer downloader.HTTPDoer
	Runner restarthook.CommandRunner
}

// New builds an Orchestrator; a nil indexDoer or dlDoer yields the
// package's production HTTP defaults, and a nil runner yields
// restarthook.DefaultRunner.
func New(cfg Config, log *applog.Logger, indexDoer releaseindex.HTTPDoer, dlDoer downloader.HTTPDoer, runner restarthook.CommandRunner) *Orchestrator {
	if log == nil {
		log = applog.New(cfg.App, applog.Options{})
	}
	if runner == nil {
		runner = restarthook.DefaultRunner
	}
	return &Orchestrator{
		Config: cfg,
		Log:    log,
		Index:  releaseindex.NewClient(cfg.Host, cfg.Token, indexDoer),
		DLDoer: dlDoer,
		Runner: runner,
	}
}

// Outcome reports the human-readable result of a Check or Update call.
type Outcome struct {
	Status string // "up-to-date" | "update-available" | "install-available" | "installed"
	OldTag string
	NewTag string
}

func (o Outcome) String() string {
	switch o.Status {
	case "up-to-date":
		return fmt.Sprintf("up-to-date: %s", o.NewTag)
	case "update-available":
		return fmt.Sprintf("update-available: %s -> %s", o.OldTag, o.NewTag)
	case "install-available":
		return fmt.Sprintf("install-available: %s", o.NewTag)
	case "installed":
		return fmt.Sprintf("installed: %s", o.NewTag)
	default:
		return o.Status
	}
}

// Check resolves the latest applicable release and reports status without
// mutating releases/, staging/, or bin/. It still writes back updated
// conditional-request validators to state.
func (o *Orchestrator) Check(ctx context.Context) (Outcome, error) {
	stage := o.Log.With(map[string]any{"stage": "check"})
	guard, err := lockfile.Acquire(o.Config.LockDir, o.Config.App)
	if err != nil {
		return Outcome{}, err
	}
	defer guard.Release()

	st, err := state.Load(o.Config.statePath())
	if err != nil {
		return Outcome{}, err
	}

	stage.Debugf("resolving latest release for %s", o.Config.Repo)
	resolved, idxErr := o.Index.FetchLatest(ctx, o.Config.Repo, o.Config.AllowPrerelease, releaseindex.Validators{
		ETag: st.ETag, LastModified: st.LastModified,
	})
	if idxErr != nil {
		return Outcome{}, idxErr
	}

	if resolved.NotModified {
		o.saveValidators(st, resolved.Validators)
		stage.With(map[string]any{"tag": st.LatestTag}).Infof("up to date")
		return Outcome{Status: "up-to-date", NewTag: st.LatestTag}, nil
	}

	tagLog := stage.With(map[string]any{"tag": resolved.Release.Tag})
	releaseDirExists := dirExists(fsops.ReleasesDir(o.Config.appRoot()), resolved.Release.Tag)
	o.saveValidators(st, resolved.Validators)

	if resolved.Release.Tag == st.LatestTag && releaseDirExists {
		tagLog.Infof("up to date")
		return Outcome{Status: "up-to-date", NewTag: st.LatestTag}, nil
	}
	if st.LatestTag == "" {
		tagLog.Infof("install available")
		return Outcome{Status: "install-available", NewTag: resolved.Release.Tag}, nil
	}
	tagLog.Infof("update available")
	return Outcome{Status: "update-available", OldTag: st.LatestTag, NewTag: resolved.Release.Tag}, nil
}

// Update runs the full install pipeline: lock, resolve, (maybe) download,
// verify, extract, promote, switch, restart, prune, persist.
func (o *Orchestrator) Update(ctx context.Context) (Outcome, error) {
	stage := o.Log.With(map[string]any{"stage": "lock"})
	guard, err := lockfile.Acquire(o.Config.LockDir, o.Config.App)
	if err != nil {
		return Outcome{}, err
	}
	defer guard.Release()
	stage.Debugf("acquired exclusive lock for %s", o.Config.App)

	appRoot := o.Config.appRoot()
	stagingRoot := fsops.StagingDir(appRoot)
	o.sweepStaleStaging(stagingRoot)

	st, err := state.Load(o.Config.statePath())
	if err != nil {
		return Outcome{}, err
	}

	stage = o.Log.With(map[string]any{"stage": "resolve"})
	stage.Debugf("resolving latest release for %s", o.Config.Repo)
	resolved, idxErr := o.Index.FetchLatest(ctx, o.Config.Repo, o.Config.AllowPrerelease, releaseindex.Validators{
		ETag: st.ETag, LastModified: st.LastModified,
	})
	if idxErr != nil {
		return Outcome{}, idxErr
	}

	if resolved.NotModified {
		o.saveValidators(st, resolved.Validators)
		stage.With(map[string]any{"tag": st.LatestTag}).Infof("up to date")
		return Outcome{Status: "up-to-date", NewTag: st.LatestTag}, nil
	}

	release := resolved.Release
	releasesDir := fsops.ReleasesDir(appRoot)
	releaseDirExists := dirExists(releasesDir, release.Tag)

	if release.Tag == st.LatestTag && releaseDirExists {
		o.saveValidators(st, resolved.Validators)
		return Outcome{Status: "up-to-date", NewTag: st.LatestTag}, nil
	}

	tagLog := o.Log.With(map[string]any{"tag": release.Tag})

	oldTag := st.LatestTag
	if o.Config.DryRun {
		status := "update-available"
		if oldTag == "" {
			status = "install-available"
		}
		tagLog.With(map[string]any{"stage": "dry-run"}).Infof("%s (dry run, no changes made)", status)
		return Outcome{Status: status, OldTag: oldTag, NewTag: release.Tag}, nil
	}

	asset, ok := releaseindex.SelectAsset(release, o.Config.AssetPattern)
	if !ok {
		return Outcome{}, &NoMatchingAsset{Tag: release.Tag, Pattern: o.Config.AssetPattern.String()}
	}

	var checksumAsset releaseindex.Asset
	verifying := !o.Config.SkipVerification && o.Config.ChecksumPattern != nil
	if verifying {
		checksumAsset, ok = releaseindex.SelectAsset(release, o.Config.ChecksumPattern)
		if !ok {
			return Outcome{}, &NoMatchingChecksum{Tag: release.Tag, Pattern: o.Config.ChecksumPattern.String()}
		}
	}

	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create staging root: %w", err)
	}
	downloadLog := tagLog.With(map[string]any{"stage": "download"})
	downloadLog.Infof("downloading %s", asset.Name)
	downloadTmp, err := downloader.Fetch(ctx, o.DLDoer, asset.DownloadURL, stagingRoot, downloader.Options{Token: o.Config.Token})
	if err != nil {
		return Outcome{}, err
	}
	defer downloadTmp.Cleanup()

	if verifying {
		verifyLog := tagLog.With(map[string]any{"stage": "verify"})
		manifestTmp, err := downloader.Fetch(ctx, o.DLDoer, checksumAsset.DownloadURL, stagingRoot, downloader.Options{Token: o.Config.Token})
		if err != nil {
			return Outcome{}, err
		}
		defer manifestTmp.Cleanup()

		entries, err := parseChecksumFile(manifestTmp.Path)
		if err != nil {
			return Outcome{}, err
		}
		expected, err := checksum.Lookup(entries, asset.Name)
		if err != nil {
			return Outcome{}, err
		}
		if err := checksum.Verify(downloadTmp.Path, expected); err != nil {
			return Outcome{}, err
		}
		verifyLog.Debugf("checksum verified for %s", asset.Name)
	}

	nonce, err := newNonce()
	if err != nil {
		return Outcome{}, fmt.Errorf("generate staging nonce: %w", err)
	}
	stagingDir := filepath.Join(stagingRoot, release.Tag+"."+nonce)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	extractLog := tagLog.With(map[string]any{"stage": "extract"})
	if _, err := extract.Unpack(downloadTmp.Path, stagingDir, asset.Name, extract.DefaultLimits()); err != nil {
		return Outcome{}, err
	}
	extractLog.Debugf("unpacked %s into staging", asset.Name)

	promoteLog := tagLog.With(map[string]any{"stage": "promote"})
	targetDir := filepath.Join(releasesDir, release.Tag)
	if err := fsops.Promote(stagingDir, targetDir); err != nil {
		if release.Tag == st.LatestTag && dirExists(releasesDir, release.Tag) {
			promoteLog.Infof("release already promoted, treating as no-op")
		} else {
			return Outcome{}, err
		}
	}

	switchLog := tagLog.With(map[string]any{"stage": "switch"})
	if err := fsops.SwitchBins(targetDir, fsops.BinDir(appRoot), release.Tag); err != nil {
		return Outcome{}, err
	}
	switchLog.Infof("switched bin symlinks to %s", release.Tag)

	var restartErr error
	if o.Config.RestartCommand != "" {
		restartLog := tagLog.With(map[string]any{"stage": "restart"})
		if _, err := restarthook.Run(ctx, o.Runner, o.Config.RestartCommand, os.Environ()); err != nil {
			restartErr = err
			restartLog.Warnf("restart hook failed: %v", err)
		} else {
			restartLog.Infof("restart hook succeeded")
		}
	}

	pruneLog := tagLog.With(map[string]any{"stage": "prune"})
	retainN := o.Config.RetainN
	if retainN <= 0 {
		retainN = 3
	}
	if err := fsops.Prune(releasesDir, release.Tag, retainN); err != nil {
		pruneLog.Warnf("prune encountered errors: %v", err)
	}

	newState := st
	newState.LatestTag = release.Tag
	newState.ETag = resolved.Validators.ETag
	newState.LastModified = resolved.Validators.LastModified
	newState.InstalledAt = nowRFC3339()
	if err := state.Save(o.Config.statePath(), newState); err != nil {
		return Outcome{}, err
	}

	os.RemoveAll(stagingDir)

	if restartErr != nil {
		return Outcome{Status: "installed", OldTag: oldTag, NewTag: release.Tag}, restartErr
	}
	return Outcome{Status: "installed", OldTag: oldTag, NewTag: release.Tag}, nil
}

// VersionResult is the outcome of ShowVersion.
type VersionResult struct {
	Tag       string
	NoneFound bool
	Torn      bool
}

// ShowVersion enumerates bin/* symlinks and reports the installed tag(s)
// without acquiring the lock.
func ShowVersion(appRoot string) (VersionResult, error) {
	binDir := fsops.BinDir(appRoot)
	entries, err := os.ReadDir(binDir)
	if err != nil {
		if os.IsNotExist(err) {
			return VersionResult{NoneFound: true}, nil
		}
		return VersionResult{}, fmt.Errorf("read bin directory: %w", err)
	}

	counts := make(map[string]int)
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(binDir, e.Name()))
		if err != nil {
			continue
		}
		tag, ok := tagFromSymlinkTarget(target)
		if ok {
			counts[tag]++
		}
	}
	if len(counts) == 0 {
		return VersionResult{NoneFound: true}, nil
	}
	if len(counts) == 1 {
		for tag := range counts {
			return VersionResult{Tag: tag}, nil
		}
	}

	type tally struct {
		tag   string
		count int
	}
	var tallies []tally
	for tag, count := range counts {
		tallies = append(tallies, tally{tag, count})
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].count != tallies[j].count {
			return tallies[i].count > tallies[j].count
		}
		return tallies[i].tag < tallies[j].tag
	})
	return VersionResult{Tag: tallies[0].tag, Torn: true}, nil
}

func tagFromSymlinkTarget(target string) (string, bool) {
	parts := strings.Split(filepath.ToSlash(target), "/")
	for i, p := range parts {
		if p == "releases" && i+1 < len(parts) {
			return parts[i+1], true
		}
	}
	return "", false
}

func (o *Orchestrator) saveValidators(st state.Record, v releaseindex.Validators) {
	st.ETag = v.ETag
	st.LastModified = v.LastModified
	if err := state.Save(o.Config.statePath(), st); err != nil {
		o.Log.Warnf("failed to persist state: %v", err)
	}
}

// staleStagingAge is how long a staging/* entry is left alone before the
// opportunistic sweep considers it abandoned, per SPEC_FULL.md §10.
const staleStagingAge = time.Hour

// sweepStaleStaging opportunistically removes leftover staging directories
// from a previous, non-completing invocation that are older than
// staleStagingAge. Safe to run under the lock at the start of every update:
// a live invocation's own staging directory is created after this sweep
// runs, so it is never at risk of being swept as stale.
func (o *Orchestrator) sweepStaleStaging(stagingRoot string) {
	entries, err := os.ReadDir(stagingRoot)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < staleStagingAge {
			continue
		}
		path := filepath.Join(stagingRoot, e.Name())
		if err := os.RemoveAll(path); err != nil {
			o.Log.Warnf("failed to sweep stale staging directory %s: %v", path, err)
		}
	}
}

func dirExists(releasesDir, tag string) bool {
	if tag == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(releasesDir, tag))
	return err == nil && info.IsDir()
}

func parseChecksumFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checksum manifest: %w", err)
	}
	defer f.Close()
	return checksum.Parse(f)
}

func newNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
