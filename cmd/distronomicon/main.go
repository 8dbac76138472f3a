package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/distronomicon/distronomicon/internal/app"
	"github.com/distronomicon/distronomicon/internal/applog"
	"github.com/distronomicon/distronomicon/internal/cliconfig"
	"github.com/distronomicon/distronomicon/internal/lockfile"
	"github.com/distronomicon/distronomicon/internal/releaseindex"
	"github.com/distronomicon/distronomicon/internal/version"
)

// pipelineFlags collects the flags shared by check and update, matching
// spec §6's CLI surface.
type pipelineFlags struct {
	appName          string
	repo             string
	assetPattern     string
	checksumPattern  string
	token            string
	host             string
	restartCommand   string
	retainN          int
	skipVerification bool
	allowPrerelease  bool
	installRoot      string
	stateDir         string
	lockDir          string
	verbose          bool
	jsonLogs         bool
	dryRun           bool
}

func (f *pipelineFlags) register(cmd *cobra.Command, includeDryRun bool) {
	cmd.Flags().StringVar(&f.appName, "app", "", "logical name of the managed application (required)")
	cmd.Flags().StringVar(&f.repo, "repo", "", "source repository as owner/name (required)")
	cmd.Flags().StringVar(&f.assetPattern, "asset", "", "regex matching the release asset filename (required)")
	cmd.Flags().StringVar(&f.checksumPattern, "checksum-asset", "", "regex matching the checksum manifest asset filename")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for the release API (default: $GITHUB_TOKEN)")
	cmd.Flags().StringVar(&f.host, "host", "", "release API host override")
	cmd.Flags().StringVar(&f.restartCommand, "restart-command", "", "shell command to run after switching binaries")
	cmd.Flags().IntVar(&f.retainN, "retain", cliconfig.DefaultRetainN, "number of release directories to retain")
	cmd.Flags().BoolVar(&f.skipVerification, "skip-verification", false, "skip checksum verification")
	cmd.Flags().BoolVar(&f.allowPrerelease, "prerelease", false, "allow prerelease tags to be selected")
	cmd.Flags().StringVar(&f.installRoot, "install-root", "", "install root directory (default /opt)")
	cmd.Flags().StringVar(&f.stateDir, "state-dir", "", "state directory override")
	cmd.Flags().StringVar(&f.lockDir, "lock-dir", "", "lock directory override")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug-level logging")
	cmd.Flags().BoolVar(&f.jsonLogs, "log-format-json", false, "emit logs as JSON instead of text")
	if includeDryRun {
		cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "resolve the latest release without installing it")
	}
}

func (f *pipelineFlags) buildConfig() (app.Config, error) {
	if f.appName == "" {
		return app.Config{}, fmt.Errorf("--app is required")
	}
	if f.repo == "" {
		return app.Config{}, fmt.Errorf("--repo is required")
	}
	if f.assetPattern == "" {
		return app.Config{}, fmt.Errorf("--asset is required")
	}

	repo, err := releaseindex.ParseRepository(f.repo)
	if err != nil {
		return app.Config{}, err
	}
	assetRe, err := regexp.Compile(f.assetPattern)
	if err != nil {
		return app.Config{}, fmt.Errorf("invalid --asset pattern: %w", err)
	}
	var checksumRe *regexp.Regexp
	if f.checksumPattern != "" {
		checksumRe, err = regexp.Compile(f.checksumPattern)
		if err != nil {
			return app.Config{}, fmt.Errorf("invalid --checksum-asset pattern: %w", err)
		}
	}

	return app.Config{
		App:              f.appName,
		Repo:             repo,
		AssetPattern:     assetRe,
		ChecksumPattern:  checksumRe,
		Token:            cliconfig.Token(f.token),
		Host:             cliconfig.Host(f.host),
		AllowPrerelease:  f.allowPrerelease,
		SkipVerification: f.skipVerification,
		RestartCommand:   f.restartCommand,
		RetainN:          f.retainN,
		InstallRoot:      cliconfig.InstallRoot(f.installRoot),
		StateDir:         cliconfig.StateDir(f.stateDir),
		LockDir:          cliconfig.LockDir(f.lockDir),
		DryRun:           f.dryRun,
	}, nil
}

func (f *pipelineFlags) logger() *applog.Logger {
	return applog.New(f.appName, applog.Options{Verbose: f.verbose, JSON: f.jsonLogs})
}

func main() {
	root := &cobra.Command{
		Use:           "distronomicon",
		Short:         "Install, update, and report on a single managed application's releases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newCheckCmd())
	root.AddCommand(newUpdateCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newUnlockCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCheckCmd() *cobra.Command {
	flags := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve the latest applicable release and report status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.buildConfig()
			if err != nil {
				return err
			}
			orc := app.New(cfg, flags.logger(), nil, nil, nil)
			outcome, err := orc.Check(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(outcome.String())
			return nil
		},
	}
	flags.register(cmd, false)
	return cmd
}

func newUpdateCmd() *cobra.Command {
	flags := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Install the latest applicable release and switch binaries to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.buildConfig()
			if err != nil {
				return err
			}
			orc := app.New(cfg, flags.logger(), nil, nil, nil)
			outcome, err := orc.Update(cmd.Context())
			if outcome.Status != "" {
				fmt.Println(outcome.String())
			}
			if err != nil {
				return err
			}
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newVersionCmd() *cobra.Command {
	var appName string
	var installRoot string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Report the installed release tag, or distronomicon's own version if --app is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if appName == "" {
				fmt.Println(version.Current().String())
				return nil
			}
			root := cliconfig.InstallRoot(installRoot)
			result, err := app.ShowVersion(filepath.Join(root, appName))
			if err != nil {
				return err
			}
			switch {
			case result.NoneFound:
				fmt.Println("none installed")
			case result.Torn:
				fmt.Printf("%s (diagnostic: bin/ symlinks disagree on installed tag)\n", result.Tag)
			default:
				fmt.Println(result.Tag)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&appName, "app", "", "report the installed tag for this managed application")
	cmd.Flags().StringVar(&installRoot, "install-root", "", "install root directory (default /opt)")
	return cmd
}

func newUnlockCmd() *cobra.Command {
	var appName string
	var lockDir string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Forcibly remove a stale lock file (diagnostic only, not part of the install pipeline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if appName == "" {
				return fmt.Errorf("--app is required")
			}
			dir := cliconfig.LockDir(lockDir)
			if err := lockfile.ForceRelease(dir, appName); err != nil {
				return err
			}
			fmt.Printf("removed lock for %s\n", appName)
			return nil
		},
	}
	cmd.Flags().StringVar(&appName, "app", "", "application whose lock should be removed (required)")
	cmd.Flags().StringVar(&lockDir, "lock-dir", "", "lock directory override")
	return cmd
}
