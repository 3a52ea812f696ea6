package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/conn-castle/fastchain/internal/config"
	"github.com/conn-castle/fastchain/internal/fetch"
	"github.com/conn-castle/fastchain/internal/manifestfile"
	"github.com/conn-castle/fastchain/internal/messages"
	"github.com/conn-castle/fastchain/internal/pipeline"
	"github.com/conn-castle/fastchain/internal/progress"
)

var loadConfig = func() (*config.Config, error) {
	cfg, _, err := config.Load(config.RealSystem{})
	return cfg, err
}

// installFlags holds the raw flag values of the install command.
type installFlags struct {
	manifest   string
	root       string
	staging    string
	jobs       int
	unpackJobs int
	retries    int
	noReplace  bool
	verbose    bool
	quiet      bool
}

func newInstallCmd() *cobra.Command {
	var f installFlags
	cmd := &cobra.Command{
		Use:   messages.InstallUse,
		Short: messages.InstallShort,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.manifest, "manifest", "m", "", messages.InstallFlagManifest)
	flags.StringVar(&f.root, "root", "", messages.InstallFlagRoot)
	flags.StringVar(&f.staging, "staging", "", messages.InstallFlagStaging)
	flags.IntVarP(&f.jobs, "jobs", "j", 0, messages.InstallFlagJobs)
	flags.IntVar(&f.unpackJobs, "unpack-jobs", 0, messages.InstallFlagUnpackJobs)
	flags.IntVar(&f.retries, "retries", 0, messages.InstallFlagRetries)
	flags.BoolVar(&f.noReplace, "no-replace", false, messages.InstallFlagNoReplace)
	flags.BoolVar(&f.verbose, "verbose", false, messages.RootVerboseFlag)
	flags.BoolVarP(&f.quiet, "quiet", "q", false, messages.RootQuietFlag)
	_ = cmd.MarkFlagRequired("manifest")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	return cmd
}

func runInstall(cmd *cobra.Command, f installFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd.Flags(), f, cfg); err != nil {
		return err
	}

	file, err := manifestfile.Load(f.manifest)
	if err != nil {
		return err
	}
	// Flags win over the manifest, which wins over config.
	root, staging := f.root, f.staging
	if root == "" && file.InstallRoot == "" {
		root = cfg.Paths.InstallRoot
		if root == "" {
			return errors.New(messages.InstallRootRequired)
		}
	}
	if staging == "" && file.StagingRoot == "" {
		staging = cfg.Paths.StagingRoot
	}
	m, err := file.Manifest(root, staging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = slogcontext.NewCtx(ctx, newLogger(cmd.ErrOrStderr(), f))

	opts := pipeline.Options{
		Fetcher:                fetch.New(fetchOptions(cfg)),
		MaxConcurrentDownloads: cfg.Download.MaxConcurrent,
		MaxConcurrentUnpacks:   cfg.Unpack.MaxConcurrent,
		NoReplace:              f.noReplace,
	}
	out := cmd.OutOrStdout()
	if f.quiet {
		out = io.Discard
	}
	printer := progress.New(out)
	opts.Observer = printer.Observe

	outcome := pipeline.New(opts).Run(ctx, m)
	printer.Finish(outcome)
	if err := outcome.Err(); err != nil {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
		return &SilentExitError{Code: 1}
	}
	return nil
}

// applyFlags layers explicitly set flags over the loaded config.
func applyFlags(flags *pflag.FlagSet, f installFlags, cfg *config.Config) error {
	ints := []struct {
		name     string
		value    int
		dst      *int
		zeroOkay bool
	}{
		{"jobs", f.jobs, &cfg.Download.MaxConcurrent, false},
		{"unpack-jobs", f.unpackJobs, &cfg.Unpack.MaxConcurrent, true},
		{"retries", f.retries, &cfg.Download.MaxAttempts, false},
	}
	for _, i := range ints {
		if !flags.Changed(i.name) {
			continue
		}
		if i.value < 0 || (i.value == 0 && !i.zeroOkay) {
			return fmt.Errorf(messages.InstallFlagInvalidFmt, i.name, i.value)
		}
		*i.dst = i.value
	}
	return nil
}

func fetchOptions(cfg *config.Config) fetch.Options {
	opts := cfg.FetchOptions()
	if opts.UserAgent == "" {
		opts.UserAgent = fmt.Sprintf(messages.UserAgentFmt, Version)
	}
	return opts
}

// newLogger writes structured logs to w. Warnings are shown by default;
// --verbose adds debug records and --quiet keeps only errors.
func newLogger(w io.Writer, f installFlags) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case f.verbose:
		level = slog.LevelDebug
	case f.quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
