// Package commit publishes a fully staged tree as the installation root in a
// single rename, so observers see either the prior installation or the new
// one and never a mix.
package commit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sys/unix"

	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/messages"
)

// ErrCrossDevice reports staging and install roots on different volumes.
var ErrCrossDevice = errors.New(messages.CommitCrossDevice)

// ErrTargetExists reports an existing installation when replacing is disabled.
var ErrTargetExists = errors.New(messages.CommitTargetExists)

// Options controls Publish.
type Options struct {
	// NoReplace refuses to touch an existing installation.
	NoReplace bool
}

// Result describes a successful publish.
type Result struct {
	// Replaced is true when a prior installation existed.
	Replaced bool
	// PriorPath holds the prior installation after the swap. It lives next
	// to the staging tree and is removed with the run directory.
	PriorPath string
}

// Publish makes stagingTree the installation at installRoot. On any failure
// installRoot is left exactly as it was. Replacing is atomic on Linux
// filesystems that support RENAME_EXCHANGE; elsewhere the installation is
// briefly absent and a warning is logged.
func Publish(ctx context.Context, stagingTree string, installRoot string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	parent := filepath.Dir(installRoot)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Result{}, &installerr.PlatformError{Op: messages.CommitOpCreateParent, Path: parent, Err: err}
	}
	if err := checkSameDevice(stagingTree, parent); err != nil {
		return Result{}, err
	}

	info, err := os.Lstat(installRoot)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// publishNew fails with fs.ErrExist if another writer created the
		// target after Lstat.
		if err := publishNew(stagingTree, installRoot); err != nil {
			return Result{}, &installerr.PlatformError{Op: messages.CommitOpPublish, Path: installRoot, Err: err}
		}
		slogcontext.Log(ctx, slog.LevelInfo, "published installation", slog.String("root", installRoot))
		return Result{}, nil
	case err != nil:
		return Result{}, &installerr.PlatformError{Op: messages.CommitOpStat, Path: installRoot, Err: err}
	case !info.IsDir():
		return Result{}, &installerr.PlatformError{Op: messages.CommitOpStat, Path: installRoot, Err: errors.New(messages.CommitTargetNotDir)}
	case opts.NoReplace:
		return Result{}, &installerr.PlatformError{Op: messages.CommitOpPublish, Path: installRoot, Err: ErrTargetExists}
	}

	prior, atomic, err := replace(stagingTree, installRoot)
	if !atomic {
		slogcontext.Log(ctx, slog.LevelWarn, "filesystem has no atomic exchange; installation was briefly absent during replace",
			slog.String("root", installRoot))
	}
	if err != nil {
		return Result{}, &installerr.PlatformError{Op: messages.CommitOpReplace, Path: installRoot, Err: err}
	}
	slogcontext.Log(ctx, slog.LevelInfo, "replaced installation", slog.String("root", installRoot), slog.String("prior", prior))
	return Result{Replaced: true, PriorPath: prior}, nil
}

// checkSameDevice verifies that rename(2) between the two paths can work.
func checkSameDevice(a string, b string) error {
	var sa, sb unix.Stat_t
	if err := unix.Stat(a, &sa); err != nil {
		return &installerr.PlatformError{Op: messages.CommitOpStat, Path: a, Err: err}
	}
	if err := unix.Stat(b, &sb); err != nil {
		return &installerr.PlatformError{Op: messages.CommitOpStat, Path: b, Err: err}
	}
	if sa.Dev != sb.Dev {
		return &installerr.PlatformError{
			Op:   messages.CommitOpPublish,
			Path: b,
			Err:  fmt.Errorf("%w: %s", ErrCrossDevice, a),
		}
	}
	return nil
}

// replaceAside swaps trees with two renames for filesystems without an
// atomic exchange. Between the renames installRoot does not exist, so a
// reader can observe it missing; it is never observed half-written. The
// prior tree is restored if the second rename fails.
func replaceAside(stagingTree string, installRoot string) (string, error) {
	aside := stagingTree + ".prior"
	if err := os.Rename(installRoot, aside); err != nil {
		return "", err
	}
	if err := os.Rename(stagingTree, installRoot); err != nil {
		if restoreErr := os.Rename(aside, installRoot); restoreErr != nil {
			return "", fmt.Errorf(messages.CommitRestoreFailedFmt, err, aside, restoreErr)
		}
		return "", err
	}
	return aside, nil
}
