// Package stage owns the private working area of one installation run and
// assembles unpacked component entries into the staging tree.
package stage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/messages"
)

// RunDirPrefix names run directories under the staging root. Leftovers from
// crashed runs carry this prefix and can be collected by external maintenance.
const RunDirPrefix = ".fastchain-run-"

const (
	treeDirName      = "tree"
	downloadsDirName = "downloads"
)

// Run is the private, uniquely named working directory of one pipeline run.
// Nothing outside the run reads it before commit.
type Run struct {
	dir       string
	treeDir   string
	downloads string
}

// NewRun creates a fresh run directory under stagingRoot.
func NewRun(stagingRoot string) (*Run, error) {
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, &installerr.PlatformError{Op: messages.StageOpCreateRoot, Path: stagingRoot, Err: err}
	}
	dir, err := os.MkdirTemp(stagingRoot, RunDirPrefix+"*")
	if err != nil {
		return nil, &installerr.PlatformError{Op: messages.StageOpCreateRun, Path: stagingRoot, Err: err}
	}
	r := &Run{
		dir:       dir,
		treeDir:   filepath.Join(dir, treeDirName),
		downloads: filepath.Join(dir, downloadsDirName),
	}
	for _, d := range []string{r.treeDir, r.downloads} {
		if err := os.Mkdir(d, 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, &installerr.PlatformError{Op: messages.StageOpCreateRun, Path: d, Err: err}
		}
	}
	return r, nil
}

// Dir returns the run directory.
func (r *Run) Dir() string { return r.dir }

// TreeDir returns the staging tree that becomes the installation on commit.
func (r *Run) TreeDir() string { return r.treeDir }

// Spool creates an empty download file for one component archive.
func (r *Run) Spool() (*os.File, error) {
	f, err := os.CreateTemp(r.downloads, "archive-*")
	if err != nil {
		return nil, &installerr.PlatformError{Op: messages.StageOpCreateSpool, Path: r.downloads, Err: err}
	}
	return f, nil
}

// Assembler opens the staging tree for writing.
func (r *Run) Assembler() (*Assembler, error) {
	return newAssembler(r.treeDir)
}

// Discard removes the run directory and everything in it, including a
// prior installation swapped out by commit.
func (r *Run) Discard() error {
	return RemoveTree(r.dir)
}

// RemoveTree removes dir even when it contains read-only directories.
func RemoveTree(dir string) error {
	err := os.RemoveAll(dir)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf(messages.StageRemoveFmt, dir, err)
	}
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf(messages.StageRemoveFmt, dir, err)
	}
	return nil
}
