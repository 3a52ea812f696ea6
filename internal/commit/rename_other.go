//go:build !linux

package commit

import (
	"errors"
	"io/fs"
	"os"
)

func publishNew(stagingTree string, installRoot string) error {
	if _, err := os.Lstat(installRoot); err == nil {
		return os.ErrExist
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(stagingTree, installRoot)
}

// replace has no atomic exchange on this platform.
func replace(stagingTree string, installRoot string) (prior string, atomic bool, err error) {
	prior, err = replaceAside(stagingTree, installRoot)
	return prior, false, err
}
