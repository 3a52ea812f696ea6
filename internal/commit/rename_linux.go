//go:build linux

package commit

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// renameat2 is replaced in tests to simulate filesystems without flag support.
var renameat2 = unix.Renameat2

// publishNew renames stagingTree to installRoot, failing if the target
// appeared in the meantime.
func publishNew(stagingTree string, installRoot string) error {
	err := renameat2(unix.AT_FDCWD, stagingTree, unix.AT_FDCWD, installRoot, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EEXIST) {
		return os.ErrExist
	}
	if flagsUnsupported(err) {
		return os.Rename(stagingTree, installRoot)
	}
	return &os.LinkError{Op: "renameat2", Old: stagingTree, New: installRoot, Err: err}
}

// replace atomically exchanges the staging tree and the installed tree. The
// prior installation ends up at stagingTree. atomic is false when the
// filesystem forced the two-rename fallback.
func replace(stagingTree string, installRoot string) (prior string, atomic bool, err error) {
	err = renameat2(unix.AT_FDCWD, stagingTree, unix.AT_FDCWD, installRoot, unix.RENAME_EXCHANGE)
	if err == nil {
		return stagingTree, true, nil
	}
	if flagsUnsupported(err) {
		prior, err = replaceAside(stagingTree, installRoot)
		return prior, false, err
	}
	return "", true, &os.LinkError{Op: "renameat2", Old: stagingTree, New: installRoot, Err: err}
}

// flagsUnsupported reports kernels or filesystems without renameat2 flags.
func flagsUnsupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EOPNOTSUPP)
}
