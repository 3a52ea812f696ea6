package commit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/conn-castle/fastchain/internal/messages"
)

// Lock is an exclusive advisory lock that serializes publishes to one
// installation root across processes.
type Lock struct {
	file *os.File
}

var flockFn = unix.Flock

var (
	lockWaitTimeout = 5 * time.Minute
	lockPollEvery   = 100 * time.Millisecond
)

// LockPath returns the lock file used for installRoot.
func LockPath(installRoot string) string {
	return filepath.Clean(installRoot) + ".lock"
}

// AcquireLock opens or creates the lock file for installRoot and waits for an
// exclusive lock until ctx is done or the wait timeout passes.
func AcquireLock(ctx context.Context, installRoot string) (*Lock, error) {
	path := LockPath(installRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf(messages.CommitOpenLockFmt, path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf(messages.CommitOpenLockFmt, path, err)
	}
	if err := lockFile(ctx, file); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf(messages.CommitLockFmt, path, err)
	}
	return &Lock{file: file}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := flockFn(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

func lockFile(ctx context.Context, file *os.File) error {
	deadline := time.Now().Add(lockWaitTimeout)
	for {
		err := flockFn(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf(messages.CommitLockTimeoutFmt, lockWaitTimeout)
		}
		timer := time.NewTimer(lockPollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
