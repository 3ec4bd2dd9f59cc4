package persistence

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// StateLock serializes writers of one state file across processes with
// flock(2) on a sibling ".lock" file.
type StateLock struct {
	path string
	file *os.File
}

// NewStateLock returns the lock guarding statePath. It is not acquired.
func NewStateLock(statePath string) *StateLock {
	return &StateLock{path: statePath + ".lock"}
}

// TryLock attempts to take the lock without blocking. It returns false when
// another holder owns it.
func (l *StateLock) TryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, newError(KindFile, "open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, newError(KindFile, "flock", err)
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock. It is a no-op when the lock is not held.
func (l *StateLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return newError(KindFile, "funlock", err)
	}
	return closeErr
}
