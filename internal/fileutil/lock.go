package fileutil

import (
	"fmt"
	"os"
)

// ProjectLock is an exclusive advisory lock on a project's data directory.
// Only one writing process (run or watch) may hold it at a time.
type ProjectLock struct {
	file *os.File
}

// AcquireProjectLock takes the lock without blocking. A held lock returns an
// error naming the lock file so the caller can tell the user what to stop.
func AcquireProjectLock(path string) (*ProjectLock, error) {
	if err := EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := FlockExclusive(f, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("another process holds %s: %w", path, err)
	}

	return &ProjectLock{file: f}, nil
}

// Release drops the lock. Safe to call once.
func (l *ProjectLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := Funlock(l.file); err != nil {
		l.file.Close()
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
