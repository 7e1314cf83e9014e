package blobstore

import (
	"fmt"
	"os"
	"time"
)

const (
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// writeLocker holds an exclusive OS file lock for the duration of a write.
// The lock is released by the kernel if the process dies.
type writeLocker struct {
	lockPath string
	lockFile *os.File
}

func newWriteLocker(path string) *writeLocker {
	return &writeLocker{lockPath: path}
}

func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			l.lockFile.Close()
			l.lockFile = nil
			return fmt.Errorf("write lock timeout after %v", timeout)
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (l *writeLocker) release() {
	if l.lockFile == nil {
		return
	}
	l.unlock()
	l.lockFile.Close()
	l.lockFile = nil
}
