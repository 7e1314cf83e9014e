//go:build unix

package blobstore

import "golang.org/x/sys/unix"

func (l *writeLocker) tryLock() error {
	return unix.Flock(int(l.lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *writeLocker) unlock() {
	unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
}
