// Package lock provides the cross-process exclusive locks that guard the
// task store and audit log files.
package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when a lock could not be acquired in time. It is
// the only relay error that is safe to retry blindly.
var ErrTimeout = errors.New("lock timeout")

// ErrWouldBlock is returned by TryLock when another holder owns the lock.
var ErrWouldBlock = errors.New("lock held by another process")

const (
	minPoll = 5 * time.Millisecond
	maxPoll = 100 * time.Millisecond
)

// FileLock is an flock(2) lock on a sidecar file. Locks taken through
// different FileLock values conflict even inside one process.
type FileLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileLock returns an unlocked lock for path. The file is created on
// first acquisition and never removed.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (fl *FileLock) Path() string { return fl.path }

// TryLock attempts to take the lock without waiting.
func (fl *FileLock) TryLock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		return fmt.Errorf("lock %s: already held by this handle", fl.path)
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrWouldBlock
		}
		return fmt.Errorf("acquire lock %s: %w", fl.path, err)
	}
	fl.file = f
	return nil
}

// Lock blocks until the lock is acquired or timeout elapses. A
// non-positive timeout means a single attempt.
func (fl *FileLock) Lock(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	wait := minPoll
	for {
		err := fl.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%s after %s: %w", fl.path, timeout, ErrTimeout)
		}
		time.Sleep(min(wait, time.Until(deadline)))
		wait = min(wait*2, maxPoll)
	}
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (fl *FileLock) Unlock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// With runs fn while holding an exclusive lock on path.
func With(path string, timeout time.Duration, fn func() error) error {
	fl := NewFileLock(path)
	if err := fl.Lock(timeout); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}
