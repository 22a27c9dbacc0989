// Package health holds process-level guards for the sync service.
package health

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AcquireFlock takes an exclusive, non-blocking lock on path so only one
// asanasync process writes to a given state database. The returned handle must
// stay open for the life of the process.
func AcquireFlock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("flock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := LockHolder(path)
		f.Close()
		if holder > 0 {
			return nil, fmt.Errorf("another asanasync instance is running (pid %d, lock: %s)", holder, path)
		}
		return nil, fmt.Errorf("another asanasync instance is running (lock: %s)", path)
	}

	// PID for operators and for LockHolder.
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return f, nil
}

// LockHolder returns the PID recorded in the lock file, or 0 if unreadable.
func LockHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ReleaseFlock releases the lock and removes the lock file.
func ReleaseFlock(f *os.File) {
	if f == nil {
		return
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	name := f.Name()
	f.Close()
	os.Remove(name)
}
