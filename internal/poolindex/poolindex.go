// Package poolindex reserves a small non-negative integer per namespace
// pool using a non-blocking advisory exclusive file lock, so that multiple
// runner processes on one host can each own a disjoint slice of the IP,
// device-name, and iptables-comment space (see netnspool) without
// coordinating any other way.
package poolindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxPoolIndex is the exclusive upper bound of the reservable range [0, 64).
const MaxPoolIndex = 64

// ErrNoIndexAvailable is returned when every index in [0, MaxPoolIndex) is
// already held by another process.
var ErrNoIndexAvailable = fmt.Errorf("poolindex: no pool index available in [0, %d)", MaxPoolIndex)

// Reservation is a held pool index. The lock is released when Release is
// called or, failing that, when the process exits — the OS reclaims
// advisory flocks automatically on process death.
type Reservation struct {
	Index int

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// Acquire tries every index in [0, MaxPoolIndex) in order, taking a
// non-blocking exclusive flock on "<dir>/<prefix>-<index>.lock". The first
// index whose lock succeeds is returned; indices already held by another
// process (EWOULDBLOCK) are skipped.
func Acquire(dir, prefix string) (*Reservation, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("poolindex: create lock dir %s: %w", dir, err)
	}

	for i := 0; i < MaxPoolIndex; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.lock", prefix, i))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("poolindex: open %s: %w", path, err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if err == unix.EWOULDBLOCK {
				continue
			}
			return nil, fmt.Errorf("poolindex: flock %s: %w", path, err)
		}

		return &Reservation{Index: i, file: f}, nil
	}

	return nil, ErrNoIndexAvailable
}

// Release drops the advisory lock and closes the backing file descriptor.
// Safe to call more than once.
func (r *Reservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if err := unix.Flock(int(r.file.Fd()), unix.LOCK_UN); err != nil {
		r.file.Close()
		return fmt.Errorf("poolindex: unlock index %d: %w", r.Index, err)
	}
	return r.file.Close()
}
