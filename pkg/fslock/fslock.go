// Package fslock provides exclusive advisory locks scoped to a single file.
//
// A Locked file is opened for append and held under flock(LOCK_EX) until
// Unlock. Each call opens its own file description, so goroutines in one
// process exclude each other the same way separate processes do.
package fslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the lock is not acquired before the deadline.
var ErrTimeout = errors.New("file lock timeout")

const pollInterval = 10 * time.Millisecond

// File is an open, exclusively locked file.
type File struct {
	f    *os.File
	path string
}

// Open creates parent directories, opens path for append and acquires an
// exclusive lock, polling until timeout or ctx is done.
func Open(ctx context.Context, path string, timeout time.Duration) (*File, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &File{f: f, path: path}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if timeout <= 0 || time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// File returns the underlying handle. Writes go to the end of the file.
func (l *File) File() *os.File {
	return l.f
}

// Path returns the locked path.
func (l *File) Path() string {
	return l.path
}

// Size returns the current file size.
func (l *File) Size() (int64, error) {
	info, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WriteDurable writes data with a single write call and fsyncs before returning.
func (l *File) WriteDurable(data []byte) error {
	n, err := l.f.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

// Unlock releases the lock and closes the file.
func (l *File) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	uerr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if uerr != nil {
		return uerr
	}
	return cerr
}
