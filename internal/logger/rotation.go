package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotateStamp = "20060102-150405.000"

// RotatingWriter appends to a log file and moves it aside once it would grow
// past maxSize. Rotated files are optionally gzipped and pruned after maxAge
// days. Safe for concurrent use; cron jobs and request paths share it.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64
	maxAge   int
	compress bool
	now      func() time.Time

	file *os.File
	size int64

	// background compression and pruning, waited on by Close
	bg sync.WaitGroup
}

// NewRotatingWriter opens filename for appending. maxSizeMB of 0 rotates
// before every write into a non-empty file.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	file, err := openAppend(filename)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
		now:      time.Now,
		file:     file,
		size:     info.Size(),
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		w.prune()
	}()
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	// An empty file is never rotated, so an oversized line still lands somewhere
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.bg.Wait()
	return err
}

// rotate renames the current file aside and reopens the base name. Called
// with mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.filename + "." + w.now().Format(rotateStamp)
	if err := os.Rename(w.filename, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	file, err := openAppend(w.filename)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if w.compress {
			_ = gzipFile(rotated)
		}
		w.prune()
	}()
	return nil
}

// gzipFile replaces path with path.gz. The source is removed only after the
// archive is flushed and closed.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	_, err = io.Copy(gzw, src)
	if cerr := gzw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

// prune removes rotated files older than maxAge days. The live file is
// never touched.
func (w *RotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}

	cutoff := w.now().AddDate(0, 0, -w.maxAge)
	for _, path := range matches {
		if !isRotated(w.filename, path) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(path)
	}
}

// isRotated reports whether path is base.<stamp> or base.<stamp>.gz
func isRotated(base, path string) bool {
	stamp := strings.TrimSuffix(strings.TrimPrefix(path, base+"."), ".gz")
	_, err := time.Parse(rotateStamp, stamp)
	if err == nil {
		return true
	}
	// stamps without milliseconds from older rotations
	_, err = time.Parse("20060102-150405", stamp)
	return err == nil
}

func openAppend(filename string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}
