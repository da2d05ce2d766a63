package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{"existing directory", "memledger.log"},
		{"missing directory", filepath.Join("nested", "dir", "memledger.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logFile := filepath.Join(t.TempDir(), tt.file)

			rw, err := NewRotatingWriter(logFile, 10, 7, false)
			require.NoError(t, err)
			defer rw.Close()

			info, err := os.Stat(logFile)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestRotatingWriterAppends(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "memledger.log")
	require.NoError(t, os.WriteFile(logFile, []byte("earlier\n"), 0600))

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)

	n, err := rw.Write([]byte("ledger appended\n"))
	require.NoError(t, err)
	assert.Equal(t, len("ledger appended\n"), n)
	require.NoError(t, rw.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "earlier\nledger appended\n", string(content))
}

func TestRotatingWriterRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "memledger.log")

	rw, err := NewRotatingWriter(logFile, 0, 7, false)
	require.NoError(t, err)

	_, err = rw.Write([]byte(strings.Repeat("a", 200)))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	files, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, isRotated(logFile, files[0]))

	rotated, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Len(t, rotated, 200)

	current, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(current))
}

func TestRotatingWriterCompress(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "memledger.log")

	rw, err := NewRotatingWriter(logFile, 0, 0, true)
	require.NoError(t, err)

	_, err = rw.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second line\n"))
	require.NoError(t, err)

	// Close waits for the archive
	require.NoError(t, rw.Close())

	archives, err := filepath.Glob(logFile + ".*.gz")
	require.NoError(t, err)
	require.Len(t, archives, 1)

	plain, err := filepath.Glob(logFile + ".*[0-9]")
	require.NoError(t, err)
	assert.Empty(t, plain, "source removed after compression")

	f, err := os.Open(archives[0])
	require.NoError(t, err)
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gzr)
	require.NoError(t, err)
	assert.Equal(t, "first line\n", string(data))
}

func TestRotatingWriterWriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "memledger.log"), 1, 0, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestGzipFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memledger.log.20240101-000000.000")
	require.NoError(t, os.WriteFile(path, []byte("archived"), 0600))

	require.NoError(t, gzipFile(path))

	_, err := os.Stat(path + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "memledger.log")
	old := time.Now().AddDate(0, 0, -10)

	oldRotated := logFile + ".20200101-120000.000"
	oldArchive := logFile + ".20200102-120000.000.gz"
	oldLegacy := logFile + ".20200103-120000"
	fresh := logFile + ".20990101-120000.000"
	unrelated := logFile + ".bak"
	for _, p := range []string{oldRotated, oldArchive, oldLegacy, unrelated} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0600))
		require.NoError(t, os.Chtimes(p, old, old))
	}
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0600))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	// Close waits for the startup prune
	require.NoError(t, rw.Close())

	for _, p := range []string{oldRotated, oldArchive, oldLegacy} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
	for _, p := range []string{fresh, unrelated, logFile} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}
