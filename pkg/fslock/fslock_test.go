package fslock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesAndWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.ndjson")

	lf, err := Open(context.Background(), path, time.Second)
	require.NoError(t, err)
	require.NoError(t, lf.WriteDurable([]byte("line\n")))
	size, err := lf.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	require.NoError(t, lf.Unlock())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}

func TestOpen_TimesOutWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "held.ndjson")

	held, err := Open(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer held.Unlock()

	_, err = Open(context.Background(), path, 50*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestOpen_SerializesWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.ndjson")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lf, err := Open(context.Background(), path, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer lf.Unlock()
			assert.NoError(t, lf.WriteDurable([]byte("0123456789\n")))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 8*11)
}

func TestUnlock_Idempotent(t *testing.T) {
	lf, err := Open(context.Background(), filepath.Join(t.TempDir(), "x"), time.Second)
	require.NoError(t, err)
	assert.NoError(t, lf.Unlock())
	assert.NoError(t, lf.Unlock())
}
