package tiers

import (
	"context"
	"sync"
	"time"
)

// dedupEntry stores the result of a recent put.
type dedupEntry struct {
	result    PutResult
	timestamp time.Time
}

// dedupWindow suppresses identical puts that arrive within ttl of each other,
// absorbing client retries. It is advisory and never consulted for integrity.
type dedupWindow struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	clock   func() time.Time
	mu      sync.RWMutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func newDedupWindow(ctx context.Context, ttl time.Duration, clock func() time.Time) *dedupWindow {
	ctx, cancel := context.WithCancel(ctx)
	w := &dedupWindow{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		clock:   clock,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.cleanup(ctx)
	return w
}

// Stop ends the cleanup goroutine.
func (w *dedupWindow) Stop() {
	w.cancel()
	<-w.done
}

// Get returns the cached result for key if it is still inside the window.
func (w *dedupWindow) Get(key string) (PutResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entry, ok := w.entries[key]
	if !ok {
		return PutResult{}, false
	}
	if w.clock().Sub(entry.timestamp) > w.ttl {
		return PutResult{}, false
	}
	return entry.result, true
}

// Set records result under key.
func (w *dedupWindow) Set(key string, result PutResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[key] = &dedupEntry{result: result, timestamp: w.clock()}
}

// Size returns the number of cached entries, expired or not.
func (w *dedupWindow) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

func (w *dedupWindow) evictExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock()
	for key, entry := range w.entries {
		if now.Sub(entry.timestamp) > w.ttl {
			delete(w.entries, key)
		}
	}
}

func (w *dedupWindow) cleanup(ctx context.Context) {
	defer close(w.done)

	interval := w.ttl * 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.evictExpired()
		}
	}
}
