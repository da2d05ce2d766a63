package tiers

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher invalidates a Catalog when partitions appear or disappear on disk,
// including writes made by other processes.
type Watcher struct {
	watcher *fsnotify.Watcher
	catalog *Catalog
	logger  zerolog.Logger
	events  atomic.Int64

	stopCh chan struct{}
	done   chan struct{}
}

// NewWatcher starts watching the catalog root. The catalog caches listings
// until Stop is called.
func NewWatcher(catalog *Catalog, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fsw,
		catalog: catalog,
		logger:  logger,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := os.MkdirAll(catalog.Root(), 0700); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := w.addTree(catalog.Root()); err != nil {
		fsw.Close()
		return nil, err
	}

	catalog.enableCache(true)
	go w.run()

	return w, nil
}

// addTree watches root and the tier/day directories below it. fsnotify is
// not recursive.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == indexDir {
			return filepath.SkipDir
		}
		depth := strings.Count(strings.TrimPrefix(path, root), string(filepath.Separator))
		if depth > 2 {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Stop stops the watcher and turns catalog caching off.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	w.catalog.enableCache(false)
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Partition watcher error")
			w.catalog.Invalidate()

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if strings.Contains(event.Name, string(filepath.Separator)+indexDir) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
			// Files created before the watch was added would be missed.
			w.invalidate()
			return
		}
	}
	if !strings.HasSuffix(event.Name, fileExt) {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.invalidate()
		}
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.logger.Debug().
			Str("file", filepath.Base(event.Name)).
			Str("op", event.Op.String()).
			Msg("Partition change detected")
		w.invalidate()
	}
}

func (w *Watcher) invalidate() {
	w.events.Add(1)
	w.catalog.Invalidate()
}

// Events reports how many partition changes invalidated the catalog.
func (w *Watcher) Events() int64 {
	return w.events.Load()
}
