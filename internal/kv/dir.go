package kv

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const tempPrefix = ".tmp-"

// Dir is a Store persisted as one file per key in a directory shared by
// every process of the profile. Changes by any writer, including this one,
// are reported to watchers.
type Dir struct {
	path   string
	logger *slog.Logger

	watchers watchers

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// OpenDir creates the directory if needed and returns a Store over it.
func OpenDir(path string, logger *slog.Logger) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{path: path, logger: logger}, nil
}

func (d *Dir) file(key string) string {
	return filepath.Join(d.path, url.QueryEscape(key))
}

func (d *Dir) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(d.file(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, key, err)
	}
	return string(data), true, nil
}

// Set writes the value to a temp file and renames it into place so readers
// never observe a partial value.
func (d *Dir) Set(key, value string) error {
	tmp, err := os.CreateTemp(d.path, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrUnavailable, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", ErrUnavailable, key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: syncing %s: %v", ErrUnavailable, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing %s: %v", ErrUnavailable, key, err)
	}
	if err := os.Rename(tmpPath, d.file(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (d *Dir) Remove(key string) error {
	err := os.Remove(d.file(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: removing %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Watch starts the directory watcher on first use. If the watcher cannot be
// created the store still works, only without notifications.
func (d *Dir) Watch(fn func(Change)) func() {
	cancel := d.watchers.add(fn)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher != nil {
		return cancel
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("kv dir watcher unavailable", "path", d.path, "error", err)
		return cancel
	}
	if err := watcher.Add(d.path); err != nil {
		watcher.Close()
		d.logger.Warn("kv dir watcher unavailable", "path", d.path, "error", err)
		return cancel
	}
	d.watcher = watcher
	go d.loop(watcher)
	return cancel
}

func (d *Dir) loop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("kv dir watcher error", "path", d.path, "error", err)
		}
	}
}

func (d *Dir) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, tempPrefix) {
		return
	}
	key, err := url.QueryUnescape(name)
	if err != nil {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		value, ok, err := d.Get(key)
		if err != nil {
			return
		}
		if !ok {
			d.watchers.notify(Change{Key: key, Removed: true})
			return
		}
		d.watchers.notify(Change{Key: key, Value: value})
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if _, ok, _ := d.Get(key); !ok {
			d.watchers.notify(Change{Key: key, Removed: true})
		}
	}
}

// Close stops the directory watcher.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher == nil {
		return nil
	}
	err := d.watcher.Close()
	d.watcher = nil
	return err
}
