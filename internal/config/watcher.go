package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when the config file changes.
type WatchTargets struct {
	// OnConfigChange fires when the config file is written or created.
	// The maintenance scheduler uses it to pick up new retention and
	// rotation settings without a restart.
	OnConfigChange func()
}

// Watcher monitors the config file for changes using fsnotify.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a watcher for the config file at path. The file's
// directory is watched rather than the file, so editors that replace the
// file on save are handled and the file need not exist yet.
func NewWatcher(path string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(filepath.Base(path), targets)

	slog.Info("config watcher started", "file", path)
	return w, nil
}

// processEvents runs until Close() is called.
func (w *Watcher) processEvents(name string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removal or rename means the file is gone; keep the current
			// config until it is written again.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			slog.Info("config changed, triggering reload", "file", event.Name)
			if targets.OnConfigChange != nil {
				targets.OnConfigChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
