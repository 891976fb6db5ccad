package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// followPoll catches writes that fsnotify misses (network filesystems,
// editors replacing the file).
const followPoll = 2 * time.Second

// Follow calls fn for every record appended to the log at path after
// Follow starts, like `tail -f`. It blocks until ctx is cancelled.
func Follow(ctx context.Context, path string, fn func(Record)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating audit directory %s: %w", dir, err)
	}
	// Watch the directory so creation of the log is seen too.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	t := &tailer{path: path}
	if info, err := os.Stat(path); err == nil {
		t.offset = info.Size()
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			t.poll(fn)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("follow: watcher error", "error", err)
		case <-ticker.C:
			t.poll(fn)
		}
	}
}

// tailer reads complete lines appended past offset.
type tailer struct {
	path    string
	offset  int64
	partial []byte
}

func (t *tailer) poll(fn func(Record)) {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("follow: opening audit file", "file", t.path, "error", err)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		// Replaced or truncated; start over.
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return
	}

	data, err := io.ReadAll(io.NewSectionReader(f, t.offset, info.Size()-t.offset))
	if err != nil {
		slog.Error("follow: reading audit file", "file", t.path, "error", err)
		return
	}
	t.offset += int64(len(data))

	data = append(t.partial, data...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]
		if isBlank(line) {
			continue
		}
		r, err := Parse(line)
		if err != nil {
			slog.Warn("follow: skipping malformed audit line", "error", err)
			continue
		}
		fn(r)
	}
	t.partial = append([]byte(nil), data...)
}
