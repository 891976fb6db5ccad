package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Appender links records to the head of a log file and appends them
// durably. One Appender should be shared by everything in a process that
// writes to the same files.
//
// Each read-head, seal, write sequence runs under a per-path mutex and an
// exclusive advisory lock on "<log>.lock", so appends from goroutines and
// from other processes on the same host never fork the chain.
type Appender struct {
	mu    sync.Mutex
	paths map[string]*pathState
}

// pathState is the in-process state of one log file.
type pathState struct {
	mu   sync.Mutex
	head *headState // nil until resolved
}

// NewAppender returns an Appender with an empty head cache.
func NewAppender() *Appender {
	return &Appender{paths: make(map[string]*pathState)}
}

func (a *Appender) state(path string) (*pathState, string) {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.paths[key]
	if !ok {
		st = &pathState{}
		a.paths[key] = st
	}
	return st, key
}

// WithLock runs fn while holding the append lock for path. The Rotator
// uses it to snapshot the live log without racing an append.
func (a *Appender) WithLock(path string, fn func() error) error {
	st, _ := a.state(path)
	return a.withLock(st, path, fn)
}

func (a *Appender) withLock(st *pathState, path string, fn func() error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating audit directory %s: %w", filepath.Dir(path), err)
	}
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit lock %s: %w", path, err)
	}
	defer lf.Close()

	if err := lockFile(lf); err != nil {
		return fmt.Errorf("locking audit file %s: %w", path, err)
	}
	defer unlockFile(lf)

	return fn()
}

// Append seals rec against the current head of the file at path and
// writes it as one line, syncing before it returns. A missing file is
// created and rec becomes the first record of its chain.
//
// rec.PreviousHash and rec.Checksum are overwritten. A zero ID or
// timestamp is filled in.
func (a *Appender) Append(path string, rec *Record) error {
	st, _ := a.state(path)
	return a.withLock(st, path, func() error {
		return a.appendLocked(st, path, rec)
	})
}

// Head returns the checksum of the last record in the file at path, or ""
// if the file is empty or absent.
func (a *Appender) Head(path string) (string, error) {
	st, _ := a.state(path)
	var head string
	err := a.withLock(st, path, func() error {
		h, err := a.headLocked(st, path)
		head = h.Checksum
		return err
	})
	return head, err
}

// Invalidate drops the cached head for path, in memory and on disk. The
// next append rescans the file.
func (a *Appender) Invalidate(path string) {
	st, _ := a.state(path)
	st.mu.Lock()
	st.head = nil
	st.mu.Unlock()
	os.Remove(sidecarPath(path))
}

// headLocked resolves the chain head, preferring the in-memory cache, then
// the sidecar, then a full scan. Caller must hold the path lock.
func (a *Appender) headLocked(st *pathState, path string) (headState, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			st.head = nil
			return headState{}, nil
		}
		return headState{}, fmt.Errorf("stat audit file %s: %w", path, err)
	}

	if st.head != nil && st.head.matches(info) {
		return *st.head, nil
	}
	if h, ok := loadSidecar(path); ok && h.matches(info) {
		st.head = &h
		return h, nil
	}

	h, err := scanHead(path)
	if err != nil {
		return headState{}, err
	}
	slog.Debug("audit chain head rescanned", "file", path, "size", h.Size)
	st.head = &h
	return h, nil
}

func (a *Appender) appendLocked(st *pathState, path string, rec *Record) error {
	head, err := a.headLocked(st, path)
	if err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	Seal(rec, head.Checksum)

	line, err := Encode(rec)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit file %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+2)
	// A crash can leave a partial last line; start on a fresh one so the
	// new record is not glued to it.
	if head.Size > 0 && !head.TrailingNewline {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		st.head = nil
		return fmt.Errorf("writing audit record %s: %w", rec.ID, err)
	}
	// Records must survive a crash once Append has returned.
	if err := f.Sync(); err != nil {
		st.head = nil
		return fmt.Errorf("syncing audit file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		st.head = nil
		return nil
	}
	next := headState{
		Checksum:        rec.Checksum,
		Size:            info.Size(),
		ModTime:         info.ModTime().UnixNano(),
		TrailingNewline: true,
	}
	st.head = &next
	if err := saveSidecar(path, next); err != nil {
		slog.Warn("audit chain head not persisted", "file", path, "error", err)
	}
	return nil
}
