// Package lifecycle keeps the audit trail's files in shape over the
// years it must be retained: daily snapshots of the live chain, deletion
// of snapshots past the retention window and compression of the rest.
package lifecycle

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oxiqms/oxiqms/internal/audit"
)

// RotationAge is how long the live log must sit unmodified before a
// daily snapshot is due.
const RotationAge = 24 * time.Hour

// Locker serializes work with appends to a log file. *audit.Appender
// implements it.
type Locker interface {
	WithLock(path string, fn func() error) error
}

// EventFunc records a system event in the live log.
type EventFunc func(action audit.Action, details string) error

// RotatorConfig configures a Rotator.
type RotatorConfig struct {
	LivePath      string
	ArchiveDir    string
	DailyRotation bool
	MaxFileSize   int64 // bytes; 0 disables the size warning
}

// RotationResult describes one rotation attempt.
type RotationResult struct {
	Rotated     bool   `json:"rotated"`
	ArchivePath string `json:"archive_path,omitempty"`
	Bytes       int64  `json:"bytes"`
	LiveSize    int64  `json:"live_size"`
	OverSize    bool   `json:"over_size"`
	Reason      string `json:"reason,omitempty"`
}

// Rotator snapshots the live log into dated archives. The live log is
// copied, never moved: it stays the one continuously growing chain and
// every archive is a point-in-time copy of it.
type Rotator struct {
	cfg    RotatorConfig
	locker Locker
	event  EventFunc
}

// NewRotator returns a Rotator. event may be nil.
func NewRotator(cfg RotatorConfig, locker Locker, event EventFunc) *Rotator {
	return &Rotator{cfg: cfg, locker: locker, event: event}
}

// ArchivePath returns the archive file for the date of t.
func (r *Rotator) ArchivePath(t time.Time) string {
	return filepath.Join(r.cfg.ArchiveDir, t.UTC().Format(audit.ArchiveDateLayout)+".log")
}

// ShouldRotate reports whether a snapshot is due at now: daily rotation
// is on, the live log exists, it has not been modified for RotationAge,
// and there is no archive for now's date yet. The reason explains a
// negative answer.
func (r *Rotator) ShouldRotate(now time.Time) (bool, string, error) {
	if !r.cfg.DailyRotation {
		return false, "daily rotation disabled", nil
	}
	info, err := os.Stat(r.cfg.LivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "no live log", nil
		}
		return false, "", fmt.Errorf("stat live log: %w", err)
	}
	if now.Sub(info.ModTime()) <= RotationAge {
		return false, "live log modified within the last 24h", nil
	}

	archive := r.ArchivePath(now)
	for _, p := range []string{archive, archive + audit.CompressedExt} {
		if _, err := os.Stat(p); err == nil {
			return false, "archive for today already exists", nil
		}
	}
	return true, "", nil
}

// MaybeRotate rotates if ShouldRotate says a snapshot is due.
func (r *Rotator) MaybeRotate(now time.Time) (*RotationResult, error) {
	ok, reason, err := r.ShouldRotate(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		res := &RotationResult{Reason: reason}
		if info, err := os.Stat(r.cfg.LivePath); err == nil {
			res.LiveSize = info.Size()
			res.OverSize = r.checkSize(info.Size())
		}
		return res, nil
	}
	return r.Rotate(now)
}

// Rotate copies the live log into the archive for now's date, replacing
// an existing archive for that date, then records a LOG_ROTATED event.
// The copy is taken under the append lock and checked against the
// source before it is renamed into place.
func (r *Rotator) Rotate(now time.Time) (*RotationResult, error) {
	if err := os.MkdirAll(r.cfg.ArchiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	archive := r.ArchivePath(now)

	var n int64
	err := r.locker.WithLock(r.cfg.LivePath, func() error {
		var err error
		n, err = copyVerified(r.cfg.LivePath, archive)
		return err
	})
	if err != nil {
		if os.IsNotExist(err) {
			return &RotationResult{Reason: "no live log"}, nil
		}
		return nil, err
	}

	// The fresh plain snapshot supersedes an older compressed one.
	if err := os.Remove(archive + audit.CompressedExt); err != nil && !os.IsNotExist(err) {
		slog.Warn("removing stale compressed archive", "file", archive+audit.CompressedExt, "error", err)
	}

	slog.Info("audit log rotated", "archive", archive, "bytes", n)
	if r.event != nil {
		details := fmt.Sprintf("archived %d bytes to %s", n, filepath.Base(archive))
		if err := r.event(audit.OtherAction("LOG_ROTATED"), details); err != nil {
			return nil, fmt.Errorf("recording rotation event: %w", err)
		}
	}

	res := &RotationResult{Rotated: true, ArchivePath: archive, Bytes: n}
	if info, err := os.Stat(r.cfg.LivePath); err == nil {
		res.LiveSize = info.Size()
		res.OverSize = r.checkSize(info.Size())
	}
	return res, nil
}

// checkSize warns when the live log exceeds the configured size. The live
// chain is never truncated, so this is advisory.
func (r *Rotator) checkSize(size int64) bool {
	if r.cfg.MaxFileSize <= 0 || size <= r.cfg.MaxFileSize {
		return false
	}
	slog.Warn("audit log exceeds max file size",
		"file", r.cfg.LivePath, "size", size, "max", r.cfg.MaxFileSize)
	return true
}

// copyVerified copies src to dst through a temp file in dst's directory.
// The temp file is synced and re-hashed before the rename, so dst is
// either absent, the previous snapshot, or an exact copy of src.
func copyVerified(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating archive temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	srcHash := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(in, srcHash))
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("syncing archive: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return 0, fmt.Errorf("rewinding archive: %w", err)
	}
	dstHash := sha256.New()
	if _, err := io.Copy(dstHash, tmp); err != nil {
		cleanup()
		return 0, fmt.Errorf("re-reading archive: %w", err)
	}
	if !bytes.Equal(srcHash.Sum(nil), dstHash.Sum(nil)) {
		cleanup()
		return 0, fmt.Errorf("archive copy of %s does not match source", src)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing archive: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming archive into place: %w", err)
	}
	return n, nil
}
