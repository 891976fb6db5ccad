package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oxiqms/oxiqms/internal/audit"
)

// CleanupReport summarizes one retention pass. Per-file failures are
// collected in Errors; they never abort the pass.
type CleanupReport struct {
	FilesDeleted    int      `json:"files_deleted"`
	FilesCompressed int      `json:"files_compressed"`
	BytesFreed      int64    `json:"bytes_freed"`
	Errors          []string `json:"errors"`
}

// RetentionManager deletes archives older than the retention window and
// compresses the rest.
type RetentionManager struct {
	compressor Compressor
	event      EventFunc
}

// NewRetentionManager returns a manager using c for archives inside the
// window. A nil c means NopCompressor. event may be nil.
func NewRetentionManager(c Compressor, event EventFunc) *RetentionManager {
	if c == nil {
		c = NopCompressor{}
	}
	return &RetentionManager{compressor: c, event: event}
}

// MaxRetentionDays is the longest window applied literally (10,000
// years). Longer windows keep every archive.
const MaxRetentionDays = 3_650_000

// Cleanup runs a retention pass over archiveDir as of now.
func (m *RetentionManager) Cleanup(archiveDir string, retentionDays int) (*CleanupReport, error) {
	return m.CleanupAt(time.Now(), archiveDir, retentionDays)
}

// CleanupAt runs a retention pass as if the current time were now.
//
// A file's age is the date in its <YYYY-MM-DD>.log[.br] name, or its
// modification time for any other file. Files dated at or before
// now - retentionDays are deleted, so a window of 0 deletes everything.
// Uncompressed archives dated before today are handed to the compressor.
func (m *RetentionManager) CleanupAt(now time.Time, archiveDir string, retentionDays int) (*CleanupReport, error) {
	if retentionDays < 0 {
		return nil, fmt.Errorf("retention days must not be negative, got %d", retentionDays)
	}
	rep := &CleanupReport{Errors: []string{}}

	entries, err := os.ReadDir(archiveDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("listing archives in %s: %w", archiveDir, err)
	}

	// Beyond MaxRetentionDays the date arithmetic can wrap; nothing that
	// old can exist, so the zero time keeps every file.
	var cutoff time.Time
	if retentionDays <= MaxRetentionDays {
		cutoff = now.AddDate(0, 0, -retentionDays)
	}
	u := now.UTC()
	today := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)

	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(archiveDir, e.Name())
		info, err := e.Info()
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}

		dated, isArchive := audit.ArchiveDate(e.Name())
		age := info.ModTime()
		if isArchive {
			age = dated
		}

		if !age.After(cutoff) {
			if err := os.Remove(path); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("deleting %s: %v", e.Name(), err))
				continue
			}
			slog.Debug("archive deleted", "file", path, "bytes", info.Size())
			rep.FilesDeleted++
			rep.BytesFreed += info.Size()
			continue
		}

		if !isArchive || strings.HasSuffix(e.Name(), audit.CompressedExt) || !dated.Before(today) {
			continue
		}
		if _, err := m.compressor.Compress(path); err != nil {
			if !errors.Is(err, ErrCompressionUnsupported) {
				rep.Errors = append(rep.Errors, fmt.Sprintf("compressing %s: %v", e.Name(), err))
			}
			continue
		}
		rep.FilesCompressed++
	}

	slog.Info("audit retention cleanup",
		"dir", archiveDir,
		"retention_days", retentionDays,
		"deleted", rep.FilesDeleted,
		"compressed", rep.FilesCompressed,
		"bytes_freed", rep.BytesFreed,
		"errors", len(rep.Errors),
	)

	if m.event != nil {
		details := fmt.Sprintf("retention %d days: deleted %d, compressed %d, freed %d bytes, %d errors",
			retentionDays, rep.FilesDeleted, rep.FilesCompressed, rep.BytesFreed, len(rep.Errors))
		if err := m.event(audit.OtherAction("RETENTION_CLEANUP"), details); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("recording cleanup event: %v", err))
		}
	}
	return rep, nil
}
