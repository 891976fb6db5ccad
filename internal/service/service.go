// Package service is the entry point the rest of OxiQMS uses to record
// and inspect audit events. An AuditService owns the configuration, the
// active session and the batch buffer, and routes records through one
// shared Appender so every write lands on the same hash chain.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxiqms/oxiqms/internal/audit"
	"github.com/oxiqms/oxiqms/internal/config"
	"github.com/oxiqms/oxiqms/internal/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("audit service closed")

	// ErrNoSession is returned by Logout when nobody is logged in.
	ErrNoSession = errors.New("no active session")
)

// AuditService records and inspects the audit trail of one project.
// It is safe for concurrent use.
type AuditService struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	sessMu  sync.Mutex
	session *Session

	bufMu  sync.Mutex
	buffer []*audit.Record

	appender *audit.Appender
	backend  audit.Backend

	idxMu     sync.Mutex
	index     *audit.Index
	indexHead string // chain head the index is known to include

	metrics  *metrics
	gatherer prometheus.Gatherer
	now      func() time.Time

	closed atomic.Bool
}

// Option configures an AuditService.
type Option func(*AuditService)

// WithBackend replaces the file backend, e.g. with audit.MemoryBackend in
// tests. Rotation, verification and search still work on the files.
func WithBackend(b audit.Backend) Option {
	return func(s *AuditService) { s.backend = b }
}

// WithAppender shares an Appender with other services in the process.
func WithAppender(a *audit.Appender) Option {
	return func(s *AuditService) { s.appender = a }
}

// WithRegisterer registers the service metrics with reg instead of a
// private registry. If reg is also a Gatherer it is used by WriteMetrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *AuditService) {
		s.metrics = newMetrics(reg)
		s.gatherer, _ = reg.(prometheus.Gatherer)
	}
}

// WithClock overrides the time source used for rotation, retention and
// sessions.
func WithClock(now func() time.Time) Option {
	return func(s *AuditService) { s.now = now }
}

// New creates the audit service for cfg.ProjectPath. The audit directory
// is created if needed. When the index is enabled it is opened and
// brought up to date with the live log; index failures are logged and
// searches fall back to scanning files.
func New(cfg *config.Config, opts ...Option) (*AuditService, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &AuditService{
		cfg: *cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		s.metrics = newMetrics(reg)
		s.gatherer = reg
	}
	if s.appender == nil {
		s.appender = audit.NewAppender()
	}

	if err := os.MkdirAll(cfg.AuditDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	if s.backend == nil {
		s.backend = audit.NewFileBackend(s.appender, cfg.LivePath())
	}

	if _, ok := s.backend.(*audit.FileBackend); ok && cfg.IndexEnabled {
		s.openIndex()
	}

	slog.Info("audit service initialized", "dir", cfg.AuditDir(), "index", s.index != nil)
	return s, nil
}

func (s *AuditService) openIndex() {
	cfg := s.Config()
	idx, err := audit.OpenIndex(cfg.IndexPath())
	if err != nil {
		slog.Warn("audit index unavailable, searching files", "error", err)
		return
	}
	n, err := idx.Sync(cfg.LivePath())
	if err != nil {
		slog.Warn("audit index sync failed, searching files", "error", err)
		idx.Close()
		return
	}
	if n > 0 {
		slog.Info("audit index caught up", "records", n)
	}
	s.index = idx
	s.indexHead, _ = s.backend.Head()
}

// syncIndex catches the index up with records appended by other
// processes. The chain head comes from the appender's cache, so this is
// cheap when nothing changed.
func (s *AuditService) syncIndex() error {
	head, err := s.backend.Head()
	if err != nil {
		return err
	}
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if head == s.indexHead {
		return nil
	}
	if _, err := s.index.Sync(s.Config().LivePath()); err != nil {
		return err
	}
	s.indexHead = head
	return nil
}

func (s *AuditService) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Config returns a copy of the current configuration.
func (s *AuditService) Config() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps in new settings, e.g. after the config file
// changed. The project path cannot change on a running service.
func (s *AuditService) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if cfg.ProjectPath != s.cfg.ProjectPath {
		return fmt.Errorf("project path cannot change from %q to %q while running",
			s.cfg.ProjectPath, cfg.ProjectPath)
	}
	s.cfg = *cfg
	slog.Info("audit config updated",
		"retention_days", cfg.RetentionDays,
		"daily_rotation", cfg.DailyRotation,
		"compression", cfg.Compression,
	)
	return nil
}

// Append enriches rec with session context and appends it to the chain.
// On success rec carries its final id, timestamp and checksum.
func (s *AuditService) Append(rec *audit.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.enrich(rec)
	return s.append(rec)
}

func (s *AuditService) append(rec *audit.Record) error {
	if err := s.backend.Append(rec); err != nil {
		s.metrics.appendFailures.Inc()
		return fmt.Errorf("appending audit record: %w", err)
	}
	s.metrics.appendsTotal.WithLabelValues(actionLabel(rec.Action)).Inc()

	if s.index != nil {
		s.indexRecord(rec)
	}
	return nil
}

// indexRecord inserts rec when it directly follows the last indexed
// record. Otherwise another writer got in between and the index is
// resynced from the log so its order stays that of the file.
func (s *AuditService) indexRecord(rec *audit.Record) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	var err error
	if rec.PreviousHash == s.indexHead {
		err = s.index.Insert(rec)
	} else {
		cfg := s.Config()
		_, err = s.index.Sync(cfg.LivePath())
	}
	if err != nil {
		slog.Warn("audit index update failed", "id", rec.ID, "error", err)
		return
	}
	s.indexHead = rec.Checksum
}

// Head returns the checksum of the newest record in the chain.
func (s *AuditService) Head() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	return s.backend.Head()
}

// Search returns records matching c, newest first. With require_checksums
// set, records failing their checksum are left out.
func (s *AuditService) Search(c audit.Criteria) ([]audit.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cfg := s.Config()
	if cfg.RequireChecksums {
		c.RequireChecksum = true
	}

	if s.index != nil {
		err := s.syncIndex()
		if err == nil {
			var records []audit.Record
			if records, err = s.index.Search(c); err == nil {
				return records, nil
			}
		}
		slog.Warn("audit index search failed, scanning files", "error", err)
	}
	return audit.Search(cfg.LivePath(), cfg.ArchiveDir(), c)
}

// Tail returns the newest n records of the live log, oldest first.
func (s *AuditService) Tail(n int) ([]audit.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return audit.Tail(s.Config().LivePath(), n)
}

func (s *AuditService) rotator() *lifecycle.Rotator {
	cfg := s.Config()
	return lifecycle.NewRotator(lifecycle.RotatorConfig{
		LivePath:      cfg.LivePath(),
		ArchiveDir:    cfg.ArchiveDir(),
		DailyRotation: cfg.DailyRotation,
		MaxFileSize:   cfg.MaxFileSizeBytes(),
	}, s.appender, s.systemEvent)
}

// Rotate snapshots the live log into today's archive unconditionally.
func (s *AuditService) Rotate() (*lifecycle.RotationResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	res, err := s.rotator().Rotate(s.now())
	if err != nil {
		return nil, err
	}
	s.metrics.observeRotation(res)
	return res, nil
}

// MaybeRotate snapshots the live log if a daily snapshot is due.
func (s *AuditService) MaybeRotate() (*lifecycle.RotationResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	res, err := s.rotator().MaybeRotate(s.now())
	if err != nil {
		return nil, err
	}
	s.metrics.observeRotation(res)
	return res, nil
}

// Cleanup applies the retention window to the archive directory.
func (s *AuditService) Cleanup() (*lifecycle.CleanupReport, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cfg := s.Config()
	c, err := lifecycle.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	rep, err := lifecycle.NewRetentionManager(c, s.systemEvent).
		CleanupAt(s.now(), cfg.ArchiveDir(), cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	s.metrics.observeCleanup(rep)
	return rep, nil
}

// Verify checks the live chain.
func (s *AuditService) Verify() (*audit.ChainReport, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cfg := s.Config()
	rep, err := audit.Verify(cfg.LivePath())
	if err != nil {
		return nil, err
	}
	s.metrics.observeVerify(rep, s.now().Unix())
	if info, err := os.Stat(cfg.LivePath()); err == nil {
		s.metrics.observeSize(info.Size(), cfg.MaxFileSizeMB > 0 && info.Size() > cfg.MaxFileSizeBytes())
	}
	if !rep.IsValid {
		slog.Error("audit chain verification failed",
			"file", rep.Path,
			"tampered", len(rep.TamperedEntries),
			"broken_links", len(rep.BrokenChains),
		)
	}
	return rep, nil
}

// VerifyArchive checks the archive for the given date, compressed or not.
func (s *AuditService) VerifyArchive(date time.Time) (*audit.ChainReport, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	base := s.rotator().ArchivePath(date)
	for _, p := range []string{base, base + audit.CompressedExt} {
		if _, err := os.Stat(p); err == nil {
			return audit.Verify(p)
		}
	}
	return nil, fmt.Errorf("no archive for %s: %w", date.UTC().Format(audit.ArchiveDateLayout), os.ErrNotExist)
}

// Export writes the records matching c to w in chronological order.
// Unlike Search, a zero limit exports every matching record.
func (s *AuditService) Export(w io.Writer, c audit.Criteria, format string) error {
	if c.Limit <= 0 {
		c.Limit = math.MaxInt
	}
	records, err := s.Search(c)
	if err != nil {
		return err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return audit.Export(w, records, format)
}

// Follow calls fn for every record appended to the live log until ctx
// is cancelled.
func (s *AuditService) Follow(ctx context.Context, fn func(audit.Record)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return audit.Follow(ctx, s.Config().LivePath(), fn)
}

// WriteMetrics writes the service metrics to path in the Prometheus text
// format, for node_exporter's textfile collector.
func (s *AuditService) WriteMetrics(path string) error {
	if s.gatherer == nil {
		return errors.New("metrics registerer is not a gatherer")
	}
	return prometheus.WriteToTextfile(path, s.gatherer)
}

// Gatherer exposes the service metrics.
func (s *AuditService) Gatherer() prometheus.Gatherer {
	return s.gatherer
}

// Close flushes the buffer and releases the index. Further calls return
// ErrClosed. A flush failure is returned, but the service is closed
// regardless.
func (s *AuditService) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}

	var errs []error
	if n, err := s.flush(); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		slog.Info("audit buffer flushed on close", "records", n)
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audit index: %w", err))
		}
	}
	slog.Info("audit service closed")
	return errors.Join(errs...)
}
