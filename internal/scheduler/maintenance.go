// Package scheduler runs audit trail maintenance in the background:
// rotation, retention cleanup and chain verification on a fixed
// interval, plus hot reload of the config file, all under a suture
// supervisor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oxiqms/oxiqms/internal/audit"
	"github.com/oxiqms/oxiqms/internal/config"
	"github.com/oxiqms/oxiqms/internal/lifecycle"
)

// Maintainer is the part of the audit service maintenance drives.
// *service.AuditService implements it.
type Maintainer interface {
	Config() config.Config
	MaybeRotate() (*lifecycle.RotationResult, error)
	Cleanup() (*lifecycle.CleanupReport, error)
	Verify() (*audit.ChainReport, error)
	WriteMetrics(path string) error
}

// Summary is the outcome of one maintenance pass. Cleanup is nil when it
// already ran today.
type Summary struct {
	Rotation *lifecycle.RotationResult `json:"rotation"`
	Cleanup  *lifecycle.CleanupReport  `json:"cleanup,omitempty"`
	Verify   *audit.ChainReport        `json:"verify"`
}

// MaintenanceService rotates, cleans up and verifies on the configured
// maintenance interval. Cleanup runs at most once per calendar day (UTC)
// because each pass records an event in the live log.
type MaintenanceService struct {
	svc         Maintainer
	metricsFile string
	now         func() time.Time

	mu          sync.Mutex
	lastCleanup string // date of the last cleanup, YYYY-MM-DD
}

// NewMaintenanceService returns a service maintaining svc. If metricsFile
// is set, metrics are written there after every pass.
func NewMaintenanceService(svc Maintainer, metricsFile string) *MaintenanceService {
	return &MaintenanceService{
		svc:         svc,
		metricsFile: metricsFile,
		now:         time.Now,
	}
}

// RunOnce performs one maintenance pass. Every step runs even if an
// earlier one failed; the failures are joined in the returned error.
func (m *MaintenanceService) RunOnce(ctx context.Context) (*Summary, error) {
	var (
		sum  Summary
		errs []error
	)

	rot, err := m.svc.MaybeRotate()
	if err != nil {
		errs = append(errs, fmt.Errorf("rotate: %w", err))
	}
	sum.Rotation = rot

	if ctx.Err() != nil {
		return &sum, ctx.Err()
	}

	today := m.now().UTC().Format(audit.ArchiveDateLayout)
	m.mu.Lock()
	due := m.lastCleanup != today
	m.mu.Unlock()
	if due {
		rep, err := m.svc.Cleanup()
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup: %w", err))
		} else {
			m.mu.Lock()
			m.lastCleanup = today
			m.mu.Unlock()
			for _, e := range rep.Errors {
				slog.Warn("retention cleanup error", "error", e)
			}
		}
		sum.Cleanup = rep
	}

	if ctx.Err() != nil {
		return &sum, ctx.Err()
	}

	rep, err := m.svc.Verify()
	if err != nil {
		errs = append(errs, fmt.Errorf("verify: %w", err))
	}
	sum.Verify = rep

	if m.metricsFile != "" {
		if err := m.svc.WriteMetrics(m.metricsFile); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	return &sum, errors.Join(errs...)
}

// Serve implements suture.Service. A pass runs immediately and then every
// maintenance_interval, re-read each time so config reloads apply. Pass
// failures are logged; Serve only returns when ctx is done.
func (m *MaintenanceService) Serve(ctx context.Context) error {
	for {
		start := m.now()
		sum, err := m.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("audit maintenance pass failed", "error", err)
		} else if sum != nil && sum.Verify != nil {
			slog.Info("audit maintenance pass complete",
				"rotated", sum.Rotation != nil && sum.Rotation.Rotated,
				"cleanup", sum.Cleanup != nil,
				"chain_valid", sum.Verify.IsValid,
				"entries", sum.Verify.TotalEntries,
				"took", m.now().Sub(start),
			)
		}

		timer := time.NewTimer(m.svc.Config().MaintenanceInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *MaintenanceService) String() string {
	return "audit-maintenance"
}
