package service

import (
	"github.com/oxiqms/oxiqms/internal/audit"
	"github.com/oxiqms/oxiqms/internal/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered per service so several services (and tests)
// can coexist in one process.
type metrics struct {
	// Append metrics

	appendsTotal   *prometheus.CounterVec
	appendFailures prometheus.Counter
	bufferPending  prometheus.Gauge
	flushedTotal   prometheus.Counter

	// Lifecycle metrics

	liveLogBytes       prometheus.Gauge
	liveLogOverSize    prometheus.Gauge
	rotationsTotal     prometheus.Counter
	archivesDeleted    prometheus.Counter
	archivesCompressed prometheus.Counter
	bytesFreedTotal    prometheus.Counter
	cleanupErrors      prometheus.Counter

	// Verification metrics

	chainValid      prometheus.Gauge
	chainEntries    prometheus.Gauge
	tamperedEntries prometheus.Gauge
	brokenLinks     prometheus.Gauge
	lastVerified    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		appendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oxiqms_audit_appends_total",
				Help: "Total number of audit records appended, by action",
			},
			[]string{"action"},
		),
		appendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "oxiqms_audit_append_failures_total",
			Help: "Total number of failed audit appends",
		}),
		bufferPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_buffer_pending",
			Help: "Records queued in the batch buffer and not yet appended",
		}),
		flushedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "oxiqms_audit_buffer_flushed_total",
			Help: "Total number of buffered records appended by a flush",
		}),
		liveLogBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_live_log_bytes",
			Help: "Size of the live audit log in bytes",
		}),
		liveLogOverSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_live_log_over_size",
			Help: "1 if the live audit log exceeds max_file_size_mb",
		}),
		rotationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "oxiqms_audit_rotations_total",
			Help: "Total number of daily snapshots taken",
		}),
		archivesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "oxiqms_audit_archives_deleted_total",
			Help: "Total number of archives deleted by retention",
		}),
		archivesCompressed: f.NewCounter(prometheus.CounterOpts{
			Name: "oxiqms_audit_archives_compressed_total",
			Help: "Total number of archives compressed by retention",
		}),
		bytesFreedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "oxiqms_audit_bytes_freed_total",
			Help: "Total bytes freed by retention",
		}),
		cleanupErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "oxiqms_audit_cleanup_errors_total",
			Help: "Total per-file errors during retention cleanup",
		}),
		chainValid: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_chain_valid",
			Help: "1 if the last verification of the live chain passed",
		}),
		chainEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_chain_entries",
			Help: "Entries seen by the last verification",
		}),
		tamperedEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_chain_tampered_entries",
			Help: "Tampered or unparseable entries found by the last verification",
		}),
		brokenLinks: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_chain_broken_links",
			Help: "Broken chain links found by the last verification",
		}),
		lastVerified: f.NewGauge(prometheus.GaugeOpts{
			Name: "oxiqms_audit_last_verified_timestamp_seconds",
			Help: "Unix time of the last verification",
		}),
	}
}

// actionLabel bounds label cardinality: every OTHER:<label> action is
// counted as OTHER.
func actionLabel(a audit.Action) string {
	if a.IsOther() {
		return "OTHER"
	}
	return string(a)
}

func (m *metrics) observeRotation(res *lifecycle.RotationResult) {
	if res.Rotated {
		m.rotationsTotal.Inc()
	}
	m.observeSize(res.LiveSize, res.OverSize)
}

func (m *metrics) observeSize(size int64, over bool) {
	m.liveLogBytes.Set(float64(size))
	if over {
		m.liveLogOverSize.Set(1)
	} else {
		m.liveLogOverSize.Set(0)
	}
}

func (m *metrics) observeCleanup(rep *lifecycle.CleanupReport) {
	m.archivesDeleted.Add(float64(rep.FilesDeleted))
	m.archivesCompressed.Add(float64(rep.FilesCompressed))
	m.bytesFreedTotal.Add(float64(rep.BytesFreed))
	m.cleanupErrors.Add(float64(len(rep.Errors)))
}

func (m *metrics) observeVerify(rep *audit.ChainReport, unix int64) {
	if rep.IsValid {
		m.chainValid.Set(1)
	} else {
		m.chainValid.Set(0)
	}
	m.chainEntries.Set(float64(rep.TotalEntries))
	m.tamperedEntries.Set(float64(len(rep.TamperedEntries)))
	m.brokenLinks.Set(float64(len(rep.BrokenChains)))
	m.lastVerified.Set(float64(unix))
}
