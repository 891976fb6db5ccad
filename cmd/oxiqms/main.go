// Package main is the CLI entry point for the OxiQMS audit trail: a
// tamper-evident, hash-chained JSON Lines log of every action taken on
// quality records.
//
// CLI commands (cobra):
//
//	oxiqms audit record    - Append an audit record
//	oxiqms audit verify    - Verify the live log or a daily archive
//	oxiqms audit search    - Search the live log and archives
//	oxiqms audit tail      - Show recent records
//	oxiqms audit follow    - Stream new records as they are written
//	oxiqms audit export    - Export records as jsonl, json or csv
//	oxiqms audit rotate    - Archive the live log to daily/<date>.log
//	oxiqms audit cleanup   - Apply archive retention and compression
//	oxiqms maintain        - Run scheduled maintenance under a supervisor
//	oxiqms config          - Write or show the configuration
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oxiqms/oxiqms/internal/audit"
	"github.com/oxiqms/oxiqms/internal/config"
	"github.com/oxiqms/oxiqms/internal/scheduler"
	"github.com/oxiqms/oxiqms/internal/service"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configPath  string
	projectPath string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "oxiqms",
	Short: "OxiQMS audit trail",
	Long: `OxiQMS keeps a tamper-evident audit trail for quality management
records. Every record carries a SHA-256 checksum and the checksum of
the record before it, so any edit, insertion or deletion breaks the
chain and is reported by 'oxiqms audit verify'.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&projectPath, "project", "", "Project directory (overrides project_path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file (if any), applies --project and sets
// up the default logger from the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if projectPath != "" {
		cfg.ProjectPath = projectPath
	}
	slog.SetDefault(newLogger(cfg))
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openService() (*service.AuditService, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	svc, err := service.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	return svc, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// oxiqms audit record
// ============================================================================

var (
	recordActor      string
	recordAction     string
	recordEntityType string
	recordEntityID   string
	recordDetails    string
	recordSession    string
	recordIP         string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append an audit record",
	Long: `Append one record to the live audit log. Unknown actions are stored
as OTHER:<action>.

Example:
  oxiqms audit record --actor alice --action UPDATE --entity-type document --entity DOC-7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		rec := audit.NewRecord(recordActor, audit.ParseAction(recordAction), recordEntityType, recordEntityID).
			WithDetails(recordDetails).
			WithSession(recordSession, recordIP)
		if err := svc.Append(rec); err != nil {
			return fmt.Errorf("failed to append record: %w", err)
		}
		if jsonOutput {
			return printJSON(rec)
		}
		fmt.Printf("[oxiqms] recorded %s %s\n", rec.ID, rec.Checksum)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordActor, "actor", "", "Actor ID (empty records as SYSTEM)")
	recordCmd.Flags().StringVar(&recordAction, "action", "", "Action (CREATE, READ, UPDATE, DELETE, APPROVE, ...)")
	recordCmd.Flags().StringVar(&recordEntityType, "entity-type", "", "Entity type")
	recordCmd.Flags().StringVar(&recordEntityID, "entity", "", "Entity ID")
	recordCmd.Flags().StringVar(&recordDetails, "details", "", "Free-text details")
	recordCmd.Flags().StringVar(&recordSession, "session", "", "Session ID to attach")
	recordCmd.Flags().StringVar(&recordIP, "ip", "", "Client IP address to attach")
	_ = recordCmd.MarkFlagRequired("action")
	_ = recordCmd.MarkFlagRequired("entity-type")
	_ = recordCmd.MarkFlagRequired("entity")
}

// ============================================================================
// oxiqms audit
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify and maintain the audit trail",
	Long: `The audit trail lives in <project>/audit/audit.log with daily
archives in <project>/audit/daily/. Every record is hash-chained to
the one before it, making tampering detectable.`,
}

func init() {
	auditCmd.AddCommand(recordCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditSearchCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditFollowCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditRotateCmd)
	auditCmd.AddCommand(auditCleanupCmd)
}

var auditVerifyArchive string

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Check every record's checksum and every link to the previous record.
All anomalies are reported, not just the first. Exits non-zero when
the chain is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		var rep *audit.ChainReport
		if auditVerifyArchive != "" {
			date, perr := time.Parse(audit.ArchiveDateLayout, auditVerifyArchive)
			if perr != nil {
				return fmt.Errorf("invalid --archive date %q: want YYYY-MM-DD", auditVerifyArchive)
			}
			rep, err = svc.VerifyArchive(date)
		} else {
			rep, err = svc.Verify()
		}
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if jsonOutput {
			if err := printJSON(rep); err != nil {
				return err
			}
		} else if err := rep.Format(os.Stdout); err != nil {
			return err
		}
		if !rep.IsValid {
			return errors.New("audit chain integrity violation detected")
		}
		return nil
	},
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditVerifyArchive, "archive", "", "Verify the daily archive for this date (YYYY-MM-DD)")
}

var (
	searchActor      string
	searchAction     string
	searchEntityType string
	searchEntityID   string
	searchFrom       string
	searchTo         string
	searchLimit      int
)

var auditSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search audit records",
	Long: `Search the live log and daily archives, newest first. Actor and
entity filters accept glob patterns.

Examples:
  oxiqms audit search --actor 'qa-*' --action APPROVE
  oxiqms audit search --entity-type document --from 2026-03-01 --to 2026-03-31`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := searchCriteria()
		if err != nil {
			return err
		}
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		records, err := svc.Search(c)
		if err != nil {
			return fmt.Errorf("audit search failed: %w", err)
		}
		if jsonOutput {
			return printJSON(records)
		}
		if len(records) == 0 {
			fmt.Println("No matching audit records found.")
			return nil
		}
		for _, r := range records {
			printRecord(os.Stdout, r)
		}
		fmt.Printf("\n%s records found.\n", humanize.Comma(int64(len(records))))
		return nil
	},
}

func init() {
	addSearchFlags(auditSearchCmd)
	auditSearchCmd.Flags().IntVar(&searchLimit, "limit", audit.DefaultSearchLimit, "Maximum number of records to return")
}

func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&searchActor, "actor", "", "Filter by actor ID (glob)")
	cmd.Flags().StringVar(&searchAction, "action", "", "Filter by action")
	cmd.Flags().StringVar(&searchEntityType, "entity-type", "", "Filter by entity type")
	cmd.Flags().StringVar(&searchEntityID, "entity", "", "Filter by entity ID (glob)")
	cmd.Flags().StringVar(&searchFrom, "from", "", "Earliest timestamp (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&searchTo, "to", "", "Latest timestamp (RFC3339 or YYYY-MM-DD, inclusive)")
}

func searchCriteria() (audit.Criteria, error) {
	c := audit.Criteria{
		ActorID:    searchActor,
		EntityType: searchEntityType,
		EntityID:   searchEntityID,
		Limit:      searchLimit,
	}
	if searchAction != "" {
		c.Action = audit.ParseAction(searchAction)
	}
	var err error
	if c.From, err = parseTimeFlag(searchFrom, false); err != nil {
		return c, fmt.Errorf("invalid --from: %w", err)
	}
	if c.To, err = parseTimeFlag(searchTo, true); err != nil {
		return c, fmt.Errorf("invalid --to: %w", err)
	}
	return c, nil
}

// parseTimeFlag accepts RFC3339 or a bare date. A bare date used as an
// upper bound covers the whole day.
func parseTimeFlag(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(audit.ArchiveDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

var auditTailLimit int

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		records, err := svc.Tail(auditTailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		if jsonOutput {
			return printJSON(records)
		}
		for _, r := range records {
			printRecord(os.Stdout, r)
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent records to show")
}

var auditFollowCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream new audit records",
	Long:  `Print records as they are appended to the live log (like tail -f). Stop with Ctrl-C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = svc.Follow(ctx, func(r audit.Record) {
			if jsonOutput {
				data, _ := json.Marshal(r)
				fmt.Println(string(data))
				return
			}
			printRecord(os.Stdout, r)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var (
	auditExportFormat string
	auditExportLimit  int
)

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit records",
	Long: `Export matching records in chronological order to stdout.
Supported formats: jsonl, json, csv.

Example:
  oxiqms audit export --format csv --entity-type document > documents.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := searchCriteria()
		if err != nil {
			return err
		}
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		c.Limit = auditExportLimit
		return svc.Export(os.Stdout, c, auditExportFormat)
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	auditExportCmd.Flags().IntVar(&auditExportLimit, "limit", 0, "Maximum number of records to export (0 exports all)")
	addSearchFlags(auditExportCmd)
}

var rotateForce bool

var auditRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Archive the live log",
	Long: `Copy the live log to daily/<date>.log once it has gone a day without
writes. With --force the copy is made regardless of age. The live log
is never truncated, so the chain continues across rotations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		rotate := svc.MaybeRotate
		if rotateForce {
			rotate = svc.Rotate
		}
		res, err := rotate()
		if err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		if res.Rotated {
			fmt.Printf("[oxiqms] archived %s to %s\n", humanize.Bytes(uint64(res.Bytes)), res.ArchivePath)
		} else {
			fmt.Printf("[oxiqms] not rotated: %s\n", res.Reason)
		}
		if res.OverSize {
			fmt.Printf("[oxiqms] warning: live log is %s, above max_file_size_mb\n", humanize.Bytes(uint64(res.LiveSize)))
		}
		return nil
	},
}

func init() {
	auditRotateCmd.Flags().BoolVar(&rotateForce, "force", false, "Rotate even if the live log was written recently")
}

var auditCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply archive retention",
	Long: `Delete daily archives older than retention_days and compress the
remaining past archives when compression is enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		rep, err := svc.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		if jsonOutput {
			return printJSON(rep)
		}
		fmt.Printf("[oxiqms] deleted %d archives, compressed %d, freed %s\n",
			rep.FilesDeleted, rep.FilesCompressed, humanize.Bytes(uint64(rep.BytesFreed)))
		for _, e := range rep.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		return nil
	},
}

func printRecord(w io.Writer, r audit.Record) {
	fmt.Fprintf(w, "[%s] actor=%-12s action=%-8s %s/%s",
		r.Timestamp.Format(time.RFC3339), r.ActorID, r.Action, r.EntityType, r.EntityID)
	if r.Details != "" {
		fmt.Fprintf(w, " %q", r.Details)
	}
	fmt.Fprintln(w)
}

// ============================================================================
// oxiqms maintain
// ============================================================================

var (
	maintainOnce        bool
	maintainMetricsFile string
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run scheduled rotation, cleanup and verification",
	Long: `Run audit maintenance every maintenance_interval until interrupted:
rotate the live log when due, apply retention once a day and verify the
chain. Config file changes are picked up without a restart. With --once
a single pass runs and its summary is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		maint := scheduler.NewMaintenanceService(svc, maintainMetricsFile)
		if maintainOnce {
			sum, err := maint.RunOnce(ctx)
			if sum != nil {
				if perr := printJSON(sum); perr != nil {
					return perr
				}
			}
			return err
		}

		sup := scheduler.NewSupervisor(slog.Default(), scheduler.DefaultSupervisorConfig())
		sup.Add(maint)
		if _, err := os.Stat(configPath); err == nil {
			sup.Add(scheduler.NewReloadService(configPath, svc, projectPath))
		}

		slog.Info("audit maintenance started", "interval", svc.Config().MaintenanceInterval)
		if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		slog.Info("audit maintenance stopped")
		return nil
	},
}

func init() {
	maintainCmd.Flags().BoolVar(&maintainOnce, "once", false, "Run a single maintenance pass and exit")
	maintainCmd.Flags().StringVar(&maintainMetricsFile, "metrics-file", "", "Write Prometheus metrics to this file after each pass")
}

// ============================================================================
// oxiqms config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or show the configuration",
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file %s already exists", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("[oxiqms] wrote %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Print the configuration after defaults, the config file and OXIQMS_* environment variables are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cfg)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}
