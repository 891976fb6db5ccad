package scheduler

import (
	"context"
	"log/slog"

	"github.com/oxiqms/oxiqms/internal/config"
)

// Reloader accepts new settings at runtime. *service.AuditService
// implements it.
type Reloader interface {
	UpdateConfig(cfg *config.Config) error
}

// ReloadService watches the config file and pushes valid changes to the
// audit service. Invalid files are logged and ignored, keeping the
// running configuration.
type ReloadService struct {
	path        string
	svc         Reloader
	projectPath string
}

// NewReloadService watches path on behalf of svc. A non-empty
// projectPath replaces project_path from the file on every reload, the
// same override the service was started with.
func NewReloadService(path string, svc Reloader, projectPath string) *ReloadService {
	return &ReloadService{path: path, svc: svc, projectPath: projectPath}
}

// Reload loads the config file and applies it.
func (r *ReloadService) Reload() error {
	cfg, err := config.Load(r.path)
	if err != nil {
		return err
	}
	if r.projectPath != "" {
		cfg.ProjectPath = r.projectPath
	}
	return r.svc.UpdateConfig(cfg)
}

// Serve implements suture.Service.
func (r *ReloadService) Serve(ctx context.Context) error {
	w, err := config.NewWatcher(r.path, config.WatchTargets{
		OnConfigChange: func() {
			if err := r.Reload(); err != nil {
				slog.Error("config reload rejected", "file", r.path, "error", err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer w.Close()

	<-ctx.Done()
	return ctx.Err()
}

func (r *ReloadService) String() string {
	return "config-reload"
}
