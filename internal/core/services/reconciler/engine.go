package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
)

// Paths inside the engine and UI containers.
const (
	WorkPath   = "/work"
	OutputPath = "/inga-output"
	TmpPath    = "/tmp"
)

// OutputVolume is the volume the engine writes reports to and the UI reads.
func OutputVolume(workspace string) string { return "inga-output_" + workspace }

// EngineConfig is the static part of the engine's desired state.
type EngineConfig struct {
	Workspace   string
	ProjectDir  string
	Image       domain.ImageRef
	Platform    string
	PullPolicy  PullPolicy
	CacheVolume string
	CachePath   string
	SDKVersion  string
}

// BranchResolver looks up a branch in the project repository.
type BranchResolver interface {
	ResolveBranch(dir, branch string) (string, error)
}

// EngineService is the analysis engine container.
type EngineService struct {
	cfg      EngineConfig
	store    ports.SettingsStore
	branches BranchResolver
	log      *slog.Logger
}

// NewEngineService returns the engine service. branches may be nil.
func NewEngineService(cfg EngineConfig, store ports.SettingsStore, branches BranchResolver, log *slog.Logger) *EngineService {
	if log == nil {
		log = slog.Default()
	}
	return &EngineService{cfg: cfg, store: store, branches: branches, log: log}
}

func (e *EngineService) Key() domain.ServiceKey {
	return domain.NewServiceKey(domain.ServiceEngine, e.cfg.Workspace)
}

func (e *EngineService) PullPolicy() PullPolicy { return e.cfg.PullPolicy }

func (e *EngineService) Desired(ctx context.Context) (Desired, error) {
	settings, err := e.store.Load(ctx, e.cfg.Workspace)
	if err != nil {
		return Desired{}, fmt.Errorf("loading settings: %w", err)
	}
	params := settings.UserParameters.Clone()

	if params.BaseBranch != "" && e.branches != nil {
		if _, err := e.branches.ResolveBranch(e.cfg.ProjectDir, params.BaseBranch); err != nil {
			e.log.Warn("base branch not found in project repository",
				slog.String("branch", params.BaseBranch), slog.Any("error", err))
		}
	}

	spec := domain.ServiceSpec{
		Key:        e.Key(),
		Image:      e.cfg.Image,
		Platform:   e.cfg.Platform,
		Cmd:        EngineCommand(params),
		WorkingDir: WorkPath,
		Mounts:     e.mounts(params),
		Tmpfs:      map[string]string{TmpPath: "rw,exec"},
		OpenStdin:  true,
	}
	if e.cfg.SDKVersion != "" {
		if v, ok := domain.JavaMajorVersion(e.cfg.SDKVersion); ok {
			spec.Env = append(spec.Env, "JAVA_VERSION="+strconv.Itoa(v))
		}
	}

	return Desired{
		Spec:    spec,
		Current: settings.EngineCurrent(),
		Record: func(ctx context.Context) error {
			return e.store.SaveApplied(ctx, e.cfg.Workspace, &params)
		},
	}, nil
}

func (e *EngineService) mounts(params domain.EngineParameters) []domain.Mount {
	mounts := []domain.Mount{
		{Source: e.cfg.ProjectDir, Target: WorkPath, ReadOnly: true},
		{Volume: true, Source: OutputVolume(e.cfg.Workspace), Target: OutputPath},
	}
	if e.cfg.CacheVolume != "" {
		mounts = append(mounts, domain.Mount{Volume: true, Source: e.cfg.CacheVolume, Target: e.cfg.CachePath, ReadOnly: true})
	}
	hosts := make([]string, 0, len(params.AdditionalMounts))
	for src := range params.AdditionalMounts {
		hosts = append(hosts, src)
	}
	slices.Sort(hosts)
	for _, src := range hosts {
		mounts = append(mounts, domain.Mount{Source: src, Target: params.AdditionalMounts[src], ReadOnly: true})
	}
	return mounts
}

// EngineCommand builds the engine arguments. Optional flags are only passed
// when their parameter is set.
func EngineCommand(params domain.EngineParameters) []string {
	cmd := []string{"--mode", "server", "--root-path", WorkPath, "--output-path", OutputPath}
	if params.BaseBranch != "" {
		cmd = append(cmd, "--base-commit", params.BaseBranch)
	}
	if params.IncludePathPattern != "" {
		cmd = append(cmd, "--include", params.IncludePathPattern)
	}
	if params.ExcludePathPattern != "" {
		cmd = append(cmd, "--exclude", params.ExcludePathPattern)
	}
	return cmd
}
