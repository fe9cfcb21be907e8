package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/melih/inga-supervisor/internal/adapters/docker"
	"github.com/melih/inga-supervisor/internal/adapters/gitref"
	"github.com/melih/inga-supervisor/internal/adapters/lspserver"
	"github.com/melih/inga-supervisor/internal/adapters/progressfeed"
	"github.com/melih/inga-supervisor/internal/adapters/settings/sqlite"
	"github.com/melih/inga-supervisor/internal/adapters/settings/tomlfile"
	"github.com/melih/inga-supervisor/internal/config"
	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/core/services/cachesync"
	"github.com/melih/inga-supervisor/internal/core/services/orchestrator"
	"github.com/melih/inga-supervisor/internal/core/services/reconciler"
	"github.com/melih/inga-supervisor/internal/core/services/restart"
	"github.com/melih/inga-supervisor/internal/logger"
)

func provideLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	log, closer, err := logger.New(cfg.Log, nil)
	if err != nil {
		return nil, nil, err
	}
	return log, func() { closer.Close() }, nil
}

func provideDaemon(cfg *config.Config, log *slog.Logger) *docker.Adapter {
	return docker.NewAdapter(cfg.Docker.Host, log)
}

func provideStore(cfg *config.Config) (ports.SettingsStore, error) {
	switch cfg.Store.Type {
	case "toml":
		return tomlfile.NewStore(cfg.Store.Path)
	case "sqlite":
		if err := ensureParent(cfg.Store.Path); err != nil {
			return nil, err
		}
		return sqlite.NewStore(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func provideFeed(cfg *config.Config, log *slog.Logger) *progressfeed.Feed {
	return progressfeed.New(cfg.Feed.Addr, log)
}

// orchestratorParams carries the optional companion. A nil feed leaves the
// orchestrator without one, which is what one-shot commands want.
type orchestratorParams struct {
	cfg    *config.Config
	daemon ports.Daemon
	store  ports.SettingsStore
	feed   *progressfeed.Feed
	log    *slog.Logger
}

func newOrchestrator(p orchestratorParams) *orchestrator.Orchestrator {
	cfg := p.cfg
	engine := reconciler.NewEngineService(reconciler.EngineConfig{
		Workspace:   cfg.Workspace,
		ProjectDir:  cfg.ProjectDir,
		Image:       cfg.EngineImage(),
		Platform:    cfg.Engine.Platform,
		PullPolicy:  reconciler.ParsePullPolicy(cfg.Engine.PullPolicy),
		CacheVolume: cfg.Cache.Volume,
		CachePath:   cfg.Cache.MountPath,
		SDKVersion:  cfg.Engine.SDKVersion,
	}, p.store, gitref.NewResolver(), p.log)

	ui := reconciler.NewUIService(reconciler.UIConfig{
		Workspace:  cfg.Workspace,
		Image:      cfg.UIImage(),
		Platform:   cfg.UI.Platform,
		PullPolicy: reconciler.ParsePullPolicy(cfg.UI.PullPolicy),
		Exec:       cfg.UI.Exec,
	}, p.store, p.daemon, p.log)

	syncer := cachesync.New(cachesync.Config{
		HostDir: cfg.Cache.Dir,
		Volume:  cfg.Cache.Volume,
		Image:   cfg.CacheImage(),
	}, p.daemon, p.log)

	opts := orchestrator.Options{
		Daemon:      p.daemon,
		Engine:      engine,
		UI:          ui,
		Sync:        syncer,
		CacheVolume: cfg.Cache.Volume,
		Log:         p.log,
	}
	if p.feed != nil {
		opts.Companion = p.feed
		opts.Progress = p.feed.Publish
	}
	return orchestrator.New(opts)
}

func provideOrchestrator(cfg *config.Config, daemon *docker.Adapter, store ports.SettingsStore,
	feed *progressfeed.Feed, log *slog.Logger) *orchestrator.Orchestrator {
	return newOrchestrator(orchestratorParams{cfg: cfg, daemon: daemon, store: store, feed: feed, log: log})
}

func provideServer(orch *orchestrator.Orchestrator, daemon *docker.Adapter, log *slog.Logger) *lspserver.Server {
	return lspserver.New(orch, daemon, log)
}

func provideCoordinator(server *lspserver.Server, orch *orchestrator.Orchestrator, log *slog.Logger) *restart.Coordinator {
	return restart.New(server, orch, log)
}

// session is the manual wiring used by one-shot commands.
type session struct {
	cfg    *config.Config
	log    *slog.Logger
	daemon *docker.Adapter
	store  ports.SettingsStore
	orch   *orchestrator.Orchestrator

	closeLog func()
}

func openSession(configPath string, withFeed bool) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := provideLogger(cfg)
	if err != nil {
		return nil, err
	}
	store, err := provideStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}
	s := &session{cfg: cfg, log: log, store: store, closeLog: closeLog}
	s.daemon = provideDaemon(cfg, log)
	var feed *progressfeed.Feed
	if withFeed {
		feed = provideFeed(cfg, log)
	}
	s.orch = newOrchestrator(orchestratorParams{cfg: cfg, daemon: s.daemon, store: store, feed: feed, log: log})
	return s, nil
}

func (s *session) Close() {
	if s.daemon != nil {
		s.daemon.Close()
	}
	s.store.Close()
	s.closeLog()
}

// ping fails fast with a readable error when no daemon answers.
func (s *session) ping(ctx context.Context) error {
	if err := s.daemon.Ping(ctx); err != nil {
		return fmt.Errorf("is docker running? %w", err)
	}
	return nil
}

func printProgress(out func(format string, args ...any)) domain.ProgressFunc {
	return func(ev domain.ProgressEvent) {
		switch ev.Kind {
		case domain.ProgressStep:
			out("[%d/%d] %s ready\n", ev.Step, ev.Total, ev.Unit)
		case domain.ProgressSync:
			out("cache sync %d%%\n", ev.Percent)
		}
	}
}
