package main

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/melih/inga-supervisor/internal/adapters/docker"
	api "github.com/melih/inga-supervisor/internal/adapters/http"
	"github.com/melih/inga-supervisor/internal/adapters/lspserver"
	"github.com/melih/inga-supervisor/internal/adapters/progressfeed"
	"github.com/melih/inga-supervisor/internal/config"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/core/services/orchestrator"
	"github.com/melih/inga-supervisor/internal/core/services/restart"
	"github.com/melih/inga-supervisor/internal/metrics"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, the progress feed and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			app := fx.New(serveOptions(cfg)...)
			app.Run()
			return app.Err()
		},
	}
}

func serveOptions(cfg *config.Config) []fx.Option {
	return []fx.Option{
		fx.Supply(cfg),
		fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
			log, closeLog, err := provideLogger(cfg)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					closeLog()
					return nil
				},
			})
			return log, nil
		}),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(func(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) *docker.Adapter {
			daemon := provideDaemon(cfg, log)
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error { return daemon.Close() },
			})
			return daemon
		}),
		fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) (ports.SettingsStore, error) {
			store, err := provideStore(cfg)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error { return store.Close() },
			})
			return store, nil
		}),
		fx.Provide(provideFeed),
		fx.Provide(provideOrchestrator),
		fx.Provide(provideServer),
		fx.Provide(provideCoordinator),
		fx.Provide(provideHTTP),
		fx.Invoke(registerMetrics),
		fx.Invoke(runServer),
		fx.Invoke(runHTTP),
		fx.Invoke(prefetchOnStart),
	}
}

func provideHTTP(cfg *config.Config, daemon *docker.Adapter, orch *orchestrator.Orchestrator,
	server *lspserver.Server, coord *restart.Coordinator, store ports.SettingsStore, feed *progressfeed.Feed) *fiber.App {
	h := api.NewControlHandler(daemon, orch, server, coord, store, cfg.Workspace, feed.Publish)
	return api.NewApp(h, api.NewReportProxy(daemon, cfg.Workspace))
}

func registerMetrics() error {
	return metrics.Register(prometheus.DefaultRegisterer)
}

// runServer dispatches the analysis server events while the app runs and
// stops the services on shutdown.
func runServer(lc fx.Lifecycle, server *lspserver.Server, feed *progressfeed.Feed) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go server.Run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			defer cancel()
			if err := server.Stop(ctx); err != nil {
				return err
			}
			return feed.Stop(ctx)
		},
	})
}

func runHTTP(lc fx.Lifecycle, cfg *config.Config, app *fiber.App, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.HTTP.Addr)
			if err != nil {
				return err
			}
			log.Info("control API listening", slog.String("addr", ln.Addr().String()))
			go func() {
				if err := app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
					log.Error("control API stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.ShutdownWithContext(ctx)
		},
	})
}

// prefetchOnStart pulls newer images in the background so the next install
// does not wait for the registry.
func prefetchOnStart(lc fx.Lifecycle, orch *orchestrator.Orchestrator) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go orch.Prefetch(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
