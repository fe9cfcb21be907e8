package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/melih/inga-supervisor/internal/adapters/lspserver"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/core/services/restart"
)

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "inga",
		Short: "Provision and supervise the inga analysis containers",
		Long: `inga provisions the analysis engine and report UI containers for a
project, keeps them in sync with the configured parameters and restarts them
with fresh caches on demand.

Examples:
  inga install                      # create or update the containers
  inga start                        # install, then start everything
  inga params set --base-branch=main
  inga serve                        # control API, progress feed and metrics`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createInstallCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createPullCommand(flags),
		createServeCommand(flags),
		createLSPCommand(flags),
		createParamsCommand(flags),
	)
	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func createInstallCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Create or update the engine and UI containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := openSession(flags.ConfigPath, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.ping(ctx); err != nil {
				return err
			}

			out := func(format string, a ...any) { fmt.Fprintf(cmd.OutOrStdout(), format, a...) }
			res, err := s.orch.Install(ctx, printProgress(out))
			if err != nil {
				return err
			}
			out("engine %s\nui %s\n", res.EngineID, res.UIID)
			if res.UIPort != 0 {
				out("report http://127.0.0.1:%d\n", res.UIPort)
			}
			return nil
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Install and start the containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := openSession(flags.ConfigPath, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.ping(ctx); err != nil {
				return err
			}
			id, err := s.orch.Start(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the engine and UI containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := openSession(flags.ConfigPath, false)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.orch.Stop(ctx)
		},
	}
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Clear the caches and start the analysis again",
		Long: `Stops the analysis, removes the containers, their images and the shared
cache volume, then installs and starts everything from scratch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := openSession(flags.ConfigPath, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.ping(ctx); err != nil {
				return err
			}

			server := lspserver.New(s.orch, s.daemon, s.log)
			go server.Run(ctx)
			cycle := restart.New(server, s.orch, s.log).ClearCachesAndRestart(ctx)
			select {
			case <-cycle.Done():
			case <-time.After(timeout):
				return fmt.Errorf("restart did not finish within %s", timeout)
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restart %s: %s\n", cycle.ID, cycle.State())
			return cycle.Err()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the restart")
	return cmd
}

func createPullCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Pull the engine and UI images ahead of time",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := openSession(flags.ConfigPath, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.ping(ctx); err != nil {
				return err
			}
			s.orch.Prefetch(ctx)
			return nil
		},
	}
}

func createLSPCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lsp",
		Short: "Start the analysis and connect stdio to the engine",
		Long: `Starts the containers and pipes this process's stdin and stdout to the
engine. Meant to be launched by an editor as its language server command.
Logs go to stderr or the configured log file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			s, err := openSession(flags.ConfigPath, true)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.ping(ctx); err != nil {
				return err
			}

			server := lspserver.New(s.orch, s.daemon, s.log)
			server.Stdin = cmd.InOrStdin()
			server.Stdout = cmd.OutOrStdout()
			go server.Run(ctx)

			exited := make(chan struct{})
			unsubscribe := server.Subscribe(func(ev ports.ServerEvent) {
				if ev.Status == ports.ServerStopped {
					select {
					case <-exited:
					default:
						close(exited)
					}
				}
			})
			defer unsubscribe()

			if err := server.Start(ctx); err != nil {
				return err
			}
			select {
			case <-exited:
				return nil
			case <-ctx.Done():
			}
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer stopCancel()
			return server.Stop(stopCtx)
		},
	}
}
