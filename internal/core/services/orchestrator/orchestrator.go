// Package orchestrator installs, starts and stops the supervised services.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/core/services/reconciler"
	"github.com/melih/inga-supervisor/internal/metrics"
)

// CacheSyncer copies the dependency cache into the shared volume.
type CacheSyncer interface {
	Sync(ctx context.Context, progress domain.ProgressFunc) error
}

// Result is what an install settled on.
type Result struct {
	EngineID string
	UIID     string
	// UIPort is the host port of the report UI, 0 when unknown.
	UIPort int
}

// Options wires an Orchestrator.
type Options struct {
	Daemon      ports.Daemon
	Engine      reconciler.Service
	UI          reconciler.Service
	Sync        CacheSyncer
	CacheVolume string
	// Companion is optional.
	Companion ports.Companion
	// Progress receives the events of installs triggered by Start.
	Progress domain.ProgressFunc
	Log      *slog.Logger
}

type Orchestrator struct {
	daemon      ports.Daemon
	rec         *reconciler.Reconciler
	engine      reconciler.Service
	ui          reconciler.Service
	sync        CacheSyncer
	cacheVolume string
	companion   ports.Companion
	progress    domain.ProgressFunc
	log         *slog.Logger

	mu   sync.Mutex
	last Result
}

func New(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		daemon:      opts.Daemon,
		rec:         reconciler.New(opts.Daemon, log),
		engine:      opts.Engine,
		ui:          opts.UI,
		sync:        opts.Sync,
		cacheVolume: opts.CacheVolume,
		companion:   opts.Companion,
		progress:    opts.Progress,
		log:         log.With(slog.String("component", "orchestrator")),
	}
}

// Last returns the result of the last successful install.
func (o *Orchestrator) Last() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

type outcome struct {
	id  string
	err error
}

// Install reconciles the UI, the cache sync and the engine concurrently and
// returns once all three have finished. The first failure is returned; it does
// not cancel the other tasks.
func (o *Orchestrator) Install(ctx context.Context, progress domain.ProgressFunc) (Result, error) {
	started := time.Now()
	steps := newCounter(domain.InstallSteps, progress)

	engineCh := make(chan outcome, 1)
	uiCh := make(chan outcome, 1)

	var g errgroup.Group
	g.Go(func() error {
		res, err := o.rec.Reconcile(ctx, o.ui, progress)
		uiCh <- outcome{res.ID, err}
		if err != nil {
			return fmt.Errorf("ui: %w", err)
		}
		steps.advance(domain.UnitUI)
		return nil
	})
	g.Go(func() error {
		if err := o.sync.Sync(ctx, progress); err != nil {
			return err
		}
		steps.advance(domain.UnitCacheSync)
		return nil
	})
	g.Go(func() error {
		res, err := o.rec.Reconcile(ctx, o.engine, progress)
		engineCh <- outcome{res.ID, err}
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		steps.advance(domain.UnitEngine)
		return nil
	})
	err := g.Wait()
	metrics.ObserveInstall(time.Since(started), err)

	ui, engine := <-uiCh, <-engineCh
	if err != nil {
		o.log.Error("install failed", slog.Any("error", err))
		return Result{EngineID: engine.id, UIID: ui.id}, err
	}

	res := Result{EngineID: engine.id, UIID: ui.id, UIPort: o.uiPort(ctx, ui.id)}
	o.mu.Lock()
	o.last = res
	o.mu.Unlock()
	o.log.Info("install complete", slog.String("engine", res.EngineID), slog.Int("ui_port", res.UIPort))
	return res, nil
}

func (o *Orchestrator) uiPort(ctx context.Context, id string) int {
	containers, err := o.daemon.ListContainers(ctx, true)
	if err != nil {
		return 0
	}
	for _, c := range containers {
		if c.ID == id {
			return c.PublicPort(reconciler.UIContainerPort)
		}
	}
	return 0
}

// Start installs the services, starts the companion listener and returns the
// engine container ID.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.log.Info("starting analysis")
	res, err := o.Install(ctx, o.progress)
	if err != nil {
		return "", err
	}
	if o.companion != nil {
		if err := o.companion.Start(ctx); err != nil {
			o.log.Warn("companion listener did not start", slog.Any("error", err))
		}
	}
	return res.EngineID, nil
}

// Stop stops both service containers and the companion listener concurrently.
// Missing or already stopped containers are not an error.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.log.Info("stopping analysis")
	var g errgroup.Group
	for _, svc := range []reconciler.Service{o.engine, o.ui} {
		g.Go(func() error {
			return o.stopService(ctx, svc.Key())
		})
	}
	if o.companion != nil {
		g.Go(func() error {
			return o.companion.Stop(ctx)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) stopService(ctx context.Context, key domain.ServiceKey) error {
	c, found, err := reconciler.Find(ctx, o.daemon, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := o.daemon.StopContainer(ctx, c.ID); err != nil {
		return fmt.Errorf("stopping %s: %w", key, err)
	}
	return nil
}

// ClearCaches removes both service containers, their images when unused and
// the shared cache volume. The next install starts from scratch.
func (o *Orchestrator) ClearCaches(ctx context.Context) error {
	var errs []error
	for _, svc := range []reconciler.Service{o.engine, o.ui} {
		key := svc.Key()
		c, found, err := reconciler.Find(ctx, o.daemon, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !found {
			continue
		}
		if err := o.daemon.RemoveContainer(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", key, err))
			continue
		}
		o.log.Info("removed container", slog.String("service", key.String()))
		reconciler.CollectImage(ctx, o.daemon, c.Image, o.log)
	}
	if o.cacheVolume != "" {
		if err := o.daemon.RemoveVolume(ctx, o.cacheVolume); err != nil {
			errs = append(errs, fmt.Errorf("removing volume %s: %w", o.cacheVolume, err))
		}
	}
	return errors.Join(errs...)
}

// Prefetch pulls the newest engine and UI images in the background of normal
// use. Failures are logged only.
func (o *Orchestrator) Prefetch(ctx context.Context) {
	var wg sync.WaitGroup
	for _, svc := range []reconciler.Service{o.engine, o.ui} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			desired, err := svc.Desired(ctx)
			if err != nil {
				o.log.Warn("prefetch skipped", slog.String("service", svc.Key().String()), slog.Any("error", err))
				return
			}
			spec := desired.Spec
			err = o.daemon.PullImage(ctx, spec.Image, spec.Platform, nil)
			metrics.ObservePull(spec.Image.Repository, err)
			if err != nil {
				o.log.Warn("prefetch failed", slog.String("image", spec.Image.String()), slog.Any("error", err))
				return
			}
			o.log.Info("prefetched image", slog.String("image", spec.Image.String()))
		}()
	}
	wg.Wait()
}
