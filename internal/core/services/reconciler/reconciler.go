// Package reconciler makes the container of one service match its desired state.
//
// The algorithm is shared by every service; services only differ in how they
// build their desired spec and where they keep their applied snapshot.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/metrics"
)

// PullPolicy decides when an existing container triggers an image pull.
type PullPolicy string

const (
	// PullMissing pulls only when a container is created or recreated.
	PullMissing PullPolicy = "missing"
	// PullAlways pulls on every pass and recreates when the local image changed.
	PullAlways PullPolicy = "always"
)

// ParsePullPolicy maps a config value to a policy, defaulting to PullMissing.
func ParsePullPolicy(s string) PullPolicy {
	if PullPolicy(s) == PullAlways {
		return PullAlways
	}
	return PullMissing
}

// Desired is the state one service wants for the current pass.
type Desired struct {
	Spec domain.ServiceSpec
	// Current reports whether the persisted snapshot equals the parameters Spec was built from.
	Current bool
	// Record persists the snapshot of the parameters Spec was built from.
	Record func(ctx context.Context) error
}

// Service is one reconcilable service.
type Service interface {
	Key() domain.ServiceKey
	PullPolicy() PullPolicy
	Desired(ctx context.Context) (Desired, error)
}

// Starter is implemented by services that run extra work once their container is started.
type Starter interface {
	AfterStart(ctx context.Context, id string) error
}

// Outcome describes what a reconciliation pass did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeReused    Outcome = "reused"
	OutcomeRecreated Outcome = "recreated"
	// OutcomeDegraded means a pull failed and the existing container was kept.
	OutcomeDegraded Outcome = "degraded"
)

// Result is the container a pass settled on.
type Result struct {
	ID      string
	Outcome Outcome
}

type Reconciler struct {
	daemon ports.Daemon
	log    *slog.Logger
}

func New(daemon ports.Daemon, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{daemon: daemon, log: log.With(slog.String("component", "reconciler"))}
}

// Reconcile ensures exactly one container for svc exists, uses the desired
// image and parameters, and is running. Steps run strictly in order:
// query, decide, pull, remove old, create, record snapshot, start.
func (r *Reconciler) Reconcile(ctx context.Context, svc Service, progress domain.ProgressFunc) (Result, error) {
	key := svc.Key()
	log := r.log.With(slog.String("service", key.String()))

	desired, err := svc.Desired(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("building desired state for %s: %w", key, err)
	}
	want := desired.Spec.Image

	existing, found, err := Find(ctx, r.daemon, key)
	if err != nil {
		return Result{}, err
	}

	if !found {
		if err := r.pull(ctx, desired.Spec, progress); err != nil {
			return Result{}, err
		}
		id, err := r.create(ctx, desired)
		if err != nil {
			return Result{}, err
		}
		return r.finish(ctx, svc, log, Result{ID: id, Outcome: OutcomeCreated})
	}

	if existing.State != domain.ContainerStopped {
		if err := r.daemon.StopContainer(ctx, existing.ID); err != nil {
			return Result{}, fmt.Errorf("stopping %s: %w", key, err)
		}
	}

	staleImage := existing.Image != want.String()
	staleParams := !desired.Current

	if staleImage || staleParams || svc.PullPolicy() == PullAlways {
		pullErr := r.pull(ctx, desired.Spec, progress)
		if pullErr != nil {
			if !r.usableLocally(ctx, want) || (!staleImage && !staleParams) {
				log.Warn("pull failed, keeping existing container",
					slog.String("image", want.String()), slog.Any("error", pullErr))
				return r.finish(ctx, svc, log, Result{ID: existing.ID, Outcome: OutcomeDegraded})
			}
			log.Warn("pull failed, recreating from the local image",
				slog.String("image", want.String()), slog.Any("error", pullErr))
		}
		if pullErr == nil && !staleImage && existing.ImageID != "" {
			if id, err := r.daemon.ImageID(ctx, want); err == nil && id != existing.ImageID {
				log.Info("newer image available", slog.String("image", want.String()))
				staleImage = true
			}
		}
	}

	if !staleImage && !staleParams {
		log.Debug("reusing container", slog.String("id", existing.ID))
		return r.finish(ctx, svc, log, Result{ID: existing.ID, Outcome: OutcomeReused})
	}

	log.Info("recreating container",
		slog.Bool("stale_image", staleImage), slog.Bool("stale_parameters", staleParams))
	if err := r.daemon.RemoveContainer(ctx, existing.ID); err != nil {
		return Result{}, fmt.Errorf("removing %s: %w", key, err)
	}
	if staleImage {
		old := existing.Image
		if old == want.String() {
			// same tag, the previous image is now untagged
			old = existing.ImageID
		}
		CollectImage(ctx, r.daemon, old, log)
	}
	id, err := r.create(ctx, desired)
	if err != nil {
		return Result{}, err
	}
	return r.finish(ctx, svc, log, Result{ID: id, Outcome: OutcomeRecreated})
}

func (r *Reconciler) pull(ctx context.Context, spec domain.ServiceSpec, progress domain.ProgressFunc) error {
	err := r.daemon.PullImage(ctx, spec.Image, spec.Platform, func(status string) {
		progress.Emit(domain.ProgressEvent{Kind: domain.ProgressPull, Unit: string(spec.Key.Service), Message: status})
	})
	metrics.ObservePull(spec.Image.Repository, err)
	if err != nil {
		if errors.Is(err, domain.ErrPullFailed) || errors.Is(err, domain.ErrDaemonUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", domain.ErrPullFailed, spec.Image, err)
	}
	return nil
}

// usableLocally reports whether ref can be created from without a registry.
func (r *Reconciler) usableLocally(ctx context.Context, ref domain.ImageRef) bool {
	_, err := r.daemon.ImageID(ctx, ref)
	return err == nil
}

func (r *Reconciler) create(ctx context.Context, desired Desired) (string, error) {
	id, err := r.daemon.CreateContainer(ctx, desired.Spec)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", desired.Spec.Name(), err)
	}
	if desired.Record != nil {
		if err := desired.Record(ctx); err != nil {
			return "", fmt.Errorf("recording applied parameters of %s: %w", desired.Spec.Name(), err)
		}
	}
	return id, nil
}

func (r *Reconciler) finish(ctx context.Context, svc Service, log *slog.Logger, res Result) (Result, error) {
	if err := r.daemon.StartContainer(ctx, res.ID); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", svc.Key(), err)
	}
	if s, ok := svc.(Starter); ok {
		if err := s.AfterStart(ctx, res.ID); err != nil {
			return Result{}, fmt.Errorf("after start of %s: %w", svc.Key(), err)
		}
	}
	metrics.ObserveReconcile(string(svc.Key().Service), string(res.Outcome))
	log.Info("container ready", slog.String("id", res.ID), slog.String("outcome", string(res.Outcome)))
	return res, nil
}

// Find returns the container of key, including stopped ones. The lookup goes
// by the derived name and the result must still match the key's labels.
func Find(ctx context.Context, daemon ports.Daemon, key domain.ServiceKey) (domain.Container, bool, error) {
	c, err := daemon.FindByName(ctx, key.ContainerName())
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Container{}, false, nil
	}
	if err != nil {
		return domain.Container{}, false, fmt.Errorf("looking up %s: %w", key, err)
	}
	if !c.Matches(key) {
		return domain.Container{}, false, fmt.Errorf("%w: %s is owned by %s", domain.ErrContainerOperation, c.Name, c.Key)
	}
	return c, true, nil
}
