package ports

import (
	"context"
	"io"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// Daemon is the only component that talks to the container engine.
// This interface allows us to switch between Docker and Podman
// without changing the reconciliation logic.
//
// Start and stop are idempotent: asking for the state a container is already
// in is not an error.
type Daemon interface {
	ListContainers(ctx context.Context, all bool) ([]domain.Container, error)
	// FindByName returns the container with exactly this name, running or
	// not, or domain.ErrNotFound.
	FindByName(ctx context.Context, name string) (domain.Container, error)
	// PullImage blocks until the pull completes; status lines are passed to onStatus.
	PullImage(ctx context.Context, ref domain.ImageRef, platform string, onStatus func(string)) error
	// ImageID returns the local image ID of ref, or domain.ErrNotFound.
	ImageID(ctx context.Context, ref domain.ImageRef) (string, error)
	CreateContainer(ctx context.Context, spec domain.ServiceSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, ref string) error
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	// Exec runs cmd inside a running container and returns its combined output.
	Exec(ctx context.Context, id string, cmd []string) (io.ReadCloser, error)
	// Logs returns the demultiplexed log stream of a container.
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
	// WaitForExit blocks until the container exits and returns its exit code.
	WaitForExit(ctx context.Context, id string) (int64, error)
	// Attach connects to the container's stdio. Reads yield stdout.
	Attach(ctx context.Context, id string) (io.ReadWriteCloser, error)
}
