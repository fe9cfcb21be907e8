package docker

import (
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// classify wraps a daemon error in the domain taxonomy.
func classify(op string, err error) error {
	switch {
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %s: %w", domain.ErrDaemonUnavailable, op, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s: %w: %w", domain.ErrContainerOperation, op, domain.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %s: %w", domain.ErrContainerOperation, op, err)
	}
}

func classifyPull(ref domain.ImageRef, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: pull %s: %w", domain.ErrDaemonUnavailable, ref, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPullFailed, ref, err)
}

// alreadyDone reports the daemon's 304 answer to a start or stop that found
// the container in the requested state.
func alreadyDone(err error) bool {
	return errdefs.IsNotModified(err)
}

func gone(err error) bool {
	return errdefs.IsNotFound(err)
}
