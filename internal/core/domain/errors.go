package domain

import "errors"

var (
	// ErrDaemonUnavailable means no connection to the container engine could be made.
	ErrDaemonUnavailable = errors.New("container daemon unavailable")
	// ErrPullFailed means an image could not be pulled from its registry.
	ErrPullFailed = errors.New("image pull failed")
	// ErrContainerOperation wraps create/remove/start/stop failures.
	ErrContainerOperation = errors.New("container operation failed")
	// ErrCacheSyncFailed means the dependency cache could not be copied into the shared volume.
	ErrCacheSyncFailed = errors.New("cache sync failed")
	// ErrRestartAbandoned is recorded when the analysis server never reported stopped.
	ErrRestartAbandoned = errors.New("restart abandoned")
	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")
)
