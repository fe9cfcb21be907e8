package domain

// ContainerState is the coarse lifecycle state of a container as reported by the daemon.
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerStopped ContainerState = "stopped"
	ContainerOther   ContainerState = "other"
)

// StateFromDaemon folds the daemon's state strings into ContainerState.
func StateFromDaemon(state string) ContainerState {
	switch state {
	case "running":
		return ContainerRunning
	case "created", "exited", "dead":
		return ContainerStopped
	default:
		return ContainerOther
	}
}

// Container represents a container in the system as read from the daemon.
// It is never cached: every reconciliation pass re-queries it.
type Container struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Key     ServiceKey     `json:"key"`
	Image   string         `json:"image"`
	ImageID string         `json:"image_id"`
	State   ContainerState `json:"state"`
	Status  string         `json:"status"`
	Mounts  []Mount        `json:"mounts,omitempty"`
	Command string         `json:"command"`
	Ports   []PortBinding  `json:"ports,omitempty"`
}

// Running reports whether the container is currently running.
func (c Container) Running() bool { return c.State == ContainerRunning }

// Matches reports whether the container belongs to the given service key.
// Labels are authoritative; the exact container name is the fallback for
// containers created without labels.
func (c Container) Matches(key ServiceKey) bool {
	if !c.Key.IsZero() {
		return c.Key == key
	}
	return c.Name == key.ContainerName()
}

// PublicPort returns the host port published for the given container port, or 0.
func (c Container) PublicPort(containerPort int) int {
	for _, p := range c.Ports {
		if p.ContainerPort == containerPort {
			return p.HostPort
		}
	}
	return 0
}

// ReferencesImage reports whether the container was created from ref, matched
// either by reference or by image ID.
func (c Container) ReferencesImage(ref string) bool {
	return ref != "" && (c.Image == ref || c.ImageID == ref)
}
