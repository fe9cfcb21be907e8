package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// ServiceLabel identifies one of the supervised services.
type ServiceLabel string

const (
	ServiceEngine ServiceLabel = "engine"
	ServiceUI     ServiceLabel = "ui"
)

// Container labels written on every container the supervisor creates.
const (
	LabelService   = "inga.service"
	LabelWorkspace = "inga.workspace"
)

// ServiceKey is the structured lookup key of a supervised container.
type ServiceKey struct {
	Service   ServiceLabel `json:"service"`
	Workspace string       `json:"workspace"`
}

// NewServiceKey returns the key of a service inside a workspace.
func NewServiceKey(service ServiceLabel, workspace string) ServiceKey {
	return ServiceKey{Service: service, Workspace: workspace}
}

// ContainerName derives the daemon-side container name, e.g. engine_proj1.
func (k ServiceKey) ContainerName() string {
	return string(k.Service) + "_" + k.Workspace
}

// Labels returns the daemon labels that identify the key.
func (k ServiceKey) Labels() map[string]string {
	return map[string]string{
		LabelService:   string(k.Service),
		LabelWorkspace: k.Workspace,
	}
}

func (k ServiceKey) IsZero() bool { return k.Service == "" && k.Workspace == "" }

func (k ServiceKey) String() string { return k.ContainerName() }

// KeyFromLabels rebuilds a key from daemon labels. It returns the zero key when
// the labels were not written by the supervisor.
func KeyFromLabels(labels map[string]string) ServiceKey {
	svc, ok1 := labels[LabelService]
	ws, ok2 := labels[LabelWorkspace]
	if !ok1 || !ok2 {
		return ServiceKey{}
	}
	return ServiceKey{Service: ServiceLabel(svc), Workspace: ws}
}

var workspaceUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// WorkspaceID turns an arbitrary project name into a string that is valid
// inside a container name.
func WorkspaceID(name string) string {
	id := workspaceUnsafe.ReplaceAllString(strings.TrimSpace(name), "-")
	id = strings.Trim(id, "-.")
	if id == "" {
		return "default"
	}
	return strings.ToLower(id)
}

// ImageRef is a repository plus tag.
type ImageRef struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

func (r ImageRef) String() string {
	if r.Tag == "" {
		return r.Repository + ":latest"
	}
	return r.Repository + ":" + r.Tag
}

// Mount is a bind or volume mount of a container.
type Mount struct {
	// Volume marks Source as a named volume instead of a host path.
	Volume   bool   `json:"volume,omitempty"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

func (m Mount) String() string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode)
}

// PortBinding publishes a container port on the host loopback interface.
type PortBinding struct {
	HostPort      int `json:"host_port"`
	ContainerPort int `json:"container_port"`
}

// ServiceSpec describes the desired state of one container. It is built fresh
// from current configuration on every reconciliation pass and never persisted.
type ServiceSpec struct {
	Key ServiceKey
	// FixedName overrides the name derived from Key, for helpers that are
	// not bound to a workspace.
	FixedName  string
	Image      ImageRef
	Platform   string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []Mount
	Ports      []PortBinding
	Tmpfs      map[string]string
	OpenStdin  bool
	AutoRemove bool
}

// Name returns the container name for the spec.
func (s ServiceSpec) Name() string {
	if s.FixedName != "" {
		return s.FixedName
	}
	return s.Key.ContainerName()
}
