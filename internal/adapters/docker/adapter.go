package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// stopTimeout is how long the daemon waits before killing a stopping container.
const stopTimeout = 10 * time.Second

// Adapter implements ports.Daemon using the Docker SDK.
// The client is created on first use and shared by all callers.
type Adapter struct {
	client func() (*client.Client, error)
	log    *slog.Logger
}

// NewAdapter creates a new Docker adapter instance. host overrides DOCKER_HOST when set.
func NewAdapter(host string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		client: sync.OnceValues(func() (*client.Client, error) {
			opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
			if host != "" {
				opts = append(opts, client.WithHost(host))
			}
			cli, err := client.NewClientWithOpts(opts...)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to create docker client: %w", domain.ErrDaemonUnavailable, err)
			}
			return cli, nil
		}),
		log: log.With(slog.String("component", "docker")),
	}
}

// Ping checks that the daemon answers.
func (a *Adapter) Ping(ctx context.Context) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the client if it was created.
func (a *Adapter) Close() error {
	cli, err := a.client()
	if err != nil {
		return nil
	}
	return cli.Close()
}

// ListContainers returns the containers known to the daemon, including stopped ones when all is set.
func (a *Adapter) ListContainers(ctx context.Context, all bool) ([]domain.Container, error) {
	cli, err := a.client()
	if err != nil {
		return nil, err
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, classify("failed to list containers", err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		result = append(result, toDomain(c))
	}
	return result, nil
}

func toDomain(c types.Container) domain.Container {
	// Use the first name if available, remove slash
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	mounts := make([]domain.Mount, 0, len(c.Mounts))
	for _, m := range c.Mounts {
		dm := domain.Mount{Source: m.Source, Target: m.Destination, ReadOnly: !m.RW}
		if m.Type == mount.TypeVolume {
			dm.Volume = true
			dm.Source = m.Name
		}
		mounts = append(mounts, dm)
	}
	var ports []domain.PortBinding
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		ports = append(ports, domain.PortBinding{HostPort: int(p.PublicPort), ContainerPort: int(p.PrivatePort)})
	}
	return domain.Container{
		ID:      c.ID,
		Name:    name,
		Key:     domain.KeyFromLabels(c.Labels),
		Image:   c.Image,
		ImageID: c.ImageID,
		State:   domain.StateFromDaemon(c.State),
		Status:  c.Status,
		Mounts:  mounts,
		Command: c.Command,
		Ports:   ports,
	}
}

// FindByName looks a container up with a server-side name filter.
func (a *Adapter) FindByName(ctx context.Context, name string) (domain.Container, error) {
	cli, err := a.client()
	if err != nil {
		return domain.Container{}, err
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return domain.Container{}, classify("failed to list containers", err)
	}
	if len(containers) == 0 {
		return domain.Container{}, fmt.Errorf("container %s: %w", name, domain.ErrNotFound)
	}
	return toDomain(containers[0]), nil
}

// CreateContainer creates (but does not start) the container described by spec.
func (a *Adapter) CreateContainer(ctx context.Context, spec domain.ServiceSpec) (string, error) {
	cli, err := a.client()
	if err != nil {
		return "", err
	}
	cfg, hostCfg, err := containerConfig(spec)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrContainerOperation, spec.Name(), err)
	}
	platform, err := parsePlatform(spec.Platform)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrContainerOperation, spec.Name(), err)
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, platform, spec.Name())
	if err != nil {
		return "", classify("failed to create container "+spec.Name(), err)
	}
	for _, w := range resp.Warnings {
		a.log.Warn("create warning", slog.String("container", spec.Name()), slog.String("warning", w))
	}
	a.log.Debug("created container", slog.String("name", spec.Name()), slog.String("id", resp.ID))
	return resp.ID, nil
}

func containerConfig(spec domain.ServiceSpec) (*container.Config, *container.HostConfig, error) {
	cfg := &container.Config{
		Image:        spec.Image.String(),
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		OpenStdin:    spec.OpenStdin,
		AttachStdin:  spec.OpenStdin,
		AttachStdout: true,
		AttachStderr: true,
	}
	if !spec.Key.IsZero() {
		cfg.Labels = spec.Key.Labels()
	}
	hostCfg := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
		Tmpfs:      spec.Tmpfs,
	}
	for _, m := range spec.Mounts {
		typ := mount.TypeBind
		if m.Volume {
			typ = mount.TypeVolume
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range spec.Ports {
			port, err := nat.NewPort("tcp", strconv.Itoa(p.ContainerPort))
			if err != nil {
				return nil, nil, err
			}
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(p.HostPort)}}
		}
	}
	return cfg, hostCfg, nil
}

// parsePlatform parses os/arch[/variant]. An empty string means the daemon default.
func parsePlatform(s string) (*ocispec.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q", s)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

// StartContainer starts a container. Starting a running container succeeds.
func (a *Adapter) StartContainer(ctx context.Context, id string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	if err := cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if alreadyDone(err) {
			return nil
		}
		return classify("failed to start container", err)
	}
	return nil
}

// StopContainer stops a running container. Stopping a stopped container succeeds.
func (a *Adapter) StopContainer(ctx context.Context, id string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	timeout := int(stopTimeout.Seconds())
	if err := cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if alreadyDone(err) {
			return nil
		}
		return classify("failed to stop container", err)
	}
	return nil
}

// RemoveContainer force-removes a container. A missing container is not an error.
func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if gone(err) {
			return nil
		}
		return classify("failed to remove container", err)
	}
	return nil
}
