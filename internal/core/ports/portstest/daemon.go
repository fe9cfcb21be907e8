// Package portstest provides in-memory implementations of the core ports for tests.
package portstest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// Daemon is an in-memory container engine. It is safe for concurrent use.
type Daemon struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*domain.Container
	specs      map[string]domain.ServiceSpec
	images     map[string]string // ref -> image ID
	volumes    map[string]bool
	started    map[string]chan struct{}

	// PullErr, when set, is consulted before every pull.
	PullErr func(ref string) error
	// CreateErr, when set, is consulted before every create.
	CreateErr func(spec domain.ServiceSpec) error
	// ListErr, when set, fails every list and lookup call.
	ListErr error
	// LogOutput is returned by Logs and Exec.
	LogOutput string
	// ExitCode is returned by WaitForExit.
	ExitCode int64
	// StartErr, when set, is consulted before every start.
	StartErr func(id string) error
	// OnStart is called after a container was started.
	OnStart func(id string)

	Calls Calls
}

// Calls counts the operations issued against the daemon.
type Calls struct {
	Pulls, Creates, Starts, Stops, Removes int
	RemovedImages, RemovedVolumes          []string
	Execs                                  [][]string
}

func NewDaemon() *Daemon {
	return &Daemon{
		containers: make(map[string]*domain.Container),
		specs:      make(map[string]domain.ServiceSpec),
		images:     make(map[string]string),
		volumes:    make(map[string]bool),
		started:    make(map[string]chan struct{}),
	}
}

// AddImage makes ref available locally.
func (d *Daemon) AddImage(ref, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images[ref] = id
}

// HasImage reports whether ref is available locally.
func (d *Daemon) HasImage(ref string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.images[ref]
	return ok
}

// HasVolume reports whether the named volume exists.
func (d *Daemon) HasVolume(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[name]
}

// AddContainer seeds a container. Its ID is returned.
func (d *Daemon) AddContainer(c domain.Container) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.ID == "" {
		d.seq++
		c.ID = fmt.Sprintf("seed-%d", d.seq)
	}
	if c.ImageID == "" {
		c.ImageID = d.images[c.Image]
	}
	d.containers[c.ID] = &c
	d.started[c.ID] = make(chan struct{})
	if c.Running() {
		close(d.started[c.ID])
	}
	return c.ID
}

// Container returns a copy of the container with the given ID.
func (d *Daemon) Container(id string) (domain.Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return domain.Container{}, false
	}
	return *c, true
}

// Spec returns the spec a container was created with.
func (d *Daemon) Spec(id string) (domain.ServiceSpec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.specs[id]
	return s, ok
}

// Snapshot returns a copy of the call counters.
func (d *Daemon) Snapshot() Calls {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.Calls
	c.RemovedImages = append([]string(nil), d.Calls.RemovedImages...)
	c.RemovedVolumes = append([]string(nil), d.Calls.RemovedVolumes...)
	return c
}

func (d *Daemon) ListContainers(_ context.Context, all bool) ([]domain.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	out := make([]domain.Container, 0, len(d.containers))
	for _, c := range d.containers {
		if !all && !c.Running() {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (d *Daemon) FindByName(_ context.Context, name string) (domain.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ListErr != nil {
		return domain.Container{}, d.ListErr
	}
	for _, c := range d.containers {
		if c.Name == name {
			return *c, nil
		}
	}
	return domain.Container{}, fmt.Errorf("container %s: %w", name, domain.ErrNotFound)
}

func (d *Daemon) PullImage(_ context.Context, ref domain.ImageRef, _ string, onStatus func(string)) error {
	d.mu.Lock()
	d.Calls.Pulls++
	pullErr := d.PullErr
	d.mu.Unlock()
	if pullErr != nil {
		if err := pullErr(ref.String()); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrPullFailed, ref, err)
		}
	}
	if onStatus != nil {
		onStatus("Pulling from " + ref.Repository)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.images[ref.String()]; !ok {
		d.seq++
		d.images[ref.String()] = fmt.Sprintf("sha256:%d", d.seq)
	}
	return nil
}

func (d *Daemon) ImageID(_ context.Context, ref domain.ImageRef) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.images[ref.String()]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (d *Daemon) CreateContainer(_ context.Context, spec domain.ServiceSpec) (string, error) {
	d.mu.Lock()
	createErr := d.CreateErr
	d.mu.Unlock()
	if createErr != nil {
		if err := createErr(spec); err != nil {
			return "", fmt.Errorf("%w: create %s: %v", domain.ErrContainerOperation, spec.Name(), err)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls.Creates++
	for _, c := range d.containers {
		if c.Name == spec.Name() {
			return "", fmt.Errorf("%w: name %s already in use", domain.ErrContainerOperation, spec.Name())
		}
	}
	d.seq++
	id := fmt.Sprintf("c-%d", d.seq)
	ports := append([]domain.PortBinding(nil), spec.Ports...)
	key := spec.Key
	if spec.FixedName != "" {
		key = domain.ServiceKey{}
	}
	d.containers[id] = &domain.Container{
		ID:      id,
		Name:    spec.Name(),
		Key:     key,
		Image:   spec.Image.String(),
		ImageID: d.images[spec.Image.String()],
		State:   domain.ContainerStopped,
		Mounts:  spec.Mounts,
		Command: strings.Join(spec.Cmd, " "),
		Ports:   ports,
	}
	d.specs[id] = spec
	d.started[id] = make(chan struct{})
	return id, nil
}

func (d *Daemon) StartContainer(_ context.Context, id string) error {
	d.mu.Lock()
	c, ok := d.containers[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: start %s: no such container", domain.ErrContainerOperation, id)
	}
	if d.StartErr != nil {
		if err := d.StartErr(id); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("%w: start %s: %v", domain.ErrContainerOperation, id, err)
		}
	}
	d.Calls.Starts++
	c.State = domain.ContainerRunning
	select {
	case <-d.started[id]:
	default:
		close(d.started[id])
	}
	onStart := d.OnStart
	d.mu.Unlock()
	if onStart != nil {
		onStart(id)
	}
	return nil
}

func (d *Daemon) StopContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return fmt.Errorf("%w: stop %s: no such container", domain.ErrContainerOperation, id)
	}
	d.Calls.Stops++
	c.State = domain.ContainerStopped
	return nil
}

func (d *Daemon) RemoveContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.containers[id]; !ok {
		return fmt.Errorf("%w: remove %s: no such container", domain.ErrContainerOperation, id)
	}
	d.Calls.Removes++
	delete(d.containers, id)
	return nil
}

func (d *Daemon) RemoveImage(_ context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls.RemovedImages = append(d.Calls.RemovedImages, ref)
	for r, id := range d.images {
		if r == ref || id == ref {
			delete(d.images, r)
		}
	}
	return nil
}

func (d *Daemon) CreateVolume(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumes[name] = true
	return nil
}

func (d *Daemon) RemoveVolume(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls.RemovedVolumes = append(d.Calls.RemovedVolumes, name)
	delete(d.volumes, name)
	return nil
}

func (d *Daemon) Exec(_ context.Context, id string, cmd []string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.containers[id]; !ok {
		return nil, fmt.Errorf("%w: exec %s: no such container", domain.ErrContainerOperation, id)
	}
	d.Calls.Execs = append(d.Calls.Execs, cmd)
	return io.NopCloser(strings.NewReader(d.LogOutput)), nil
}

func (d *Daemon) Logs(_ context.Context, id string, _ bool) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return io.NopCloser(strings.NewReader(d.LogOutput)), nil
}

// WaitForExit waits for the container to be started, then marks it as exited
// and removes it when it was created with AutoRemove.
func (d *Daemon) WaitForExit(ctx context.Context, id string) (int64, error) {
	d.mu.Lock()
	started, ok := d.started[id]
	d.mu.Unlock()
	if ok {
		select {
		case <-started:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return -1, fmt.Errorf("%w: wait %s: no such container", domain.ErrContainerOperation, id)
	}
	c.State = domain.ContainerStopped
	if d.specs[id].AutoRemove {
		delete(d.containers, id)
	}
	return d.ExitCode, nil
}

func (d *Daemon) Attach(_ context.Context, id string) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.containers[id]; !ok {
		return nil, fmt.Errorf("%w: attach %s: no such container", domain.ErrContainerOperation, id)
	}
	return &Stream{Buffer: bytes.NewBufferString(d.LogOutput)}, nil
}

// Stream is an in-memory attached stream.
type Stream struct {
	*bytes.Buffer
	mu     sync.Mutex
	closed bool
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
