package docker

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

func TestToDomain(t *testing.T) {
	c := toDomain(types.Container{
		ID:      "abc123",
		Names:   []string{"/engine_proj1"},
		Image:   "ghcr.io/seachicken/inga:0.12.0-pre22-java",
		ImageID: "sha256:1",
		State:   "exited",
		Status:  "Exited (0) 2 minutes ago",
		Labels:  map[string]string{domain.LabelService: "engine", domain.LabelWorkspace: "proj1"},
		Mounts: []types.MountPoint{
			{Type: mount.TypeBind, Source: "/home/me/proj", Destination: "/work", RW: false},
			{Type: mount.TypeVolume, Name: "inga-output_proj1", Source: "/var/lib/docker/volumes/x", Destination: "/inga-output", RW: true},
		},
		Ports: []types.Port{{PrivatePort: 4173, PublicPort: 41234}, {PrivatePort: 22}},
	})

	assert.Equal(t, "engine_proj1", c.Name)
	assert.Equal(t, domain.NewServiceKey(domain.ServiceEngine, "proj1"), c.Key)
	assert.Equal(t, domain.ContainerStopped, c.State)
	require.Len(t, c.Mounts, 2)
	assert.Equal(t, domain.Mount{Source: "/home/me/proj", Target: "/work", ReadOnly: true}, c.Mounts[0])
	assert.Equal(t, domain.Mount{Volume: true, Source: "inga-output_proj1", Target: "/inga-output"}, c.Mounts[1])
	assert.Equal(t, []domain.PortBinding{{HostPort: 41234, ContainerPort: 4173}}, c.Ports)
}

func TestToDomain_NoLabels(t *testing.T) {
	c := toDomain(types.Container{ID: "x", Names: []string{"/legacy"}, State: "running"})
	assert.True(t, c.Key.IsZero())
	assert.Equal(t, "legacy", c.Name)
	assert.True(t, c.Running())
}

func TestContainerConfig(t *testing.T) {
	spec := domain.ServiceSpec{
		Key:   domain.NewServiceKey(domain.ServiceUI, "proj1"),
		Image: domain.ImageRef{Repository: "ghcr.io/seachicken/inga-ui", Tag: "0.1.4"},
		Env:   []string{"A=1"},
		Mounts: []domain.Mount{
			{Volume: true, Source: "inga-output_proj1", Target: "/inga-output", ReadOnly: true},
			{Source: "/host", Target: "/host"},
		},
		Ports:      []domain.PortBinding{{HostPort: 41234, ContainerPort: 4173}},
		Tmpfs:      map[string]string{"/tmp": ""},
		OpenStdin:  true,
		AutoRemove: true,
	}

	cfg, host, err := containerConfig(spec)
	require.NoError(t, err)

	assert.Equal(t, "ghcr.io/seachicken/inga-ui:0.1.4", cfg.Image)
	assert.Equal(t, spec.Key.Labels(), cfg.Labels)
	assert.True(t, cfg.OpenStdin)
	assert.True(t, host.AutoRemove)
	assert.Equal(t, spec.Tmpfs, host.Tmpfs)
	require.Len(t, host.Mounts, 2)
	assert.Equal(t, mount.TypeVolume, host.Mounts[0].Type)
	assert.True(t, host.Mounts[0].ReadOnly)
	assert.Equal(t, mount.TypeBind, host.Mounts[1].Type)

	port := nat.Port("4173/tcp")
	assert.Contains(t, cfg.ExposedPorts, port)
	assert.Equal(t, []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "41234"}}, host.PortBindings[port])
}

func TestContainerConfig_FixedNameHasNoLabels(t *testing.T) {
	cfg, host, err := containerConfig(domain.ServiceSpec{FixedName: "inga_cache_sync", Image: domain.ImageRef{Repository: "rsync"}})
	require.NoError(t, err)
	assert.Nil(t, cfg.Labels)
	assert.Nil(t, cfg.ExposedPorts)
	assert.Nil(t, host.PortBindings)
	assert.Equal(t, "rsync:latest", cfg.Image)
}

func TestParsePlatform(t *testing.T) {
	p, err := parsePlatform("")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parsePlatform("linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, "linux", p.OS)
	assert.Equal(t, "amd64", p.Architecture)

	p, err = parsePlatform("linux/arm/v7")
	require.NoError(t, err)
	assert.Equal(t, "v7", p.Variant)

	for _, bad := range []string{"linux", "/amd64", "a/b/c/d"} {
		_, err := parsePlatform(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodePull(t *testing.T) {
	stream := `{"status":"Pulling from seachicken/inga","id":"0.12.0"}
{"status":"Downloading","id":"abc","progressDetail":{"current":50,"total":200}}
{"status":"Download complete","id":"abc"}
`
	var lines []string
	err := decodePull(strings.NewReader(stream), func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0.12.0: Pulling from seachicken/inga",
		"abc: Downloading 25%",
		"abc: Download complete",
	}, lines)
}

func TestDecodePull_ErrorInStream(t *testing.T) {
	stream := `{"status":"Pulling"}
{"errorDetail":{"message":"denied: access forbidden"},"error":"denied: access forbidden"}
`
	err := decodePull(strings.NewReader(stream), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestClassify(t *testing.T) {
	err := classify("failed to start", errdefs.NotFound(errors.New("no such container")))
	assert.ErrorIs(t, err, domain.ErrContainerOperation)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = classify("failed to list", client.ErrorConnectionFailed("unix:///var/run/docker.sock"))
	assert.ErrorIs(t, err, domain.ErrDaemonUnavailable)
	assert.NotErrorIs(t, err, domain.ErrContainerOperation)

	err = classifyPull(domain.ImageRef{Repository: "x"}, errors.New("manifest unknown"))
	assert.ErrorIs(t, err, domain.ErrPullFailed)

	assert.True(t, alreadyDone(errdefs.NotModified(errors.New("already started"))))
	assert.False(t, alreadyDone(errors.New("boom")))
	assert.True(t, gone(errdefs.NotFound(errors.New("no such volume"))))
}

func multiplexed(t *testing.T, stdout, stderr string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	require.NoError(t, err)
	return &buf
}

func TestDemux_Combined(t *testing.T) {
	closed := false
	rc := demux(multiplexed(t, "out\n", "err\n"), nil, func() { closed = true })

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "out\nerr\n", string(data))
	require.NoError(t, rc.Close())
	assert.True(t, closed)
}

func TestDemux_SeparateStderr(t *testing.T) {
	var stderr bytes.Buffer
	rc := demux(multiplexed(t, "out\n", "err\n"), &stderr, nil)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(data))
	assert.Equal(t, "err\n", stderr.String())
}

func TestLineLogger(t *testing.T) {
	var buf bytes.Buffer
	l := &lineLogger{log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	_, _ = l.Write([]byte("first\nsec"))
	_, _ = l.Write([]byte("ond\n"))

	out := buf.String()
	assert.Contains(t, out, "line=first")
	assert.Contains(t, out, "line=second")
	assert.Equal(t, 2, strings.Count(out, "msg=stderr"))
}

func TestNewAdapter_LazyClient(t *testing.T) {
	a := NewAdapter("tcp://127.0.0.1:1", nil)
	first, err1 := a.client()
	second, err2 := a.client()
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Same(t, first, second)
	require.NoError(t, a.Close())
}
