package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports/portstest"
	"github.com/melih/inga-supervisor/internal/core/services/cachesync"
	"github.com/melih/inga-supervisor/internal/core/services/orchestrator"
	"github.com/melih/inga-supervisor/internal/core/services/reconciler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workspace = "proj1"

type fixture struct {
	daemon *portstest.Daemon
	store  *portstest.SettingsStore
	orch   *orchestrator.Orchestrator
	sync   *fakeSync
	comp   *fakeCompanion
}

type fakeSync struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSync) Sync(context.Context, domain.ProgressFunc) error {
	f.calls.Add(1)
	return f.err
}

type fakeCompanion struct {
	started, stopped atomic.Int32
}

func (f *fakeCompanion) Start(context.Context) error { f.started.Add(1); return nil }
func (f *fakeCompanion) Stop(context.Context) error  { f.stopped.Add(1); return nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := portstest.NewDaemon()
	store := portstest.NewSettingsStore()
	engine := reconciler.NewEngineService(reconciler.EngineConfig{
		Workspace:   workspace,
		ProjectDir:  "/home/dev/proj1",
		Image:       domain.ImageRef{Repository: "engine", Tag: "v2"},
		CacheVolume: "inga-cache",
		CachePath:   "/root/.m2",
	}, store, nil, log)
	ui := reconciler.NewUIService(reconciler.UIConfig{
		Workspace: workspace,
		Image:     domain.ImageRef{Repository: "ui", Tag: "0.1.4"},
	}, store, d, log)
	ui.FreePort = func() (int, error) { return 45000, nil }

	f := &fixture{daemon: d, store: store, sync: &fakeSync{}, comp: &fakeCompanion{}}
	f.orch = orchestrator.New(orchestrator.Options{
		Daemon:      d,
		Engine:      engine,
		UI:          ui,
		Sync:        f.sync,
		CacheVolume: "inga-cache",
		Companion:   f.comp,
		Log:         log,
	})
	return f
}

type stepRecorder struct {
	mu    sync.Mutex
	steps []domain.ProgressEvent
}

func (r *stepRecorder) record(ev domain.ProgressEvent) {
	if ev.Kind != domain.ProgressStep {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, ev)
}

func TestInstall_ReachesTotalOnce(t *testing.T) {
	f := newFixture(t)
	var rec stepRecorder

	res, err := f.orch.Install(context.Background(), rec.record)
	require.NoError(t, err)
	assert.NotEmpty(t, res.EngineID)
	assert.NotEmpty(t, res.UIID)
	assert.Equal(t, 45000, res.UIPort)

	require.Len(t, rec.steps, domain.InstallSteps)
	units := map[string]bool{}
	for i, ev := range rec.steps {
		assert.Equal(t, i+1, ev.Step)
		assert.Equal(t, domain.InstallSteps, ev.Total)
		units[ev.Unit] = true
	}
	assert.Len(t, units, 3)
	assert.Equal(t, int32(1), f.sync.calls.Load())
}

func TestInstall_FailureWaitsForSiblings(t *testing.T) {
	f := newFixture(t)
	f.sync.err = domain.ErrCacheSyncFailed
	var rec stepRecorder

	res, err := f.orch.Install(context.Background(), rec.record)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCacheSyncFailed)

	// siblings ran to completion
	assert.NotEmpty(t, res.EngineID)
	assert.NotEmpty(t, res.UIID)
	c, ok := f.daemon.Container(res.EngineID)
	require.True(t, ok)
	assert.True(t, c.Running())

	assert.Len(t, rec.steps, 2, "failed unit does not count")
	for _, ev := range rec.steps {
		assert.LessOrEqual(t, ev.Step, ev.Total)
	}
}

func TestInstall_EnginePullFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.daemon.PullErr = func(ref string) error {
		if strings.HasPrefix(ref, "engine") {
			return errors.New("denied")
		}
		return nil
	}

	_, err := f.orch.Install(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrPullFailed)
	assert.Contains(t, err.Error(), "engine")
}

func TestStart_ReturnsEngineIDAndStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.Start(ctx)
	require.NoError(t, err)
	c, _ := f.daemon.Container(id)
	assert.Equal(t, "engine_proj1", c.Name)
	assert.Equal(t, int32(1), f.comp.started.Load())
	assert.Equal(t, id, f.orch.Last().EngineID)

	require.NoError(t, f.orch.Stop(ctx))
	c, _ = f.daemon.Container(id)
	assert.False(t, c.Running())
	ui, _ := f.daemon.Container(f.orch.Last().UIID)
	assert.False(t, ui.Running())
	assert.Equal(t, int32(1), f.comp.stopped.Load())
}

func TestStop_WithoutContainers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Stop(context.Background()))
	assert.Zero(t, f.daemon.Snapshot().Stops)
}

func TestClearCaches_RemovesContainersImagesAndVolume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, f.daemon.CreateVolume(ctx, "inga-cache"))

	require.NoError(t, f.orch.ClearCaches(ctx))
	containers, _ := f.daemon.ListContainers(ctx, true)
	assert.Empty(t, containers)
	assert.False(t, f.daemon.HasVolume("inga-cache"))
	assert.ElementsMatch(t, []string{"engine:v2", "ui:0.1.4"}, f.daemon.Snapshot().RemovedImages)
}

func TestPrefetch_ToleratesFailures(t *testing.T) {
	f := newFixture(t)
	f.daemon.PullErr = func(ref string) error {
		if strings.HasPrefix(ref, "ui") {
			return errors.New("offline")
		}
		return nil
	}
	f.orch.Prefetch(context.Background())
	assert.True(t, f.daemon.HasImage("engine:v2"))
	assert.False(t, f.daemon.HasImage("ui:0.1.4"))
}

func TestInstall_WithRealSyncer(t *testing.T) {
	f := newFixture(t)
	syncer := cachesync.New(cachesync.Config{
		HostDir: t.TempDir(),
		Volume:  "inga-cache",
		Image:   domain.ImageRef{Repository: "rsync", Tag: "alpine"},
	}, f.daemon, nil)
	orch := orchestrator.New(orchestrator.Options{
		Daemon: f.daemon,
		Engine: reconciler.NewEngineService(reconciler.EngineConfig{
			Workspace: workspace,
			Image:     domain.ImageRef{Repository: "engine", Tag: "v2"},
		}, f.store, nil, nil),
		UI: reconciler.NewUIService(reconciler.UIConfig{
			Workspace: workspace,
			Image:     domain.ImageRef{Repository: "ui", Tag: "0.1.4"},
		}, f.store, f.daemon, nil),
		Sync: syncer,
	})
	var rec stepRecorder
	_, err := orch.Install(context.Background(), rec.record)
	require.NoError(t, err)
	assert.Len(t, rec.steps, domain.InstallSteps)
	assert.True(t, f.daemon.HasVolume("inga-cache"))
}
