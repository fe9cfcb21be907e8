package reconciler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports/portstest"
	"github.com/melih/inga-supervisor/internal/core/services/reconciler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workspace = "proj1"

func engineConfig(tag string) reconciler.EngineConfig {
	return reconciler.EngineConfig{
		Workspace:   workspace,
		ProjectDir:  "/home/dev/proj1",
		Image:       domain.ImageRef{Repository: "engine", Tag: tag},
		Platform:    "linux/amd64",
		PullPolicy:  reconciler.PullMissing,
		CacheVolume: "inga-cache",
		CachePath:   "/root/.m2",
	}
}

func setup(t *testing.T) (*portstest.Daemon, *portstest.SettingsStore, *reconciler.Reconciler) {
	t.Helper()
	d := portstest.NewDaemon()
	store := portstest.NewSettingsStore()
	return d, store, reconciler.New(d, nil)
}

func TestReconcile_CreatesWhenMissing(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()
	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)

	var pulls []string
	res, err := r.Reconcile(ctx, svc, func(ev domain.ProgressEvent) {
		if ev.Kind == domain.ProgressPull {
			pulls = append(pulls, ev.Message)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeCreated, res.Outcome)
	assert.NotEmpty(t, pulls)

	c, ok := d.Container(res.ID)
	require.True(t, ok)
	assert.Equal(t, "engine_proj1", c.Name)
	assert.True(t, c.Running())

	settings, _ := store.Load(ctx, workspace)
	require.NotNil(t, settings.AppliedParameters)
	assert.True(t, settings.EngineCurrent())
}

func TestReconcile_IdempotentReuse(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()
	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)

	first, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	creates := d.Snapshot().Creates

	second, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, reconciler.OutcomeReused, second.Outcome)
	assert.Equal(t, creates, d.Snapshot().Creates, "no create on the second pass")
}

func TestReconcile_StaleSnapshotRecreates(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()
	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)

	first, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)

	want := domain.EngineParameters{IncludePathPattern: "src/**"}
	require.NoError(t, store.SaveUserParameters(ctx, workspace, want))

	second, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, reconciler.OutcomeRecreated, second.Outcome)

	_, oldExists := d.Container(first.ID)
	assert.False(t, oldExists)

	spec, ok := d.Spec(second.ID)
	require.True(t, ok)
	assert.Contains(t, spec.Cmd, "--include")
	assert.Contains(t, spec.Cmd, "src/**")

	settings, _ := store.Load(ctx, workspace)
	require.NotNil(t, settings.AppliedParameters)
	assert.True(t, settings.AppliedParameters.Equal(want))
}

func TestReconcile_NewImageScenario(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()

	d.AddImage("engine:v1", "sha256:old")
	oldID := d.AddContainer(domain.Container{
		Name:  "engine_proj1",
		Image: "engine:v1",
		State: domain.ContainerStopped,
	})
	require.NoError(t, store.SaveApplied(ctx, workspace, &domain.EngineParameters{}))
	require.NoError(t, store.SaveUserParameters(ctx, workspace, domain.EngineParameters{IncludePathPattern: "src/**"}))

	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)
	res, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)

	assert.NotEqual(t, oldID, res.ID)
	assert.True(t, d.HasImage("engine:v2"))
	assert.False(t, d.HasImage("engine:v1"), "unreferenced old image is collected")
	assert.Contains(t, d.Snapshot().RemovedImages, "engine:v1")

	spec, _ := d.Spec(res.ID)
	assert.Equal(t, "engine:v2", spec.Image.String())
	assert.Equal(t, []string{
		"--mode", "server", "--root-path", "/work", "--output-path", "/inga-output",
		"--include", "src/**",
	}, spec.Cmd)

	c, _ := d.Container(res.ID)
	assert.True(t, c.Running())

	settings, _ := store.Load(ctx, workspace)
	assert.Equal(t, "src/**", settings.AppliedParameters.IncludePathPattern)
}

func TestReconcile_StopsRunningContainerFirst(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()
	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)

	first, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	stops := d.Snapshot().Stops

	_, err = r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, stops+1, d.Snapshot().Stops)

	c, _ := d.Container(first.ID)
	assert.True(t, c.Running())
}

func TestReconcile_PullFailureKeepsExistingContainer(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()

	cfg := engineConfig("v2")
	cfg.PullPolicy = reconciler.PullAlways
	svc := reconciler.NewEngineService(cfg, store, nil, nil)

	first, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)

	d.PullErr = func(string) error { return errors.New("registry unreachable") }
	second, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, reconciler.OutcomeDegraded, second.Outcome)

	c, _ := d.Container(first.ID)
	assert.True(t, c.Running())
}

func TestReconcile_PullFailureOnNewImageKeepsOldContainer(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()

	oldID := d.AddContainer(domain.Container{Name: "engine_proj1", Image: "engine:v1", State: domain.ContainerRunning})
	require.NoError(t, store.SaveApplied(ctx, workspace, &domain.EngineParameters{}))
	d.PullErr = func(string) error { return errors.New("timeout") }

	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)
	res, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, oldID, res.ID)
	assert.Zero(t, d.Snapshot().Removes)
}

func TestReconcile_PullFailureStillAppliesParametersFromLocalImage(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()
	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)

	first, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)

	want := domain.EngineParameters{IncludePathPattern: "src/**"}
	require.NoError(t, store.SaveUserParameters(ctx, workspace, want))
	d.PullErr = func(string) error { return errors.New("offline") }

	second, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeRecreated, second.Outcome)
	assert.NotEqual(t, first.ID, second.ID)

	spec, ok := d.Spec(second.ID)
	require.True(t, ok)
	assert.Equal(t, "engine:v2", spec.Image.String())
	assert.Contains(t, spec.Cmd, "src/**")
	assert.Empty(t, d.Snapshot().RemovedImages, "the image in use is kept")

	settings, _ := store.Load(ctx, workspace)
	assert.True(t, settings.EngineCurrent())
}

func TestReconcile_PullFailureWithoutContainerIsFatal(t *testing.T) {
	d, store, r := setup(t)
	d.PullErr = func(string) error { return errors.New("timeout") }

	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)
	_, err := r.Reconcile(context.Background(), svc, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPullFailed)
	assert.Zero(t, d.Snapshot().Creates)
}

func TestReconcile_PullAlwaysDetectsRetaggedImage(t *testing.T) {
	d, store, r := setup(t)
	ctx := context.Background()

	cfg := engineConfig("latest")
	cfg.PullPolicy = reconciler.PullAlways
	svc := reconciler.NewEngineService(cfg, store, nil, nil)

	first, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	old, _ := d.Container(first.ID)

	// the registry moved the tag
	require.NoError(t, d.RemoveImage(ctx, "engine:latest"))

	second, err := r.Reconcile(ctx, svc, nil)
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeRecreated, second.Outcome)
	assert.Contains(t, d.Snapshot().RemovedImages, old.ImageID)
}

func TestReconcile_CreateFailureIsFatal(t *testing.T) {
	d, store, r := setup(t)
	d.CreateErr = func(domain.ServiceSpec) error { return errors.New("no space left") }

	svc := reconciler.NewEngineService(engineConfig("v2"), store, nil, nil)
	_, err := r.Reconcile(context.Background(), svc, nil)
	assert.ErrorIs(t, err, domain.ErrContainerOperation)

	settings, _ := store.Load(context.Background(), workspace)
	assert.Nil(t, settings.AppliedParameters, "no snapshot without a container")
}

func TestCollectImage_SkipsReferencedImage(t *testing.T) {
	d := portstest.NewDaemon()
	ctx := context.Background()
	d.AddImage("engine:v1", "sha256:1")
	d.AddContainer(domain.Container{Name: "unrelated", Image: "engine:v1", State: domain.ContainerStopped})

	removed := reconciler.CollectImage(ctx, d, "engine:v1", discardLogger())
	assert.False(t, removed)
	assert.True(t, d.HasImage("engine:v1"))

	d2 := portstest.NewDaemon()
	d2.AddImage("engine:v1", "sha256:1")
	assert.True(t, reconciler.CollectImage(ctx, d2, "engine:v1", discardLogger()))
	assert.False(t, d2.HasImage("engine:v1"))
}

func TestEngineCommand_OmitsEmptyFlags(t *testing.T) {
	cmd := reconciler.EngineCommand(domain.EngineParameters{BaseBranch: "main", ExcludePathPattern: "test/**"})
	assert.Equal(t, []string{
		"--mode", "server", "--root-path", "/work", "--output-path", "/inga-output",
		"--base-commit", "main", "--exclude", "test/**",
	}, cmd)
	assert.NotContains(t, cmd, "--include")
}

type branchFunc func(dir, branch string) (string, error)

func (f branchFunc) ResolveBranch(dir, branch string) (string, error) { return f(dir, branch) }

func TestEngineService_DesiredSpec(t *testing.T) {
	store := portstest.NewSettingsStore()
	ctx := context.Background()
	require.NoError(t, store.SaveUserParameters(ctx, workspace, domain.EngineParameters{
		BaseBranch:       "main",
		AdditionalMounts: map[string]string{"/b": "/mnt/b", "/a": "/mnt/a"},
	}))

	var resolved string
	cfg := engineConfig("v2")
	cfg.SDKVersion = `java version "1.8.0_442"`
	svc := reconciler.NewEngineService(cfg, store, branchFunc(func(_, b string) (string, error) {
		resolved = b
		return "abc123", nil
	}), nil)

	desired, err := svc.Desired(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", resolved)
	assert.False(t, desired.Current)
	assert.True(t, desired.Spec.OpenStdin)
	assert.Equal(t, []string{"JAVA_VERSION=8"}, desired.Spec.Env)

	mounts := desired.Spec.Mounts
	require.Len(t, mounts, 5)
	assert.Equal(t, domain.Mount{Source: "/home/dev/proj1", Target: "/work", ReadOnly: true}, mounts[0])
	assert.Equal(t, domain.Mount{Volume: true, Source: "inga-output_proj1", Target: "/inga-output"}, mounts[1])
	assert.Equal(t, domain.Mount{Volume: true, Source: "inga-cache", Target: "/root/.m2", ReadOnly: true}, mounts[2])
	assert.Equal(t, "/a", mounts[3].Source)
	assert.Equal(t, "/b", mounts[4].Source)
}

func TestFind_ByDerivedName(t *testing.T) {
	d := portstest.NewDaemon()
	ctx := context.Background()
	key := domain.NewServiceKey(domain.ServiceEngine, workspace)

	_, found, err := reconciler.Find(ctx, d, key)
	require.NoError(t, err)
	assert.False(t, found)

	id := d.AddContainer(domain.Container{Name: "engine_proj1", State: domain.ContainerStopped})
	c, found, err := reconciler.Find(ctx, d, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, c.ID)
}

func TestFind_NameOwnedByAnotherKey(t *testing.T) {
	d := portstest.NewDaemon()
	d.AddContainer(domain.Container{
		Name: "engine_proj1",
		Key:  domain.NewServiceKey(domain.ServiceUI, "elsewhere"),
	})

	_, _, err := reconciler.Find(context.Background(), d, domain.NewServiceKey(domain.ServiceEngine, workspace))
	assert.ErrorIs(t, err, domain.ErrContainerOperation)
}
