package restart_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/core/ports/portstest"
	"github.com/melih/inga-supervisor/internal/core/services/restart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClearer struct {
	calls atomic.Int32
	err   error
}

func (c *countingClearer) ClearCaches(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func wait(t *testing.T, cy *restart.Cycle) {
	t.Helper()
	select {
	case <-cy.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not finish")
	}
}

func TestRestart_ServerAlreadyStopped(t *testing.T) {
	server := portstest.NewServer(ports.ServerStopped)
	clearer := &countingClearer{}

	cy := restart.New(server, clearer, nil).ClearCachesAndRestart(context.Background())
	wait(t, cy)

	assert.Equal(t, restart.Cleared, cy.State())
	assert.Equal(t, int32(1), clearer.calls.Load())
	starts, stops := server.Calls()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops, "no stop request for a stopped server")
	assert.NoError(t, cy.Err())
}

func TestRestart_ClearsAfterStopped(t *testing.T) {
	server := portstest.NewServer(ports.ServerStarted)
	clearer := &countingClearer{}

	cy := restart.New(server, clearer, nil).ClearCachesAndRestart(context.Background())
	wait(t, cy)

	assert.Equal(t, restart.Cleared, cy.State())
	assert.Equal(t, int32(1), clearer.calls.Load())
	starts, stops := server.Calls()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, starts)
	assert.Zero(t, server.Listeners(), "listener removed on success")
}

func TestRestart_LaterStoppedNotificationsIgnored(t *testing.T) {
	server := portstest.NewServer(ports.ServerStarted)
	clearer := &countingClearer{}
	// hold the answer back so the test controls delivery
	server.OnStop = func(int) ports.ServerEvent { return ports.ServerEvent{Status: ports.ServerStopping} }

	cy := restart.New(server, clearer, nil).ClearCachesAndRestart(context.Background())
	assert.Equal(t, restart.AwaitingStop, cy.State())

	server.Publish(ports.ServerEvent{Status: ports.ServerStopped})
	server.Publish(ports.ServerEvent{Status: ports.ServerStopped})
	wait(t, cy)

	assert.Equal(t, int32(1), clearer.calls.Load(), "cleared exactly once")
	starts, _ := server.Calls()
	assert.Equal(t, 1, starts)
}

func TestRestart_RetriesThenSucceeds(t *testing.T) {
	server := portstest.NewServer(ports.ServerStarted)
	server.OnStop = func(attempt int) ports.ServerEvent {
		if attempt < 3 {
			return ports.ServerEvent{Status: ports.ServerError, Err: errors.New("busy")}
		}
		return ports.ServerEvent{Status: ports.ServerStopped}
	}
	clearer := &countingClearer{}

	cy := restart.New(server, clearer, nil).ClearCachesAndRestart(context.Background())
	wait(t, cy)

	assert.Equal(t, restart.Cleared, cy.State())
	assert.Equal(t, 2, cy.Attempts())
	_, stops := server.Calls()
	assert.Equal(t, 3, stops)
}

func TestRestart_AbandonsAfterBoundedRetries(t *testing.T) {
	server := portstest.NewServer(ports.ServerStarted)
	server.OnStop = func(int) ports.ServerEvent {
		return ports.ServerEvent{Status: ports.ServerError, Err: errors.New("cannot stop")}
	}
	clearer := &countingClearer{}

	cy := restart.New(server, clearer, nil).ClearCachesAndRestart(context.Background())
	wait(t, cy)

	assert.Equal(t, restart.Abandoned, cy.State())
	starts, stops := server.Calls()
	assert.Equal(t, 1+restart.MaxRetries, stops)
	assert.Zero(t, starts)
	assert.Zero(t, clearer.calls.Load(), "nothing destructive after abandoning")
	assert.Zero(t, server.Listeners(), "listener removed on the abandoned path")
	assert.ErrorIs(t, cy.Err(), domain.ErrRestartAbandoned)

	// a late stopped notification does not revive the cycle
	server.Publish(ports.ServerEvent{Status: ports.ServerStopped})
	assert.Zero(t, clearer.calls.Load())
}

func TestRestart_NoRemovalsOnAbandon(t *testing.T) {
	d := portstest.NewDaemon()
	d.AddContainer(domain.Container{Name: "engine_proj1", Image: "engine:v2", State: domain.ContainerRunning})
	require.NoError(t, d.CreateVolume(context.Background(), "inga-cache"))

	server := portstest.NewServer(ports.ServerStarted)
	server.OnStop = func(int) ports.ServerEvent {
		return ports.ServerEvent{Status: ports.ServerError, Err: errors.New("cannot stop")}
	}
	clearer := clearFunc(func(ctx context.Context) error {
		return d.RemoveVolume(ctx, "inga-cache")
	})

	cy := restart.New(server, clearer, nil).ClearCachesAndRestart(context.Background())
	wait(t, cy)

	calls := d.Snapshot()
	assert.Zero(t, calls.Removes)
	assert.Empty(t, calls.RemovedVolumes)
	assert.True(t, d.HasVolume("inga-cache"))
}

type clearFunc func(ctx context.Context) error

func (f clearFunc) ClearCaches(ctx context.Context) error { return f(ctx) }

func TestRestart_ClearErrorStillRestarts(t *testing.T) {
	server := portstest.NewServer(ports.ServerStopped)
	clearer := &countingClearer{err: errors.New("volume in use")}

	cy := restart.New(server, clearer, nil).ClearCachesAndRestart(context.Background())
	wait(t, cy)

	assert.Equal(t, restart.Cleared, cy.State())
	assert.Error(t, cy.Err())
	starts, _ := server.Calls()
	assert.Equal(t, 1, starts)
}
