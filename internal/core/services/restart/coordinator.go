// Package restart clears the caches of the supervised services once the
// client-owned analysis server has stopped, then starts it again.
package restart

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nrednav/cuid2"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/metrics"
)

// MaxRetries bounds the stop requests reissued after error notifications.
const MaxRetries = 3

// State of a restart cycle.
type State string

const (
	Idle         State = "idle"
	AwaitingStop State = "awaiting_stop"
	Cleared      State = "cleared"
	Abandoned    State = "abandoned"
)

// Clearer performs the destructive part of a restart.
type Clearer interface {
	ClearCaches(ctx context.Context) error
}

type Coordinator struct {
	server  ports.AnalysisServer
	clearer Clearer
	log     *slog.Logger
}

func New(server ports.AnalysisServer, clearer Clearer, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{server: server, clearer: clearer, log: log.With(slog.String("component", "restart"))}
}

// Cycle is one clear-and-restart request.
type Cycle struct {
	ID string

	c   *Coordinator
	ctx context.Context
	log *slog.Logger

	mu          sync.Mutex
	state       State
	attempts    int
	unsubscribe func()
	err         error
	done        chan struct{}
}

// ClearCachesAndRestart stops the analysis server, clears the caches once it
// reports stopped and starts it again. It returns immediately; wait on
// Cycle.Done for the terminal state.
func (c *Coordinator) ClearCachesAndRestart(ctx context.Context) *Cycle {
	id := cuid2.Generate()
	cy := &Cycle{
		ID:    id,
		c:     c,
		ctx:   context.WithoutCancel(ctx),
		log:   c.log.With(slog.String("cycle", id)),
		state: Idle,
		done:  make(chan struct{}),
	}

	if c.server.Status() == ports.ServerStopped {
		cy.log.Info("server already stopped, clearing caches")
		cy.mu.Lock()
		cy.state = Cleared
		cy.mu.Unlock()
		cy.clearAndRestart()
		return cy
	}

	cy.mu.Lock()
	cy.state = AwaitingStop
	cy.mu.Unlock()
	unsubscribe := c.server.Subscribe(cy.handle)

	cy.mu.Lock()
	if cy.state != AwaitingStop {
		// a terminal event arrived before we stored the unsubscribe func
		cy.mu.Unlock()
		unsubscribe()
		return cy
	}
	cy.unsubscribe = unsubscribe
	cy.mu.Unlock()

	cy.requestStop()
	return cy
}

func (cy *Cycle) requestStop() {
	metrics.IncRestartStop()
	if err := cy.c.server.Stop(cy.ctx); err != nil {
		cy.handle(ports.ServerEvent{Status: ports.ServerError, Err: err})
	}
}

func (cy *Cycle) handle(ev ports.ServerEvent) {
	cy.mu.Lock()
	if cy.state != AwaitingStop {
		cy.mu.Unlock()
		return
	}
	switch ev.Status {
	case ports.ServerStopped:
		cy.state = Cleared
		unsubscribe := cy.detach()
		cy.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		cy.log.Info("server stopped, clearing caches")
		cy.clearAndRestart()

	case ports.ServerError:
		cy.attempts++
		attempts := cy.attempts
		if attempts <= MaxRetries {
			cy.mu.Unlock()
			cy.log.Warn("server reported an error while stopping, retrying",
				slog.Int("attempt", attempts), slog.Any("error", ev.Err))
			cy.requestStop()
			return
		}
		cy.state = Abandoned
		cy.err = errors.Join(domain.ErrRestartAbandoned, ev.Err)
		unsubscribe := cy.detach()
		cy.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		cy.log.Warn("giving up on restart, caches were not cleared",
			slog.Int("attempts", attempts), slog.Any("error", ev.Err))
		metrics.ObserveRestartCycle(string(Abandoned))
		close(cy.done)

	default:
		cy.mu.Unlock()
	}
}

// detach must be called with mu held.
func (cy *Cycle) detach() func() {
	u := cy.unsubscribe
	cy.unsubscribe = nil
	return u
}

// clearAndRestart runs at most once per cycle: only the transition into
// Cleared calls it.
func (cy *Cycle) clearAndRestart() {
	defer close(cy.done)
	var errs []error
	if err := cy.c.clearer.ClearCaches(cy.ctx); err != nil {
		cy.log.Error("clearing caches failed", slog.Any("error", err))
		errs = append(errs, err)
	}
	if err := cy.c.server.Start(cy.ctx); err != nil {
		cy.log.Error("restarting server failed", slog.Any("error", err))
		errs = append(errs, err)
	}
	cy.mu.Lock()
	cy.err = errors.Join(errs...)
	cy.mu.Unlock()
	metrics.ObserveRestartCycle(string(Cleared))
}

// Done is closed when the cycle reaches Cleared or Abandoned.
func (cy *Cycle) Done() <-chan struct{} { return cy.done }

func (cy *Cycle) State() State {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.state
}

// Attempts returns the number of error notifications received.
func (cy *Cycle) Attempts() int {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.attempts
}

// Err returns the failure of a finished cycle: ErrRestartAbandoned or the
// errors of clearing and restarting.
func (cy *Cycle) Err() error {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.err
}
