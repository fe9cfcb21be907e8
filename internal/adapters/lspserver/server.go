// Package lspserver runs the analysis server on top of the engine container:
// it provisions the services, attaches to the engine's stdio and reports
// lifecycle changes on an event bus.
package lspserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/eventbus"
)

// Services is the part of the orchestrator the server drives.
type Services interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
}

// Attacher connects to a container's stdio.
type Attacher interface {
	Attach(ctx context.Context, id string) (io.ReadWriteCloser, error)
}

type Server struct {
	services Services
	attacher Attacher
	bus      *eventbus.Bus[ports.ServerEvent]
	log      *slog.Logger

	// Stdin is forwarded to the engine and the engine's stdout is copied to
	// Stdout. Either may be nil.
	Stdin  io.Reader
	Stdout io.Writer

	mu     sync.Mutex
	status ports.ServerStatus
	conn   io.ReadWriteCloser
}

func New(services Services, attacher Attacher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		services: services,
		attacher: attacher,
		bus:      eventbus.NewBus[ports.ServerEvent](),
		log:      log.With(slog.String("component", "lspserver")),
		status:   ports.ServerStopped,
	}
}

// Run dispatches status events to subscribers until ctx is done.
func (s *Server) Run(ctx context.Context) {
	s.bus.StartDispatcher(ctx)
}

func (s *Server) Status() ports.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Server) Subscribe(fn func(ports.ServerEvent)) func() {
	return s.bus.SubscribeToEvents(func(_ context.Context, ev ports.ServerEvent) {
		fn(ev)
	})
}

func (s *Server) setStatus(ev ports.ServerEvent) {
	s.mu.Lock()
	s.status = ev.Status
	s.mu.Unlock()
	s.bus.PublishEvent(ev)
}

// Start provisions the containers and attaches to the engine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == ports.ServerStarted || s.status == ports.ServerStarting {
		s.mu.Unlock()
		return nil
	}
	s.status = ports.ServerStarting
	s.mu.Unlock()
	s.bus.PublishEvent(ports.ServerEvent{Status: ports.ServerStarting})

	id, err := s.services.Start(ctx)
	if err != nil {
		s.setStatus(ports.ServerEvent{Status: ports.ServerError, Err: err})
		return err
	}
	conn, err := s.attacher.Attach(ctx, id)
	if err != nil {
		s.setStatus(ports.ServerEvent{Status: ports.ServerError, Err: err})
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("attached to engine", slog.String("id", id))
	s.setStatus(ports.ServerEvent{Status: ports.ServerStarted})

	if s.Stdin != nil {
		go func() {
			if _, err := io.Copy(conn, s.Stdin); err != nil {
				s.log.Debug("stdin forwarding ended", slog.Any("error", err))
			}
		}()
	}
	go s.pump(conn)
	return nil
}

// pump copies engine output until the connection ends. An end that Stop did
// not cause means the engine exited on its own.
func (s *Server) pump(conn io.ReadWriteCloser) {
	out := s.Stdout
	if out == nil {
		out = io.Discard
	}
	_, err := io.Copy(out, conn)

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	conn.Close()

	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Warn("engine connection failed", slog.Any("error", err))
		s.setStatus(ports.ServerEvent{Status: ports.ServerError, Err: err})
		return
	}
	s.log.Info("engine exited")
	s.setStatus(ports.ServerEvent{Status: ports.ServerStopped})
}

// Stop detaches from the engine and stops the containers. The outcome is
// reported as a ServerStopped or ServerError event.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == ports.ServerStopped {
		s.mu.Unlock()
		s.bus.PublishEvent(ports.ServerEvent{Status: ports.ServerStopped})
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	s.setStatus(ports.ServerEvent{Status: ports.ServerStopping})

	if conn != nil {
		conn.Close()
	}
	if err := s.services.Stop(ctx); err != nil {
		s.log.Warn("stopping services failed", slog.Any("error", err))
		s.setStatus(ports.ServerEvent{Status: ports.ServerError, Err: err})
		return nil
	}
	s.setStatus(ports.ServerEvent{Status: ports.ServerStopped})
	return nil
}
