package portstest

import (
	"context"
	"sync"

	"github.com/melih/inga-supervisor/internal/core/ports"
)

// Server is a scripted analysis server. OnStop decides which event answers
// each stop request; by default the server reports stopped.
type Server struct {
	mu        sync.Mutex
	status    ports.ServerStatus
	listeners map[int]func(ports.ServerEvent)
	next      int

	OnStop func(attempt int) ports.ServerEvent

	StopCalls  int
	StartCalls int
}

func NewServer(status ports.ServerStatus) *Server {
	return &Server{status: status, listeners: make(map[int]func(ports.ServerEvent))}
}

func (s *Server) Status() ports.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	s.StartCalls++
	s.status = ports.ServerStarted
	s.mu.Unlock()
	s.Publish(ports.ServerEvent{Status: ports.ServerStarted})
	return nil
}

func (s *Server) Stop(context.Context) error {
	s.mu.Lock()
	s.StopCalls++
	attempt := s.StopCalls
	onStop := s.OnStop
	s.mu.Unlock()

	ev := ports.ServerEvent{Status: ports.ServerStopped}
	if onStop != nil {
		ev = onStop(attempt)
	}
	if ev.Status == ports.ServerStopped {
		s.mu.Lock()
		s.status = ports.ServerStopped
		s.mu.Unlock()
	}
	s.Publish(ev)
	return nil
}

func (s *Server) Subscribe(fn func(ports.ServerEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Listeners returns the number of registered listeners.
func (s *Server) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Publish delivers ev to every listener registered at the time of the call.
func (s *Server) Publish(ev ports.ServerEvent) {
	s.mu.Lock()
	fns := make([]func(ports.ServerEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Calls returns the number of start and stop requests.
func (s *Server) Calls() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCalls, s.StopCalls
}
