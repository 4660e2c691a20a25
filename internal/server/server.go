// Package server assembles the dispatch core and transports and drives the
// lifecycle state machine around them. Its Start/Stop pair and health
// snapshot are the surface a process supervisor needs for liveness checks
// and graceful shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/RobinCoderZhao/toolgate/internal/lifecycle"
	"github.com/RobinCoderZhao/toolgate/internal/transport"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

// Server owns the HTTP transport and the lifecycle tracker.
type Server struct {
	httpSrv  *transport.HTTPServer
	tracker  *lifecycle.Tracker
	registry *toolkit.Registry
	logger   *slog.Logger

	serveErr chan error
}

// New wires a server around an already-constructed HTTP adapter.
func New(httpSrv *transport.HTTPServer, tracker *lifecycle.Tracker, registry *toolkit.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpSrv:  httpSrv,
		tracker:  tracker,
		registry: registry,
		logger:   logger,
	}
}

// Start binds the HTTP transport and moves the server to running. A bind
// failure lands the state machine in error.
func (s *Server) Start() error {
	if err := s.tracker.Transition(lifecycle.StateStarting); err != nil {
		return err
	}

	s.serveErr = make(chan error, 1)
	go func() {
		err := s.httpSrv.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.tracker.Fail(err)
		}
		s.serveErr <- err
	}()

	// Give the listener a beat to surface an immediate bind error before
	// declaring the server running.
	select {
	case err := <-s.serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-time.After(100 * time.Millisecond):
	}

	if err := s.tracker.Transition(lifecycle.StateRunning); err != nil {
		return err
	}
	s.logger.Info("server running", "tools", s.registry.Len())
	return nil
}

// Stop drains the transports and moves the server to stopped. The context
// bounds the drain.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.tracker.Transition(lifecycle.StateStopping); err != nil {
		return err
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.tracker.Fail(err)
		return err
	}
	if err := s.tracker.Transition(lifecycle.StateStopped); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Restart recovers from the error state by stopping whatever is still bound
// and starting again.
func (s *Server) Restart(ctx context.Context) error {
	if s.tracker.State() != lifecycle.StateStopped {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("shutdown during restart", "error", err)
		}
		// Force the state machine back through stopped regardless of where
		// the fault left it.
		_ = s.tracker.Transition(lifecycle.StateStopping)
		_ = s.tracker.Transition(lifecycle.StateStopped)
	}
	return s.Start()
}

// Health returns the composed health snapshot.
func (s *Server) Health() lifecycle.Health {
	return s.tracker.GetHealth(s.registry.Len())
}
