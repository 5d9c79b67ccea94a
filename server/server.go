// Package server is the root lifecycle object: it constructs every
// component in dependency order, wires the capability hooks that would
// otherwise create import cycles, and exposes a minimal HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/cleanup"
	"github.com/outpostlabs/sessiond/layout"
	"github.com/outpostlabs/sessiond/ptymux"
	"github.com/outpostlabs/sessiond/session"
	"github.com/outpostlabs/sessiond/sessionstore"
	"github.com/outpostlabs/sessiond/supervisor"
	"github.com/outpostlabs/sessiond/transport"
	"github.com/outpostlabs/sessiond/workspace"
)

// Config configures Server construction.
type Config struct {
	DatabaseDSN string
	HistoryDir  string
	ListenAddr  string
	Workspaces  []workspace.Workspace
}

// Server is the root lifecycle object composing every package.
type Server struct {
	cfg Config
	log *logrus.Entry

	store      *sessionstore.Store
	sessions   *session.Manager
	layouts    *layout.Engine
	mux        *ptymux.Multiplexer
	supervisor *supervisor.Supervisor
	cleanup    *cleanup.Coordinator
	workspaces workspace.Service
	hub        *transport.WSHub

	router *gin.Engine
	http   *http.Server
}

// New constructs every component in dependency order: store, then the
// restart-recovery sweep, then the session manager (so its cache
// reconciliation sees already-cleaned state), then layout/workspaces (so
// ptymux can be built with both), then ptymux/supervisor/cleanup, wiring the
// session manager's PidAlive hook to the supervisor and the multiplexer's
// broadcaster to the transport hub.
func New(cfg Config, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "server.Server")

	store, err := sessionstore.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	if n, err := ptymux.RestartRecovery(store, time.Now()); err != nil {
		log.WithError(err).Warn("restart recovery failed")
	} else if n > 0 {
		log.WithField("count", n).Info("restart recovery terminated stale active sessions")
	}

	sessions, err := session.NewManager(store, session.SystemClock{}, log)
	if err != nil {
		return nil, fmt.Errorf("server: new session manager: %w", err)
	}

	layouts := layout.NewEngine(store, log)
	workspaces := workspace.NewStaticService(cfg.Workspaces)

	mux, err := ptymux.New(sessions, workspaces, layouts, cfg.HistoryDir, log)
	if err != nil {
		return nil, fmt.Errorf("server: new multiplexer: %w", err)
	}

	sup := supervisor.New(store, supervisor.SystemClock{}, log)
	sessions.SetPidAliveChecker(sup.IsProcessAlive)

	coordinator := cleanup.New(store, log)

	hub := transport.NewWSHub(log)
	mux.SetBroadcaster(hub)

	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      store,
		sessions:   sessions,
		layouts:    layouts,
		mux:        mux,
		supervisor: sup,
		cleanup:    coordinator,
		workspaces: workspaces,
		hub:        hub,
	}
	s.router = s.setupRouter()
	return s, nil
}

// Start launches background loops and the HTTP listener. It returns once the
// listener is serving; call Shutdown to stop everything.
func (s *Server) Start() error {
	s.mux.Start()
	if err := s.supervisor.Start(); err != nil {
		return fmt.Errorf("server: start supervisor: %w", err)
	}
	if err := s.cleanup.Start(); err != nil {
		return fmt.Errorf("server: start cleanup coordinator: %w", err)
	}

	s.http = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown stops the HTTP listener and every background component, in
// reverse dependency order.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("Shutdown: http server shutdown failed")
		}
	}
	s.cleanup.Stop()
	if err := s.supervisor.Stop(); err != nil {
		s.log.WithError(err).Warn("Shutdown: supervisor stop failed")
	}
	s.mux.Shutdown()
	s.sessions.Cleanup()
	return s.store.Close()
}
