// Package healthz serves the proxy's /healthz and /readyz endpoints.
// Adapted from the teacher's internal/api.HealthServer: same shape
// (atomic ready flag, plain net/http mux), but readiness is driven by
// the bridge's actual robot/cloud connection state instead of a single
// static flag.
package healthz

import (
	"context"
	"net/http"
	"sync/atomic"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("healthz")

// StatusProvider reports the bridge's current connection state.
type StatusProvider interface {
	RobotConnected() bool
	CloudConnected() bool
}

// Server hosts /healthz and /readyz.
type Server struct {
	server *http.Server
	ready  atomic.Bool
	status StatusProvider
}

// New builds a health server bound to addr. status may be nil, in which
// case /readyz reports the robot as not connected.
func New(addr string, status StatusProvider) *Server {
	mux := http.NewServeMux()
	s := &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		status: status,
	}
	s.ready.Store(false)

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Infof("health server listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("health server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the health server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// SetReady marks the proxy as ready or not ready to serve.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}

	robot, cloud := false, false
	if s.status != nil {
		robot = s.status.RobotConnected()
		cloud = s.status.CloudConnected()
	}
	if !robot {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("robot not connected"))
		return
	}

	w.WriteHeader(http.StatusOK)
	if cloud {
		w.Write([]byte("ready"))
	} else {
		w.Write([]byte("ready (cloud disconnected)"))
	}
}
