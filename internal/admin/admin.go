// Package admin implements the server's optional observability HTTP
// surface: liveness, Prometheus exposition, and a read-only JSON
// snapshot of live tunnels. Disabled unless Config.AdminAddr is set.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evilpan/fsocks/internal/metrics"
)

// TunnelSnapshot is one tunnel's entry in the /tunnels listing.
type TunnelSnapshot struct {
	ID       string `json:"id"`
	Channels int    `json:"channels"`
}

// Snapshotter reports the current set of live tunnels.
// cmd/fsocks-server's tunnel registry implements it.
type Snapshotter interface {
	Snapshot() []TunnelSnapshot
}

// Server is the admin HTTP surface. Construct with New and start with
// ListenAndServe in its own goroutine.
type Server struct {
	addr    string
	metrics *metrics.Registry
	log     zerolog.Logger

	mu   sync.RWMutex
	snap Snapshotter

	httpServer *http.Server
}

// New builds an admin Server bound to addr, exposing reg's collectors.
// snap may be nil if no tunnel registry is wired yet; SetSnapshotter
// installs one later.
func New(addr string, reg *metrics.Registry, snap Snapshotter, log zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		metrics: reg,
		snap:    snap,
		log:     log.With().Str("component", "admin").Logger(),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/tunnels", s.handleTunnels)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// SetSnapshotter installs the tunnel registry used by /tunnels.
func (s *Server) SetSnapshotter(snap Snapshotter) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// ListenAndServe runs the admin HTTP listener until it errors or is
// shut down. Intended to be called from its own goroutine.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.addr).Msg("admin surface listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the admin listener down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()

	var tunnels []TunnelSnapshot
	if snap != nil {
		tunnels = snap.Snapshot()
	}
	if tunnels == nil {
		tunnels = []TunnelSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tunnels); err != nil {
		s.log.Debug().Err(err).Msg("failed to encode tunnels snapshot")
	}
}
