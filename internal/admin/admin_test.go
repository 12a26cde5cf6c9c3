package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpan/fsocks/internal/metrics"
)

type fakeSnapshotter struct {
	snap []TunnelSnapshot
}

func (f fakeSnapshotter) Snapshot() []TunnelSnapshot { return f.snap }

func newTestServer() *Server {
	return New("127.0.0.1:0", metrics.New(), nil, zerolog.Nop())
}

func TestHealthzReportsOK(t *testing.T) {
	s := newTestServer()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestTunnelsEmptyWithoutSnapshotter(t *testing.T) {
	s := newTestServer()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tunnels", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestTunnelsReflectsSnapshotter(t *testing.T) {
	s := newTestServer()
	s.SetSnapshotter(fakeSnapshotter{snap: []TunnelSnapshot{{ID: "t1", Channels: 3}}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tunnels", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{"id":"t1","channels":3}]`, rr.Body.String())
}

func TestMetricsExposesRegisteredCollectors(t *testing.T) {
	reg := metrics.New()
	reg.TunnelsActive.Set(2)
	s := New("127.0.0.1:0", reg, nil, zerolog.Nop())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fsocks_tunnels_active 2")
}
