package muxserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpan/fsocks/internal/metrics"
	"github.com/evilpan/fsocks/internal/socks5"
	"github.com/evilpan/fsocks/internal/tunnel"
	"github.com/evilpan/fsocks/internal/wire"
)

// pipeDialer hands back one side of a net.Pipe and hands the other to the
// test so it can play the role of the dialed target without touching the
// network.
type pipeDialer struct {
	targetSide chan net.Conn
	fail       bool
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{targetSide: make(chan net.Conn, 8)}
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.fail {
		return nil, errTestDialFailed
	}
	a, b := net.Pipe()
	d.targetSide <- b
	return a, nil
}

var errTestDialFailed = &dialError{"dial failed"}

type dialError struct{ msg string }

func (e *dialError) Error() string { return e.msg }

func establishedPair(t *testing.T) (*tunnel.Tunnel, *tunnel.Tunnel) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	clientTun := tunnel.New(clientConn, "shared-secret", zerolog.Nop())
	serverTun := tunnel.New(serverConn, "shared-secret", zerolog.Nop())
	now := func() time.Time { return time.Unix(1_700_000_000, 0) }

	errc := make(chan error, 2)
	go func() { errc <- clientTun.ClientHandshake(context.Background(), now) }()
	go func() { errc <- serverTun.ServerHandshake(context.Background(), now, nil) }()
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)
	return clientTun, serverTun
}

func TestRequestConnectSuccessAndRelay(t *testing.T) {
	clientTun, serverTun := establishedPair(t)
	dialer := newPipeDialer()
	srv := New(serverTun, zerolog.Nop()).WithDialer(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	req := socks5.NewRequest("example.com", 80)
	require.NoError(t, clientTun.WriteMessage(wire.Request{Src: 1, Dst: 0, Socks: req}))

	m, err := clientTun.ReadMessage(ctx)
	require.NoError(t, err)
	reply, ok := m.(wire.Reply)
	require.True(t, ok)
	assert.Equal(t, uint32(1), reply.Dst)
	assert.Equal(t, byte(socks5.Succeeded), reply.Socks.Code)
	remoteID := reply.Src

	var targetConn net.Conn
	select {
	case targetConn = <-dialer.targetSide:
	case <-time.After(time.Second):
		t.Fatal("server never dialed target")
	}

	require.NoError(t, clientTun.WriteMessage(wire.Relaying{Src: 1, Dst: remoteID, Payload: []byte("GET / HTTP/1.1\r\n\r\n")}))

	buf := make([]byte, 64)
	targetConn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := targetConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(buf[:n]))

	_, err = targetConn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)

	m, err = clientTun.ReadMessage(ctx)
	require.NoError(t, err)
	rel, ok := m.(wire.Relaying)
	require.True(t, ok)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(rel.Payload))
}

func TestRequestConnectFailureRepliesNetworkUnreachable(t *testing.T) {
	clientTun, serverTun := establishedPair(t)
	dialer := newPipeDialer()
	dialer.fail = true
	srv := New(serverTun, zerolog.Nop()).WithDialer(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	req := socks5.NewRequest("example.com", 80)
	require.NoError(t, clientTun.WriteMessage(wire.Request{Src: 9, Dst: 0, Socks: req}))

	m, err := clientTun.ReadMessage(ctx)
	require.NoError(t, err)
	reply, ok := m.(wire.Reply)
	require.True(t, ok)
	assert.Equal(t, uint32(9), reply.Dst)
	assert.Equal(t, byte(socks5.NetworkUnreachable), reply.Socks.Code)
	assert.Equal(t, 0, srv.table.Len())
}

func TestCloseTearsDownChannel(t *testing.T) {
	clientTun, serverTun := establishedPair(t)
	dialer := newPipeDialer()
	srv := New(serverTun, zerolog.Nop()).WithDialer(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	require.NoError(t, clientTun.WriteMessage(wire.Request{Src: 4, Dst: 0, Socks: socks5.NewRequest("example.com", 80)}))
	m, err := clientTun.ReadMessage(ctx)
	require.NoError(t, err)
	reply := m.(wire.Reply)

	var targetConn net.Conn
	select {
	case targetConn = <-dialer.targetSide:
	case <-time.After(time.Second):
		t.Fatal("server never dialed target")
	}
	defer targetConn.Close()

	require.NoError(t, clientTun.WriteMessage(wire.Close{Src: 4}))
	assert.Eventually(t, func() bool { return srv.table.Len() == 0 }, time.Second, 10*time.Millisecond)
	_ = reply
}

// TestPeerCloseRacingPipeEOFTearsDownExactlyOnce covers a peer-initiated
// CLOSE racing pipe's own Conn.Read unblocking from that same Close: both
// paths call closeChannel, but teardown effects (gauge decrement,
// outbound CLOSE) must fire only once.
func TestPeerCloseRacingPipeEOFTearsDownExactlyOnce(t *testing.T) {
	clientTun, serverTun := establishedPair(t)
	dialer := newPipeDialer()
	reg := metrics.New()
	srv := New(serverTun, zerolog.Nop()).WithDialer(dialer).WithMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	require.NoError(t, clientTun.WriteMessage(wire.Request{Src: 7, Dst: 0, Socks: socks5.NewRequest("example.com", 80)}))
	m, err := clientTun.ReadMessage(ctx)
	require.NoError(t, err)
	reply, ok := m.(wire.Reply)
	require.True(t, ok)
	assert.Equal(t, byte(socks5.Succeeded), reply.Socks.Code)

	select {
	case <-dialer.targetSide:
	case <-time.After(time.Second):
		t.Fatal("server never dialed target")
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(reg.ChannelsActive))

	require.NoError(t, clientTun.WriteMessage(wire.Close{Src: 7}))

	assert.Eventually(t, func() bool { return srv.table.Len() == 0 }, time.Second, 10*time.Millisecond)
	// Give pipe's goroutine time to observe the closed target conn and
	// race its own closeChannel call in; a non-idempotent teardown would
	// decrement the gauge a second time here.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.ChannelsActive))

	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	_, err = clientTun.ReadMessage(readCtx)
	assert.Error(t, err, "a second CLOSE must not be emitted for an already-torn-down channel")
}
