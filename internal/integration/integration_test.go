// Package integration exercises the client multiplexer and server
// demultiplexer together over a single in-memory tunnel, the way
// cmd/fsocks-client and cmd/fsocks-server wire them in production.
package integration

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpan/fsocks/internal/muxclient"
	"github.com/evilpan/fsocks/internal/muxserver"
	"github.com/evilpan/fsocks/internal/socks5"
	"github.com/evilpan/fsocks/internal/tunnel"
)

type pipeDialer struct {
	targetSide chan net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	a, b := net.Pipe()
	d.targetSide <- b
	return a, nil
}

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

// TestTenFramesEachDirectionThenCloseDrainsBothTables drives a full
// REQUEST -> REPLY(SUCCEEDED) -> 10 RELAYING frames each way -> CLOSE
// session through both multiplexers and checks every payload arrives in
// order at both endpoints, with both channel tables empty afterward.
func TestTenFramesEachDirectionThenCloseDrainsBothTables(t *testing.T) {
	clientTun, serverTun := establishedPair(t)

	dialer := &pipeDialer{targetSide: make(chan net.Conn, 1)}
	client := muxclient.New(clientTun, zerolog.Nop())
	server := muxserver.New(serverTun, zerolog.Nop()).WithDialer(dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	go server.Run(ctx)

	userConn, agentConn := net.Pipe()
	defer agentConn.Close()
	go client.HandleConn(ctx, userConn)

	_, err := agentConn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	greet := make([]byte, 2)
	_, err = agentConn.Read(greet)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, greet)

	req := socks5.NewRequest("example.com", 80)
	enc, err := req.Encode()
	require.NoError(t, err)
	_, err = agentConn.Write(enc)
	require.NoError(t, err)

	var targetConn net.Conn
	select {
	case targetConn = <-dialer.targetSide:
	case <-time.After(time.Second):
		t.Fatal("server never dialed target")
	}
	defer targetConn.Close()

	replyBytes := make([]byte, 10)
	n, err := agentConn.Read(replyBytes)
	require.NoError(t, err)
	decoded, _, err := socks5.DecodeMessage(replyBytes[:n])
	require.NoError(t, err)
	require.Equal(t, byte(socks5.Succeeded), decoded.Code)

	for i := 0; i < 10; i++ {
		up := []byte(fmt.Sprintf("up-%02d", i))
		_, err := agentConn.Write(up)
		require.NoError(t, err)

		buf := make([]byte, 32)
		targetConn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := targetConn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, string(up), string(buf[:n]))
	}

	for i := 0; i < 10; i++ {
		down := []byte(fmt.Sprintf("down-%02d", i))
		_, err := targetConn.Write(down)
		require.NoError(t, err)

		buf := make([]byte, 32)
		agentConn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := agentConn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, string(down), string(buf[:n]))
	}

	require.NoError(t, targetConn.Close())

	assert.Eventually(t, func() bool {
		return client.ChannelCount() == 0 && server.ChannelCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
