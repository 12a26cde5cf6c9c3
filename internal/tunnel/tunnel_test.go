package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evilpan/fsocks/internal/transform"
	"github.com/evilpan/fsocks/internal/wire"
)

func discardLogger() zerolog.Logger { return zerolog.Nop() }

func TestHandshakeEndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, "shared-secret", discardLogger())
	server := New(serverConn, "shared-secret", discardLogger())

	now := func() time.Time { return time.Unix(1_700_000_000, 0) }

	errc := make(chan error, 2)
	go func() { errc <- client.ClientHandshake(context.Background(), now) }()
	go func() { errc <- server.ServerHandshake(context.Background(), now, nil) }()

	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	require.NotNil(t, client.Chain())
	require.NotNil(t, server.Chain())
	assert.Equal(t, server.Chain().String(), client.Chain().String())
	assert.LessOrEqual(t, len(client.Chain().Transforms()), 2)
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, "shared-secret", discardLogger())
	server := New(serverConn, "shared-secret", discardLogger())

	serverNow := func() time.Time { return time.Unix(1_700_000_000, 0) }

	errc := make(chan error, 1)
	go func() { errc <- server.ServerHandshake(context.Background(), serverNow, nil) }()

	// Drive the client side by hand: ClientHandshake always echoes the
	// server's HELLO timestamp verbatim, so a stale echo has to be forged.
	require.NoError(t, client.WriteMessage(wire.Hello{Timestamp: 1_700_000_000}))
	m, err := client.ReadMessage(context.Background())
	require.NoError(t, err)
	serverHello, ok := m.(wire.Hello)
	require.True(t, ok)

	offered, err := transform.All()
	require.NoError(t, err)
	offeredChain, err := transform.NewChain(offered)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(wire.Handshake{Timestamp: serverHello.Timestamp - 1000, Chain: offeredChain}))

	assert.ErrorIs(t, <-errc, ErrHandshakeTimestamp, "the server must reject a stale handshake timestamp")
}

func TestMessageRoundtripAfterHandshake(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, "shared-secret", discardLogger())
	server := New(serverConn, "shared-secret", discardLogger())
	now := func() time.Time { return time.Unix(1_700_000_000, 0) }

	errc := make(chan error, 2)
	go func() { errc <- client.ClientHandshake(context.Background(), now) }()
	go func() { errc <- server.ServerHandshake(context.Background(), now, nil) }()
	require.NoError(t, <-errc)
	require.NoError(t, <-errc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := client.WriteMessage(wire.Relaying{Src: 3, Dst: 5, Payload: []byte("GET / HTTP/1.1\r\n\r\n")})
		require.NoError(t, err)
	}()

	m, err := server.ReadMessage(context.Background())
	require.NoError(t, err)
	rel, ok := m.(wire.Relaying)
	require.True(t, ok)
	assert.Equal(t, uint32(3), rel.Src)
	assert.Equal(t, uint32(5), rel.Dst)
	assert.Equal(t, []byte("GET / HTTP/1.1\r\n\r\n"), rel.Payload)
	<-done
}

func TestReadMessageRespectsContextCancellation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := New(serverConn, "shared-secret", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { _, err := server.ReadMessage(ctx); errc <- err }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadMessage did not observe context cancellation")
	}
}

func TestChannelTableLifecycle(t *testing.T) {
	tb := NewTable()
	ch := &Channel{}
	id := tb.Allocate(ch)
	assert.Equal(t, uint32(1), id)

	got, ok := tb.Get(id)
	require.True(t, ok)
	assert.Same(t, ch, got)

	ch.RemoteID = 42
	tb.Insert(ch)
	byRemote, ok := tb.GetByRemoteID(42)
	require.True(t, ok)
	assert.Same(t, ch, byRemote)

	assert.Equal(t, 1, tb.Len())
	tb.Delete(id)
	assert.Equal(t, 0, tb.Len())
	_, ok = tb.Get(id)
	assert.False(t, ok)
}

func TestChannelTableEachSnapshotsBeforeCallback(t *testing.T) {
	tb := NewTable()
	a := &Channel{}
	b := &Channel{}
	tb.Allocate(a)
	tb.Allocate(b)

	var seen []uint32
	tb.Each(func(ch *Channel) {
		seen = append(seen, ch.ID)
		tb.Delete(ch.ID)
	})
	assert.Len(t, seen, 2)
	assert.Equal(t, 0, tb.Len())
}
