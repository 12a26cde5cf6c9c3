// Package muxclient implements the client-side multiplexer: it accepts
// SOCKS5 connections from a user agent, turns each into a channel over a
// shared tunnel, and pumps bytes between the user socket and the tunnel
// for the channel's lifetime.
package muxclient

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/evilpan/fsocks/internal/metrics"
	"github.com/evilpan/fsocks/internal/ratelimit"
	"github.com/evilpan/fsocks/internal/socks5"
	"github.com/evilpan/fsocks/internal/tunnel"
	"github.com/evilpan/fsocks/internal/wire"
)

// Client is one tunnel's worth of client-side multiplexing state: the
// channel table and the bookkeeping needed to wake a session up once its
// REPLY arrives.
type Client struct {
	tun   *tunnel.Tunnel
	table *tunnel.Table
	log   zerolog.Logger

	waitersMu sync.Mutex
	waiters   map[uint32]chan wire.Reply

	bucket  *ratelimit.Bucket
	metrics *metrics.Registry
}

// New returns a Client multiplexing sessions over tun.
func New(tun *tunnel.Tunnel, log zerolog.Logger) *Client {
	return &Client{
		tun:     tun,
		table:   tunnel.NewTable(),
		log:     log.With().Str("component", "muxclient").Logger(),
		waiters: make(map[uint32]chan wire.Reply),
	}
}

// WithRateLimit caps the aggregate byte rate of traffic relayed from user
// sockets into the tunnel, shared across every session on this client. A
// nil bucket (the default) leaves relaying unlimited.
func (c *Client) WithRateLimit(b *ratelimit.Bucket) *Client {
	c.bucket = b
	return c
}

// WithMetrics attaches a metrics registry that channel and relay events
// update. A nil registry (the default) disables metrics recording.
func (c *Client) WithMetrics(m *metrics.Registry) *Client {
	c.metrics = m
	return c
}

// ChannelCount reports how many channels are currently in this client's
// table, including sessions still waiting on their REPLY.
func (c *Client) ChannelCount() int {
	return c.table.Len()
}

func (c *Client) observeRelayed(direction string, n int) {
	if c.metrics != nil {
		c.metrics.ObserveRelayed(direction, n)
	}
}

// Run reads frames off the tunnel until it dies, dispatching REPLY,
// RELAYING, and CLOSE to their channels. It returns once the tunnel's read
// loop ends, having force-closed every live channel, per spec.md §4.6's
// tunnel-death rule.
func (c *Client) Run(ctx context.Context) error {
	defer c.forceCloseAll()
	for {
		m, err := c.tun.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.dispatch(m); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(m wire.Message) error {
	switch msg := m.(type) {
	case wire.Reply:
		return c.handleReply(msg)
	case wire.Relaying:
		return c.handleRelaying(msg)
	case wire.Close:
		c.handleClose(msg)
	default:
		return errors.Wrapf(tunnel.ErrProtocol, "muxclient: unexpected %T on established tunnel", m)
	}
	return nil
}

func (c *Client) handleReply(r wire.Reply) error {
	c.waitersMu.Lock()
	waiter, ok := c.waiters[r.Dst]
	if ok {
		delete(c.waiters, r.Dst)
	}
	c.waitersMu.Unlock()
	if !ok {
		// A REPLY naming a session we never asked about, or asked about
		// twice, is a protocol-layer ordering violation (spec.md §4.6:
		// "a RELAYING arriving before REPLY is a protocol error"; the same
		// applies to a stray/duplicate REPLY).
		return errors.Wrapf(tunnel.ErrProtocol, "muxclient: reply for unknown session %d", r.Dst)
	}
	waiter <- r
	return nil
}

func (c *Client) handleRelaying(r wire.Relaying) error {
	ch, ok := c.table.Get(r.Dst)
	if !ok {
		c.log.Debug().Uint32("dst", r.Dst).Msg("dropping relaying for unknown channel")
		return nil
	}
	if ch.State != tunnel.StateData {
		// spec.md §4.6: a RELAYING arriving before its channel's REPLY is
		// a protocol-layer ordering violation, not a droppable race — the
		// channel is allocated (and visible in the table) as soon as the
		// REQUEST is sent, but it isn't valid to relay into until REPLY
		// has been seen.
		return errors.Wrapf(tunnel.ErrProtocol, "muxclient: relaying for channel %d before its reply", r.Dst)
	}
	if _, err := ch.Conn.Write(r.Payload); err != nil {
		c.log.Debug().Err(err).Uint32("id", r.Dst).Msg("write to user socket failed")
		c.closeChannel(ch, true)
		return nil
	}
	ch.AddBytesDown(int64(len(r.Payload)))
	c.observeRelayed(metrics.DirectionDownstream, len(r.Payload))
	return nil
}

func (c *Client) handleClose(cl wire.Close) {
	ch, ok := c.table.GetByRemoteID(cl.Src)
	if !ok {
		c.log.Debug().Uint32("remote_id", cl.Src).Msg("dropping close for unknown channel")
		return
	}
	c.closeChannel(ch, false)
}

// closeChannel tears ch down at most once: a peer-initiated CLOSE and the
// local pipe's own EOF/error can both race to close the same channel (the
// CLOSE's Conn.Close unblocks pipe's blocking Read), so the teardown runs
// inside ch.CloseOnce to keep the metrics gauge and any outbound CLOSE
// frame each firing exactly once per channel.
func (c *Client) closeChannel(ch *tunnel.Channel, notifyPeer bool) {
	ch.CloseOnce(func() {
		c.table.Delete(ch.ID)
		_ = ch.Conn.Close()
		if notifyPeer {
			_ = c.tun.WriteMessage(wire.Close{Src: ch.ID})
		}
		if c.metrics != nil {
			c.metrics.ChannelsActive.Dec()
		}
	})
}

func (c *Client) forceCloseAll() {
	c.table.Each(func(ch *tunnel.Channel) {
		_ = ch.Conn.Close()
	})
	c.waitersMu.Lock()
	for id, w := range c.waiters {
		close(w)
		delete(c.waiters, id)
	}
	c.waitersMu.Unlock()
}

// HandleConn drives one accepted user connection through
// ACCEPT→GREETED→CONNECTED→PIPING, per spec.md §4.6. It blocks for the
// session's lifetime.
func (c *Client) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if _, err := socks5.ReadClientGreeting(conn); err != nil {
		c.log.Debug().Err(err).Msg("failed to read socks5 greeting")
		return
	}
	if _, err := conn.Write(socks5.NewServerGreeting().Encode()); err != nil {
		return
	}

	req, err := socks5.ReadMessage(conn)
	if err != nil {
		c.log.Debug().Err(err).Msg("failed to read socks5 request")
		return
	}
	if socks5.Command(req.Code) != socks5.CmdConnect {
		reply := socks5.NewReply(socks5.CommandNotSupported, "0.0.0.0", 0)
		if enc, err := reply.Encode(); err == nil {
			conn.Write(enc)
		}
		return
	}

	ch := &tunnel.Channel{State: tunnel.StateIdle, Conn: conn}
	id := c.table.Allocate(ch)
	ch.State = tunnel.StateCmd

	waiter := make(chan wire.Reply, 1)
	c.waitersMu.Lock()
	c.waiters[id] = waiter
	c.waitersMu.Unlock()

	if err := c.tun.WriteMessage(wire.Request{Src: id, Dst: 0, Socks: req}); err != nil {
		c.table.Delete(id)
		return
	}

	reply, ok := <-waiter
	if !ok {
		// Tunnel died while this session waited on its reply.
		c.table.Delete(id)
		return
	}

	ch.RemoteID = reply.Src
	ch.State = tunnel.StateData
	ch.OpenedAt = time.Now()
	c.table.Insert(ch)
	if c.metrics != nil {
		c.metrics.ChannelsActive.Inc()
	}

	enc, err := reply.Socks.Encode()
	if err != nil {
		c.closeChannel(ch, true)
		return
	}
	if _, err := conn.Write(enc); err != nil {
		c.closeChannel(ch, true)
		return
	}
	if reply.Socks.Code != byte(socks5.Succeeded) {
		c.closeChannel(ch, false)
		return
	}

	c.pipe(ctx, ch)
}

// pipe relays bytes from the user socket into RELAYING frames until EOF or
// error, then emits CLOSE and removes the channel.
func (c *Client) pipe(ctx context.Context, ch *tunnel.Channel) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Conn.Read(buf)
		if n > 0 {
			if terr := c.bucket.Take(ctx, int64(n)); terr != nil {
				break
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := c.tun.WriteMessage(wire.Relaying{Src: ch.ID, Dst: ch.RemoteID, Payload: payload}); werr != nil {
				break
			}
			ch.AddBytesUp(int64(n))
			c.observeRelayed(metrics.DirectionUpstream, n)
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug().Err(err).Uint32("id", ch.ID).Msg("user socket read error")
			}
			break
		}
	}
	c.closeChannel(ch, true)
}
