// Package muxserver implements the server-side demultiplexer: it turns
// REQUEST frames into outbound TCP connections to the requested target,
// pumps bytes back as RELAYING frames, and tears channels down on CLOSE or
// target EOF.
package muxserver

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/evilpan/fsocks/internal/accounting"
	"github.com/evilpan/fsocks/internal/metrics"
	"github.com/evilpan/fsocks/internal/ratelimit"
	"github.com/evilpan/fsocks/internal/socks5"
	"github.com/evilpan/fsocks/internal/tunnel"
	"github.com/evilpan/fsocks/internal/wire"
)

// DefaultConnectTimeout is applied when Server.ConnectTimeout is zero, per
// spec.md §6's documented default of 6 seconds.
const DefaultConnectTimeout = 6 * time.Second

// Dialer abstracts outbound connection establishment so tests can swap in
// a fake without touching the network.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Server is one tunnel's worth of server-side demultiplexing state.
type Server struct {
	tun            *tunnel.Tunnel
	table          *tunnel.Table
	log            zerolog.Logger
	dialer         Dialer
	ConnectTimeout time.Duration
	bucket         *ratelimit.Bucket
	metrics        *metrics.Registry
	acct           *accounting.Store
}

// New returns a Server demultiplexing sessions over tun.
func New(tun *tunnel.Tunnel, log zerolog.Logger) *Server {
	return &Server{
		tun:    tun,
		table:  tunnel.NewTable(),
		log:    log.With().Str("component", "muxserver").Logger(),
		dialer: netDialer{},
	}
}

// ChannelCount reports how many channels are currently open on this
// server's tunnel, used by the admin surface's /tunnels snapshot.
func (s *Server) ChannelCount() int {
	return s.table.Len()
}

// WithDialer overrides the dialer used to reach targets; used by tests.
func (s *Server) WithDialer(d Dialer) *Server {
	s.dialer = d
	return s
}

// WithRateLimit caps the aggregate byte rate of traffic relayed from
// targets back into the tunnel, shared across every channel on this
// server. A nil bucket (the default) leaves relaying unlimited.
func (s *Server) WithRateLimit(b *ratelimit.Bucket) *Server {
	s.bucket = b
	return s
}

// WithMetrics attaches a metrics registry that channel and relay events
// update. A nil registry (the default) disables metrics recording.
func (s *Server) WithMetrics(m *metrics.Registry) *Server {
	s.metrics = m
	return s
}

// WithAccounting attaches a store that receives one Record per closed
// channel. A nil store (the default) disables accounting.
func (s *Server) WithAccounting(a *accounting.Store) *Server {
	s.acct = a
	return s
}

func (s *Server) observeRelayed(direction string, n int) {
	if s.metrics != nil {
		s.metrics.ObserveRelayed(direction, n)
	}
}

func (s *Server) connectTimeout() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// Run reads frames off the tunnel until it dies, dispatching REQUEST,
// RELAYING, and CLOSE. It force-closes every live channel before
// returning.
func (s *Server) Run(ctx context.Context) error {
	defer s.forceCloseAll()
	for {
		m, err := s.tun.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, m); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, m wire.Message) error {
	switch msg := m.(type) {
	case wire.Request:
		go s.handleRequest(ctx, msg)
	case wire.Relaying:
		s.handleRelaying(msg)
	case wire.Close:
		s.handleClose(msg)
	default:
		return errors.Wrapf(tunnel.ErrProtocol, "muxserver: unexpected %T on established tunnel", m)
	}
	return nil
}

func (s *Server) handleRequest(ctx context.Context, req wire.Request) {
	if socks5.Command(req.Socks.Code) != socks5.CmdConnect {
		s.replyError(req.Src, socks5.CommandNotSupported)
		return
	}

	target := net.JoinHostPort(req.Socks.Addr, strconv.Itoa(int(req.Socks.Port)))
	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout())
	defer cancel()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		s.log.Debug().Err(err).Str("target", target).Msg("target connect failed")
		s.replyError(req.Src, socks5.NetworkUnreachable)
		return
	}

	ch := &tunnel.Channel{
		RemoteID:   req.Src,
		State:      tunnel.StateData,
		Conn:       conn,
		TargetAddr: target,
		OpenedAt:   time.Now(),
	}
	id := s.table.Allocate(ch)
	if s.metrics != nil {
		s.metrics.ChannelsActive.Inc()
	}

	bindAddr, bindPort := splitHostPort(conn.LocalAddr())
	reply := wire.Reply{
		Src:   id,
		Dst:   req.Src,
		Socks: socks5.NewReply(socks5.Succeeded, bindAddr, bindPort),
	}
	if err := s.tun.WriteMessage(reply); err != nil {
		s.closeChannel(ch, false)
		return
	}

	s.pipe(ctx, ch)
}

func (s *Server) replyError(userID uint32, code socks5.ReplyCode) {
	if s.metrics != nil {
		s.metrics.ObserveConnectFailure(strconv.Itoa(int(code)))
	}
	reply := wire.Reply{
		Src:   0,
		Dst:   userID,
		Socks: socks5.NewReply(code, "255.255.255.255", 0),
	}
	if err := s.tun.WriteMessage(reply); err != nil {
		s.log.Debug().Err(err).Msg("failed to send error reply")
	}
}

func (s *Server) handleRelaying(r wire.Relaying) {
	ch, ok := s.table.Get(r.Dst)
	if !ok {
		s.log.Debug().Uint32("dst", r.Dst).Msg("dropping relaying for unknown channel")
		return
	}
	if _, err := ch.Conn.Write(r.Payload); err != nil {
		s.log.Debug().Err(err).Uint32("id", r.Dst).Msg("write to target socket failed")
		s.closeChannel(ch, true)
		return
	}
	ch.AddBytesUp(int64(len(r.Payload)))
	s.observeRelayed(metrics.DirectionUpstream, len(r.Payload))
}

func (s *Server) handleClose(cl wire.Close) {
	ch, ok := s.table.GetByRemoteID(cl.Src)
	if !ok {
		s.log.Debug().Uint32("user_id", cl.Src).Msg("dropping close for unknown channel")
		return
	}
	s.closeChannel(ch, false)
}

// closeChannel tears ch down at most once: a peer-initiated CLOSE and the
// local pipe's own EOF/error can both race to close the same channel (the
// CLOSE's Conn.Close unblocks pipe's blocking Read), so everything here
// runs inside ch.CloseOnce to keep the metrics gauge, the accounting log,
// and any outbound CLOSE frame each firing exactly once per channel.
func (s *Server) closeChannel(ch *tunnel.Channel, notifyPeer bool) {
	ch.CloseOnce(func() {
		s.table.Delete(ch.ID)
		_ = ch.Conn.Close()
		if notifyPeer {
			_ = s.tun.WriteMessage(wire.Close{Src: ch.ID})
		}
		if s.metrics != nil {
			s.metrics.ChannelsActive.Dec()
		}
		if s.acct != nil {
			if err := s.acct.Append(accounting.Record{
				UserID:     ch.RemoteID,
				RemoteID:   ch.ID,
				TargetAddr: ch.TargetAddr,
				BytesUp:    ch.BytesUp(),
				BytesDown:  ch.BytesDown(),
				OpenedAt:   ch.OpenedAt,
				ClosedAt:   time.Now(),
			}); err != nil {
				s.log.Debug().Err(err).Uint32("id", ch.ID).Msg("failed to append accounting record")
			}
		}
	})
}

func (s *Server) forceCloseAll() {
	s.table.Each(func(ch *tunnel.Channel) {
		_ = ch.Conn.Close()
	})
}

// pipe relays bytes from the target socket into RELAYING frames until EOF
// or error, then emits CLOSE and removes the channel.
func (s *Server) pipe(ctx context.Context, ch *tunnel.Channel) {
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
			if terr := s.bucket.Take(ctx, int64(n)); terr != nil {
				break
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := s.tun.WriteMessage(wire.Relaying{Src: ch.ID, Dst: ch.RemoteID, Payload: payload}); werr != nil {
				break
			}
			ch.AddBytesDown(int64(n))
			s.observeRelayed(metrics.DirectionDownstream, n)
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Uint32("id", ch.ID).Msg("target socket read error")
			}
			break
		}
	}
	s.closeChannel(ch, true)
}

func splitHostPort(addr net.Addr) (string, uint16) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "0.0.0.0", 0
	}
	return tcp.IP.String(), uint16(tcp.Port)
}
