// Package tunnel owns the single TCP connection between a client and a
// server process, the frame reader/writer pair layered on top of it, and
// the negotiated cipher/chain state that protects frames on the wire.
package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/evilpan/fsocks/internal/cipher"
	"github.com/evilpan/fsocks/internal/transform"
	"github.com/evilpan/fsocks/internal/wire"
)

// ErrProtocol is wrapped by every condition spec.md §7 classifies as a
// ProtocolError: it always terminates the tunnel.
var ErrProtocol = errors.New("tunnel: protocol error")

// Tunnel is the single TCP connection carrying every multiplexed channel
// between one client and one server process. Reads happen on the caller's
// goroutine (one per tunnel, per spec.md §5's task granularity); writes are
// serialized behind writeMu so concurrent pump goroutines never interleave
// frames on the wire.
type Tunnel struct {
	conn net.Conn
	log  zerolog.Logger

	outer *cipher.Outer

	chainMu sync.RWMutex
	chain   *transform.Chain // nil until negotiation completes

	writeMu sync.Mutex
	reasm   *wire.Reassembler
	pending []wire.OuterFrame // frames already reassembled, not yet consumed by ReadMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn with the outer cipher derived from password. The returned
// Tunnel has no negotiated chain yet; call ClientHandshake or
// ServerHandshake before exchanging anything but HELLO/HANDSHAKE frames.
func New(conn net.Conn, password string, log zerolog.Logger) *Tunnel {
	return &Tunnel{
		conn:   conn,
		log:    log,
		outer:  cipher.New(password),
		reasm:  wire.NewReassembler(),
		closed: make(chan struct{}),
	}
}

// Chain reports the negotiated fuzz chain, or nil before negotiation.
func (t *Tunnel) Chain() *transform.Chain {
	t.chainMu.RLock()
	defer t.chainMu.RUnlock()
	return t.chain
}

func (t *Tunnel) setChain(c *transform.Chain) {
	t.chainMu.Lock()
	t.chain = c
	t.chainMu.Unlock()
}

// WriteMessage encodes m as an inner frame and writes it wrapped in the
// negotiated chain (or the outer cipher, before one is negotiated). Safe
// for concurrent use; frames are never interleaved on the wire.
func (t *Tunnel) WriteMessage(m wire.Message) error {
	inner := wire.EncodeFrame(m)

	chain := t.Chain()
	var etype wire.EType
	var body []byte
	var err error
	if chain == nil {
		etype = wire.ETypeCipher
		body, err = t.outer.Encrypt(inner)
		if err != nil {
			return errors.Wrap(err, "tunnel: outer encrypt")
		}
	} else {
		etype = wire.ETypeChain
		body = chain.Encrypt(inner)
	}

	outer := wire.EncodeOuter(etype, body)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.conn.Write(outer)
	return err
}

// ReadMessage blocks until one full inner frame has been read, decrypted,
// and parsed off the wire. A fuzz-chain decrypt failure (post-handshake
// only) logs and silently retries on the next frame rather than returning
// an error, per spec.md §4.8 / §7 FuzzError handling.
func (t *Tunnel) ReadMessage(ctx context.Context) (wire.Message, error) {
	for {
		outer, err := t.nextOuterFrame(ctx)
		if err != nil {
			return nil, err
		}

		chain := t.Chain()
		var inner []byte
		if chain == nil {
			if outer.EType != wire.ETypeCipher {
				return nil, errors.Wrap(ErrProtocol, "tunnel: chained frame before handshake")
			}
			inner, err = t.outer.Decrypt(outer.Body)
			if err != nil {
				return nil, errors.Wrap(ErrProtocol, "tunnel: outer decrypt failed")
			}
		} else {
			if outer.EType != wire.ETypeChain {
				return nil, errors.Wrap(ErrProtocol, "tunnel: pre-handshake frame after handshake")
			}
			inner = chain.Decrypt(outer.Body)
		}

		m, _, err := wire.DecodeFrame(inner)
		if err != nil {
			if chain == nil {
				return nil, errors.Wrap(ErrProtocol, err.Error())
			}
			// Post-handshake parse/decrypt failures are per-frame noise,
			// not tunnel-ending: drop and keep reading. This also covers a
			// REQUEST whose embedded SOCKS5 body fails to parse — spec.md
			// §4.8 prescribes answering those with
			// GENERAL_SOCKS_SERVER_FAILURE, but that would require parsing
			// far enough to recover the request's own Src id to address a
			// reply to, which a frame that fails to decode at all does not
			// give us. Acceptable in practice since muxclient only ever
			// forwards requests it has already validated as real SOCKS5.
			t.log.Warn().Err(err).Msg("dropping undecodable post-handshake frame")
			continue
		}
		return m, nil
	}
}

func (t *Tunnel) nextOuterFrame(ctx context.Context) (wire.OuterFrame, error) {
	if len(t.pending) > 0 {
		f := t.pending[0]
		t.pending = t.pending[1:]
		return f, nil
	}

	stopWatch := t.watchCancellation(ctx)
	defer stopWatch()

	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			frames, ferr := t.reasm.Feed(buf[:n])
			if ferr != nil {
				return wire.OuterFrame{}, errors.Wrap(ErrProtocol, ferr.Error())
			}
			if len(frames) > 0 {
				t.pending = frames[1:]
				return frames[0], nil
			}
		}
		if err != nil {
			if ctx != nil && ctx.Err() != nil {
				return wire.OuterFrame{}, ctx.Err()
			}
			return wire.OuterFrame{}, err
		}
	}
}

// watchCancellation arranges for a blocking conn.Read to unblock as soon as
// ctx is done, by forcing an immediate read deadline. The returned func
// must be called once the read loop exits to stop the watcher goroutine.
func (t *Tunnel) watchCancellation(ctx context.Context) func() {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Close shuts down the underlying connection. Safe to call more than once.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

// Done reports a channel closed when the tunnel has been closed.
func (t *Tunnel) Done() <-chan struct{} { return t.closed }
