package tunnel

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/evilpan/fsocks/internal/transform"
	"github.com/evilpan/fsocks/internal/wire"
)

// HandshakeWindow bounds how stale a client's echoed timestamp may be
// before the server rejects the handshake, per spec.md §4.5 step 4.
const HandshakeWindow = 100 * time.Second

// ErrHandshakeTimestamp is returned when the client's echoed timestamp
// falls outside HandshakeWindow of the server's own HELLO.
var ErrHandshakeTimestamp = errors.Wrap(ErrProtocol, "tunnel: handshake timestamp out of window")

// ErrOutOfOrder is returned when a HELLO or HANDSHAKE arrives while the
// tunnel expects a different message type.
var ErrOutOfOrder = errors.Wrap(ErrProtocol, "tunnel: out-of-order negotiation message")

// ChainSelector picks which offered transforms the server installs.
// DefaultChainSelector implements the spec's default policy.
type ChainSelector func(offered []transform.Transform) ([]transform.Transform, error)

// DefaultChainSelector selects the first two offered transforms, per
// spec.md §4.5 step 4's stated default policy.
func DefaultChainSelector(offered []transform.Transform) ([]transform.Transform, error) {
	if len(offered) == 0 {
		return nil, errors.Wrap(ErrProtocol, "tunnel: empty fuzz chain")
	}
	n := 2
	if len(offered) < n {
		n = len(offered)
	}
	return offered[:n], nil
}

// TopNChainSelector returns a ChainSelector that keeps the first n offered
// transforms, falling back to DefaultChainSelector's policy (n=2) when n
// is non-positive. Used to honor Config.HandshakeTop.
func TopNChainSelector(n int) ChainSelector {
	if n <= 0 {
		return DefaultChainSelector
	}
	return func(offered []transform.Transform) ([]transform.Transform, error) {
		if len(offered) == 0 {
			return nil, errors.Wrap(ErrProtocol, "tunnel: empty fuzz chain")
		}
		if n < len(offered) {
			return offered[:n], nil
		}
		return offered, nil
	}
}

// ClientHandshake drives the client side of negotiation: send HELLO,
// receive the server's HELLO, offer every locally supported transform,
// and install whatever subset the server selects.
func (t *Tunnel) ClientHandshake(ctx context.Context, now func() time.Time) error {
	clientHello := wire.Hello{Timestamp: uint64(now().Unix())}
	if err := t.WriteMessage(clientHello); err != nil {
		return errors.Wrap(err, "tunnel: send client hello")
	}

	m, err := t.ReadMessage(ctx)
	if err != nil {
		return errors.Wrap(err, "tunnel: receive server hello")
	}
	serverHello, ok := m.(wire.Hello)
	if !ok {
		return ErrOutOfOrder
	}

	offered, err := transform.All()
	if err != nil {
		return errors.Wrap(err, "tunnel: build offered chain")
	}
	offeredChain, err := transform.NewChain(offered)
	if err != nil {
		return errors.Wrap(err, "tunnel: build offered chain")
	}
	if err := t.WriteMessage(wire.Handshake{Timestamp: serverHello.Timestamp, Chain: offeredChain}); err != nil {
		return errors.Wrap(err, "tunnel: send handshake offer")
	}

	m, err = t.ReadMessage(ctx)
	if err != nil {
		return errors.Wrap(err, "tunnel: receive handshake selection")
	}
	selected, ok := m.(wire.Handshake)
	if !ok {
		return ErrOutOfOrder
	}
	t.setChain(selected.Chain)
	return nil
}

// ServerHandshake drives the server side of negotiation: receive the
// client's HELLO, reply with its own, validate the client's echoed
// timestamp, select a subset of the offered chain via selector, and install
// it.
func (t *Tunnel) ServerHandshake(ctx context.Context, now func() time.Time, selector ChainSelector) error {
	m, err := t.ReadMessage(ctx)
	if err != nil {
		return errors.Wrap(err, "tunnel: receive client hello")
	}
	if _, ok := m.(wire.Hello); !ok {
		return ErrOutOfOrder
	}

	serverTimestamp := uint64(now().Unix())
	if err := t.WriteMessage(wire.Hello{Timestamp: serverTimestamp}); err != nil {
		return errors.Wrap(err, "tunnel: send server hello")
	}

	m, err = t.ReadMessage(ctx)
	if err != nil {
		return errors.Wrap(err, "tunnel: receive handshake offer")
	}
	offer, ok := m.(wire.Handshake)
	if !ok {
		return ErrOutOfOrder
	}

	delta := int64(offer.Timestamp) - int64(serverTimestamp)
	if delta < 0 || delta > int64(HandshakeWindow/time.Second) {
		return ErrHandshakeTimestamp
	}

	if selector == nil {
		selector = DefaultChainSelector
	}
	selected, err := selector(offer.Chain.Transforms())
	if err != nil {
		return err
	}
	selectedChain, err := transform.NewChain(selected)
	if err != nil {
		return errors.Wrap(ErrProtocol, err.Error())
	}

	if err := t.WriteMessage(wire.Handshake{Timestamp: serverTimestamp, Chain: selectedChain}); err != nil {
		return errors.Wrap(err, "tunnel: send handshake selection")
	}
	t.setChain(selectedChain)
	return nil
}
