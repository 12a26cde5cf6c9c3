package socks5

import (
	"io"

	"github.com/cockroachdb/errors"
)

// ReadClientGreeting reads one VER/NMETHODS/METHODS greeting from r,
// blocking until the whole thing has arrived.
func ReadClientGreeting(r io.Reader) (ClientGreeting, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return ClientGreeting{}, errors.Wrap(err, "socks5: read greeting header")
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return ClientGreeting{}, errors.Wrap(err, "socks5: read greeting methods")
	}
	g, _, err := DecodeClientGreeting(append(head, methods...))
	return g, err
}

// ReadMessage reads one VER/CMD/RSV/ATYP/ADDR/PORT message from r, blocking
// until enough bytes to determine the address length, then enough to
// complete it, have arrived.
func ReadMessage(r io.Reader) (Message, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return Message{}, errors.Wrap(err, "socks5: read message header")
	}

	var rest []byte
	switch AddrType(head[3]) {
	case ATYPIPv4:
		rest = make([]byte, 4+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return Message{}, errors.Wrap(err, "socks5: read IPv4 body")
		}
	case ATYPIPv6:
		rest = make([]byte, 16+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return Message{}, errors.Wrap(err, "socks5: read IPv6 body")
		}
	case ATYPDomainName:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(r, lenByte); err != nil {
			return Message{}, errors.Wrap(err, "socks5: read domain length")
		}
		rest = make([]byte, 1+int(lenByte[0])+2)
		rest[0] = lenByte[0]
		if _, err := io.ReadFull(r, rest[1:]); err != nil {
			return Message{}, errors.Wrap(err, "socks5: read domain body")
		}
	default:
		return Message{}, newError(AddressTypeNotSupported, "unsupported ATYP")
	}

	m, _, err := DecodeMessage(append(head, rest...))
	return m, err
}
