// Package socks5 implements the SOCKS5 message layouts the client
// multiplexer's local listener must produce and the server demultiplexer's
// REQUEST/REPLY bodies carry, per RFC 1928. The greeting accept loop itself
// lives in internal/muxclient; this package only encodes/decodes the byte
// layouts.
package socks5

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
)

const Version = 0x05

type Method byte

const (
	MethodNoAuth           Method = 0x00
	MethodGSSAPI           Method = 0x01
	MethodUsernamePassword Method = 0x02
	MethodNoAcceptable     Method = 0xFF
)

type Command byte

const (
	CmdConnect Command = 0x01
	CmdBind    Command = 0x02
	CmdUDP     Command = 0x03
)

type AddrType byte

const (
	ATYPIPv4       AddrType = 0x01
	ATYPDomainName AddrType = 0x03
	ATYPIPv6       AddrType = 0x04
)

// ReplyCode is a SOCKS5 REP byte, carried in a Message's Code field when
// the Message is a reply.
type ReplyCode byte

const (
	Succeeded                     ReplyCode = 0x00
	GeneralServerFailure          ReplyCode = 0x01
	ConnectionNotAllowedByRuleset ReplyCode = 0x02
	NetworkUnreachable            ReplyCode = 0x03
	HostUnreachable               ReplyCode = 0x04
	ConnectionRefused             ReplyCode = 0x05
	TTLExpired                    ReplyCode = 0x06
	CommandNotSupported           ReplyCode = 0x07
	AddressTypeNotSupported       ReplyCode = 0x08
)

// Error wraps a SOCKS5 failure with the reply code that should be sent
// back to the user agent, per spec.md §7 SocksError.
type Error struct {
	Code ReplyCode
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("socks5: %s (code=%#x)", e.Msg, e.Code) }

func newError(code ReplyCode, msg string) *Error { return &Error{Code: code, Msg: msg} }

// Message is the shared request/reply layout:
//
//	+----+---------+-------+------+----------+----------+
//	|VER |CMD/CODE | RSV   | ATYP | DST.ADDR | DST.PORT |
//	+----+---------+-------+------+----------+----------+
type Message struct {
	Ver  byte
	Code byte // interpreted as Command for requests, ReplyCode for replies
	Type AddrType
	Addr string
	Port uint16
}

// NewRequest builds a CONNECT request message for addr:port, choosing the
// address type automatically (IPv4, IPv6, or domain name).
func NewRequest(addr string, port uint16) Message {
	return Message{Ver: Version, Code: byte(CmdConnect), Type: atypeFor(addr), Addr: addr, Port: port}
}

// NewReply builds a reply message carrying code and a bound address.
func NewReply(code ReplyCode, addr string, port uint16) Message {
	return Message{Ver: Version, Code: byte(code), Type: atypeFor(addr), Addr: addr, Port: port}
}

func atypeFor(addr string) AddrType {
	ip := net.ParseIP(addr)
	switch {
	case ip == nil:
		return ATYPDomainName
	case ip.To4() != nil:
		return ATYPIPv4
	default:
		return ATYPIPv6
	}
}

// Encode serializes a Message to its wire bytes.
func (m Message) Encode() ([]byte, error) {
	out := []byte{m.Ver, m.Code, 0x00, byte(m.Type)}
	switch m.Type {
	case ATYPIPv4:
		ip := net.ParseIP(m.Addr).To4()
		if ip == nil {
			return nil, newError(GeneralServerFailure, "invalid IPv4 address")
		}
		out = append(out, ip...)
	case ATYPIPv6:
		ip := net.ParseIP(m.Addr).To16()
		if ip == nil {
			return nil, newError(GeneralServerFailure, "invalid IPv6 address")
		}
		out = append(out, ip...)
	case ATYPDomainName:
		if len(m.Addr) > 255 {
			return nil, newError(GeneralServerFailure, "domain name too long")
		}
		out = append(out, byte(len(m.Addr)))
		out = append(out, m.Addr...)
	default:
		return nil, newError(AddressTypeNotSupported, "unsupported ATYP")
	}
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, m.Port)
	out = append(out, port...)
	return out, nil
}

// DecodeMessage parses a Message from the front of data, returning the
// number of bytes consumed.
func DecodeMessage(data []byte) (Message, int, error) {
	if len(data) < 4 {
		return Message{}, 0, newError(GeneralServerFailure, "truncated message header")
	}
	m := Message{Ver: data[0], Code: data[1]}
	rsv := data[2]
	if rsv != 0x00 {
		return Message{}, 0, newError(GeneralServerFailure, "invalid RSV")
	}
	m.Type = AddrType(data[3])
	pos := 4

	switch m.Type {
	case ATYPIPv4:
		if len(data) < pos+4+2 {
			return Message{}, 0, newError(GeneralServerFailure, "truncated IPv4 address")
		}
		m.Addr = net.IP(data[pos : pos+4]).String()
		pos += 4
	case ATYPIPv6:
		if len(data) < pos+16+2 {
			return Message{}, 0, newError(GeneralServerFailure, "truncated IPv6 address")
		}
		m.Addr = net.IP(data[pos : pos+16]).String()
		pos += 16
	case ATYPDomainName:
		if len(data) < pos+1 {
			return Message{}, 0, newError(GeneralServerFailure, "truncated domain length")
		}
		alen := int(data[pos])
		pos++
		if len(data) < pos+alen+2 {
			return Message{}, 0, newError(GeneralServerFailure, "truncated domain name")
		}
		m.Addr = string(data[pos : pos+alen])
		pos += alen
	default:
		return Message{}, 0, newError(AddressTypeNotSupported, "unsupported ATYP")
	}

	m.Port = binary.BigEndian.Uint16(data[pos : pos+2])
	pos += 2
	return m, pos, nil
}

// ClientGreeting is the initial VER/NMETHODS/METHODS the user agent sends.
type ClientGreeting struct {
	Ver     byte
	Methods []Method
}

// DecodeClientGreeting parses the greeting from the front of data,
// returning the number of bytes consumed.
func DecodeClientGreeting(data []byte) (ClientGreeting, int, error) {
	if len(data) < 2 {
		return ClientGreeting{}, 0, errors.New("socks5: truncated greeting")
	}
	ver := data[0]
	nmethods := int(data[1])
	if len(data) < 2+nmethods {
		return ClientGreeting{}, 0, errors.New("socks5: truncated method list")
	}
	methods := make([]Method, nmethods)
	for i := 0; i < nmethods; i++ {
		methods[i] = Method(data[2+i])
	}
	return ClientGreeting{Ver: ver, Methods: methods}, 2 + nmethods, nil
}

// ServerGreeting is the server's VER/METHOD response. The server always
// selects NO_AUTHENTICATION_REQUIRED, per spec.md §4.4.
type ServerGreeting struct {
	Ver    byte
	Method Method
}

func NewServerGreeting() ServerGreeting {
	return ServerGreeting{Ver: Version, Method: MethodNoAuth}
}

func (g ServerGreeting) Encode() []byte {
	return []byte{g.Ver, byte(g.Method)}
}
