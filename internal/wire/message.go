package wire

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/evilpan/fsocks/internal/socks5"
	"github.com/evilpan/fsocks/internal/transform"
)

// Message is the sum type of the six inner-frame bodies.
type Message interface {
	MType() MType
	encodeBody() []byte
}

// Hello carries the sender's clock at tunnel open.
type Hello struct {
	Timestamp uint64
}

func (Hello) MType() MType { return MTypeHello }

func (h Hello) encodeBody() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h.Timestamp)
	return b
}

func decodeHello(body []byte) (Hello, error) {
	if len(body) < 8 {
		return Hello{}, ErrTruncated
	}
	return Hello{Timestamp: binary.BigEndian.Uint64(body[:8])}, nil
}

// Handshake echoes a timestamp and carries an offered or selected fuzz
// chain.
type Handshake struct {
	Timestamp uint64
	Chain     *transform.Chain
}

func (Handshake) MType() MType { return MTypeHandshake }

func (h Handshake) encodeBody() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h.Timestamp)
	return append(b, transform.SerializeChain(h.Chain)...)
}

func decodeHandshake(body []byte) (Handshake, error) {
	if len(body) < 8 {
		return Handshake{}, ErrTruncated
	}
	ts := binary.BigEndian.Uint64(body[:8])
	chain, _, err := transform.DeserializeChain(body[8:])
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{Timestamp: ts, Chain: chain}, nil
}

// Request carries a CONNECT request from the client mux to the server
// demux. Dst is 0 until the server has assigned a remote id.
type Request struct {
	Src   uint32
	Dst   uint32
	Socks socks5.Message
}

func (Request) MType() MType { return MTypeRequest }

func (r Request) encodeBody() []byte {
	return encodeSrcDstSocks(r.Src, r.Dst, r.Socks)
}

func decodeRequest(body []byte) (Request, error) {
	src, dst, m, err := decodeSrcDstSocks(body)
	if err != nil {
		return Request{}, err
	}
	return Request{Src: src, Dst: dst, Socks: m}, nil
}

// Reply answers exactly one Request, carrying a SOCKS5 reply message.
type Reply struct {
	Src   uint32
	Dst   uint32
	Socks socks5.Message
}

func (Reply) MType() MType { return MTypeReply }

func (r Reply) encodeBody() []byte {
	return encodeSrcDstSocks(r.Src, r.Dst, r.Socks)
}

func decodeReply(body []byte) (Reply, error) {
	src, dst, m, err := decodeSrcDstSocks(body)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Src: src, Dst: dst, Socks: m}, nil
}

func encodeSrcDstSocks(src, dst uint32, m socks5.Message) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], src)
	binary.BigEndian.PutUint32(b[4:8], dst)
	enc, err := m.Encode()
	if err != nil {
		// Callers are expected to validate m before framing it; an
		// unencodable socks5.Message here means a bug upstream, not a
		// wire-level condition worth a typed error.
		panic(err)
	}
	return append(b, enc...)
}

func decodeSrcDstSocks(body []byte) (src, dst uint32, m socks5.Message, err error) {
	if len(body) < 8 {
		return 0, 0, socks5.Message{}, ErrTruncated
	}
	src = binary.BigEndian.Uint32(body[0:4])
	dst = binary.BigEndian.Uint32(body[4:8])
	m, _, err = socks5.DecodeMessage(body[8:])
	if err != nil {
		return 0, 0, socks5.Message{}, err
	}
	return src, dst, m, nil
}

// Relaying carries payload bytes for an already-established channel.
type Relaying struct {
	Src     uint32
	Dst     uint32
	Payload []byte
}

func (Relaying) MType() MType { return MTypeRelaying }

func (r Relaying) encodeBody() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], r.Src)
	binary.BigEndian.PutUint32(b[4:8], r.Dst)
	return append(b, r.Payload...)
}

func decodeRelaying(body []byte) (Relaying, error) {
	if len(body) < 8 {
		return Relaying{}, ErrTruncated
	}
	payload := make([]byte, len(body)-8)
	copy(payload, body[8:])
	return Relaying{
		Src:     binary.BigEndian.Uint32(body[0:4]),
		Dst:     binary.BigEndian.Uint32(body[4:8]),
		Payload: payload,
	}, nil
}

// Close tears down the channel identified by Src on the sender's side.
type Close struct {
	Src uint32
}

func (Close) MType() MType { return MTypeClose }

func (c Close) encodeBody() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, c.Src)
	return b
}

func decodeClose(body []byte) (Close, error) {
	if len(body) < 4 {
		return Close{}, ErrTruncated
	}
	return Close{Src: binary.BigEndian.Uint32(body[:4])}, nil
}

// EncodeFrame serializes m into a full inner frame with a fresh random
// nonce.
func EncodeFrame(m Message) []byte {
	return EncodeFrameWithNonce(randomNonce(), m)
}

// EncodeFrameWithNonce serializes m with an explicit nonce. Exported for
// deterministic test vectors; production callers should use EncodeFrame.
func EncodeFrameWithNonce(nonce uint32, m Message) []byte {
	return append(encodeInnerHeader(m.MType(), nonce), m.encodeBody()...)
}

// DecodeFrame parses a complete inner frame and dispatches to the
// type-specific body decoder. data must contain exactly one frame; any
// trailing bytes beyond what the body decoder consumes are ignored, except
// for Relaying, whose payload runs to the end of data.
func DecodeFrame(data []byte) (Message, uint32, error) {
	mtype, nonce, err := decodeInnerHeader(data)
	if err != nil {
		return nil, 0, err
	}
	body := data[innerHeaderLen:]
	var m Message
	switch mtype {
	case MTypeHello:
		m, err = decodeHello(body)
	case MTypeHandshake:
		m, err = decodeHandshake(body)
	case MTypeRequest:
		m, err = decodeRequest(body)
	case MTypeReply:
		m, err = decodeReply(body)
	case MTypeRelaying:
		m, err = decodeRelaying(body)
	case MTypeClose:
		m, err = decodeClose(body)
	default:
		return nil, 0, ErrBadMType
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "wire: decode %s body", mtype)
	}
	return m, nonce, nil
}
