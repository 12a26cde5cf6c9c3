// Package wire implements the tunnel's framed message protocol: the inner
// frame header, the six message types, the outer length-prefixed wrapper,
// and the incremental reassembly state machine that turns arbitrary TCP
// reads back into whole frames.
package wire

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Magic is the constant that opens every inner frame. Any other value is
// rejected with ErrBadMagic.
const Magic uint16 = 0x1986

// MType identifies the six message types carried inside the tunnel.
type MType byte

const (
	MTypeHello     MType = 0x01
	MTypeHandshake MType = 0x02
	MTypeRequest   MType = 0x03
	MTypeReply     MType = 0x04
	MTypeRelaying  MType = 0x05
	MTypeClose     MType = 0x06
)

func (t MType) Valid() bool { return t >= MTypeHello && t <= MTypeClose }

func (t MType) String() string {
	switch t {
	case MTypeHello:
		return "HELLO"
	case MTypeHandshake:
		return "HANDSHAKE"
	case MTypeRequest:
		return "REQUEST"
	case MTypeReply:
		return "REPLY"
	case MTypeRelaying:
		return "RELAYING"
	case MTypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrBadMagic is returned when an inner frame's magic field does not match
// Magic. The tunnel ends on it during negotiation; after the handshake,
// tunnel.ReadMessage drops the frame and keeps reading.
var ErrBadMagic = errors.New("wire: bad magic")

// ErrBadMType is returned when an inner frame's mtype is not one of the six
// recognized values.
var ErrBadMType = errors.New("wire: unrecognized mtype")

// ErrTruncated is returned when a buffer is too short to contain the field
// being decoded.
var ErrTruncated = errors.New("wire: truncated frame")

// innerHeaderLen is magic(2) + mtype(1) + nonce(4).
const innerHeaderLen = 7

func randomNonce() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}

func encodeInnerHeader(mtype MType, nonce uint32) []byte {
	b := make([]byte, innerHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], Magic)
	b[2] = byte(mtype)
	binary.BigEndian.PutUint32(b[3:7], nonce)
	return b
}

func decodeInnerHeader(data []byte) (mtype MType, nonce uint32, err error) {
	if len(data) < innerHeaderLen {
		return 0, 0, ErrTruncated
	}
	magic := binary.BigEndian.Uint16(data[0:2])
	if magic != Magic {
		return 0, 0, ErrBadMagic
	}
	mtype = MType(data[2])
	if !mtype.Valid() {
		return 0, 0, ErrBadMType
	}
	nonce = binary.BigEndian.Uint32(data[3:7])
	return mtype, nonce, nil
}
