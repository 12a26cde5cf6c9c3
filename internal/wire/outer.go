package wire

import "encoding/binary"

// EType distinguishes pre-handshake frames (outer cipher) from
// post-handshake frames (negotiated fuzz chain).
type EType uint16

const (
	ETypeCipher EType = 0 // HELLO / HANDSHAKE, wrapped with the outer AES envelope
	ETypeChain  EType = 1 // everything after a successful handshake
)

// outerHeaderLen is etype(2) + length(4).
const outerHeaderLen = 6

// EncodeOuter wraps an already-enciphered body in the outer wire frame:
// etype:u16, length:u32, body.
func EncodeOuter(etype EType, body []byte) []byte {
	out := make([]byte, outerHeaderLen+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(etype))
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	copy(out[6:], body)
	return out
}

// OuterFrame is one fully reassembled outer frame, still enciphered.
type OuterFrame struct {
	EType EType
	Body  []byte
}
