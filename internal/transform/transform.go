// Package transform implements the reversible byte-in/byte-out "fuzzing"
// primitives used to obfuscate post-handshake tunnel frames, and the
// ordered Chain that composes them.
package transform

import (
	"crypto/rand"

	"github.com/cockroachdb/errors"
)

// Transform is a reversible byte transform with a stable name and an
// opaque, possibly empty, key. Decrypt(Encrypt(x)) must equal x for every
// byte string x, including the empty string.
type Transform interface {
	Name() string
	Key() []byte
	Encrypt(data []byte) []byte
	Decrypt(data []byte) []byte
}

// ErrUnknownTransform is returned when a HANDSHAKE chain record names a
// transform this build does not recognize.
var ErrUnknownTransform = errors.New("transform: unknown name")

// ErrMalformedRecord is returned when a serialized chain record is
// truncated or otherwise cannot be parsed.
var ErrMalformedRecord = errors.New("transform: malformed chain record")

// randomKey returns n cryptographically random bytes, used whenever a
// transform is constructed with a nil key but requires one.
func randomKey(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing is not something we can recover from
	}
	return b
}
