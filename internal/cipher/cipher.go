// Package cipher implements the outer AES-256-CBC envelope that protects
// pre-handshake (HELLO, HANDSHAKE) frames. It is keyed from a pre-shared
// password and is not intended to provide confidentiality-grade security —
// see spec.md §1 Non-goals.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
)

// ErrInvalidPadding is returned when decryption finds PKCS-style padding
// that does not validate, or ciphertext shorter than one AES block.
var ErrInvalidPadding = errors.New("cipher: invalid padding")

// Outer wraps AES-256-CBC with a key derived from a pre-shared password.
type Outer struct {
	key [32]byte
}

// New derives the AES-256 key as SHA-256(password).
func New(password string) *Outer {
	return &Outer{key: sha256.Sum256([]byte(password))}
}

// Encrypt pads plaintext with PKCS-style padding, generates a fresh random
// IV, and returns IV || AES-256-CBC(plaintext).
func (o *Outer) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(o.key[:])
	if err != nil {
		return nil, errors.Wrap(err, "cipher: new AES block")
	}

	padded := pkcsPad(plaintext, aes.BlockSize)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "cipher: generate IV")
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt strips the prepended IV, decrypts, and validates/removes PKCS
// padding.
func (o *Outer) Decrypt(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}
	block, err := aes.NewCipher(o.key[:])
	if err != nil {
		return nil, errors.Wrap(err, "cipher: new AES block")
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]
	if len(ciphertext) == 0 {
		return nil, ErrInvalidPadding
	}

	plain := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plain, ciphertext)

	return pkcsUnpad(plain, aes.BlockSize)
}

func pkcsPad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcsUnpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}
