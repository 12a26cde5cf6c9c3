package socks5

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectMessageEncodesToSpecVector(t *testing.T) {
	msg := NewRequest("127.0.0.1", 1234)
	enc, err := msg.Encode()
	require.NoError(t, err)
	expect := []byte{0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x04, 0xD2}
	assert.Equal(t, expect, enc)
}

func TestMessageRoundtripIPv4(t *testing.T) {
	msg := NewRequest("192.168.1.1", 443)
	enc, err := msg.Encode()
	require.NoError(t, err)
	decoded, n, err := DecodeMessage(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, msg.Addr, decoded.Addr)
	assert.Equal(t, msg.Port, decoded.Port)
}

func TestMessageRoundtripDomainName(t *testing.T) {
	msg := NewRequest("example.com", 80)
	enc, err := msg.Encode()
	require.NoError(t, err)
	decoded, n, err := DecodeMessage(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, "example.com", decoded.Addr)
	assert.Equal(t, uint16(80), decoded.Port)
}

func TestMessageRoundtripIPv6(t *testing.T) {
	msg := NewRequest("::1", 22)
	enc, err := msg.Encode()
	require.NoError(t, err)
	decoded, n, err := DecodeMessage(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, uint16(22), decoded.Port)
}

func TestDecodeMessageRejectsBadRSV(t *testing.T) {
	data := []byte{0x05, 0x01, 0xFF, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50}
	_, _, err := DecodeMessage(data)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, GeneralServerFailure, serr.Code)
}

func TestClientGreetingRoundtrip(t *testing.T) {
	g := ClientGreeting{Ver: Version, Methods: []Method{MethodNoAuth, MethodUsernamePassword}}
	data := append([]byte{g.Ver, byte(len(g.Methods))}, byte(MethodNoAuth), byte(MethodUsernamePassword))
	decoded, n, err := DecodeClientGreeting(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, g.Methods, decoded.Methods)
}

func TestServerGreetingAlwaysNoAuth(t *testing.T) {
	g := NewServerGreeting()
	assert.Equal(t, []byte{0x05, 0x00}, g.Encode())
}
