// Package config defines fsocks' runtime configuration: the core fields
// spec.md §6 requires, plus the ambient knobs (admin surface, accounting
// store, rate limit, handshake policy) SPEC_FULL.md adds. Values are bound
// from CLI flags by cmd/fsocks-client and cmd/fsocks-server, optionally
// overlaid with a YAML file.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config is the core input record shared by both the client and the
// server entry points. Not every field is meaningful on both sides; see
// field comments.
type Config struct {
	ClientHost string `yaml:"client_host"` // client: local SOCKS5 listen address
	ClientPort int    `yaml:"client_port"`
	ServerHost string `yaml:"server_host"` // address of the fsocks server to dial (client) or bind (server)
	ServerPort int    `yaml:"server_port"`
	Password   string `yaml:"password"`

	TimeoutSeconds int `yaml:"timeout_seconds"` // server: target connect timeout, default 6

	AdminAddr      string `yaml:"admin_addr"`      // empty disables the admin/metrics HTTP surface
	AccountingPath string `yaml:"accounting_path"` // empty disables the pebble accounting store
	RateLimitBPS   int64  `yaml:"rate_limit_bps"`  // 0 means unlimited
	HandshakeTop   int    `yaml:"handshake_top"`   // how many offered transforms the server selects, default 2
}

// DefaultTimeoutSeconds is spec.md §6's documented default target-connect
// timeout.
const DefaultTimeoutSeconds = 6

// DefaultHandshakeTop is spec.md §4.5's documented default chain-selection
// policy: the first two offered transforms.
const DefaultHandshakeTop = 2

// Default returns a Config with every non-zero default applied.
func Default() Config {
	return Config{
		ClientHost:     "127.0.0.1",
		ClientPort:     1080,
		ServerPort:     8388,
		TimeoutSeconds: DefaultTimeoutSeconds,
		HandshakeTop:   DefaultHandshakeTop,
	}
}

// Timeout returns TimeoutSeconds as a time.Duration, substituting the
// default when unset.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadFile overlays a YAML config file onto base, returning the merged
// result. A field absent from the file keeps base's value; a field the
// file sets, even to a zero value, replaces it.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	merged := base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	return merged, nil
}

// Validate checks the fields required for either entry point to run.
//
// ServerHost is deliberately not required here: on fsocks-server it is the
// bind address (empty means all interfaces, e.g. default listen ":8388"),
// while on fsocks-client it is the remote address to dial and an empty
// value simply fails to dial, which surfaces on its own.
func (c Config) Validate() error {
	if c.Password == "" {
		return errors.New("config: password must not be empty")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return errors.Newf("config: server_port %d out of range", c.ServerPort)
	}
	return nil
}
