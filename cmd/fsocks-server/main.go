// Command fsocks-server is the tunnel endpoint: it listens for incoming
// fsocks tunnel connections, negotiates the fuzz chain with each client,
// and demultiplexes REQUEST frames into outbound target connections.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/evilpan/fsocks/internal/accounting"
	"github.com/evilpan/fsocks/internal/admin"
	"github.com/evilpan/fsocks/internal/config"
	"github.com/evilpan/fsocks/internal/metrics"
	"github.com/evilpan/fsocks/internal/muxserver"
	"github.com/evilpan/fsocks/internal/ratelimit"
	"github.com/evilpan/fsocks/internal/tunnel"
)

var rootCmd = &cobra.Command{
	Use:   "fsocks-server",
	Short: "Tunnel endpoint that relays SOCKS5 CONNECT sessions to real targets",
	RunE:  runServer,
}

var (
	flagListen         string
	flagPassword       string
	flagTimeoutSeconds int
	flagAdminAddr      string
	flagAccountingPath string
	flagRateLimitBPS   int64
	flagHandshakeTop   int
	flagConfigFile     string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", ":8388", "tunnel listen address")
	flags.StringVar(&flagPassword, "password", "", "shared tunnel password")
	flags.IntVar(&flagTimeoutSeconds, "timeout", config.DefaultTimeoutSeconds, "target connect timeout, in seconds")
	flags.StringVar(&flagAdminAddr, "admin-addr", "", "admin/metrics listen address (empty disables it)")
	flags.StringVar(&flagAccountingPath, "accounting-path", "", "pebble accounting store path (empty disables it)")
	flags.Int64Var(&flagRateLimitBPS, "rate-limit-bps", 0, "aggregate relay byte-rate cap per tunnel (0 = unlimited)")
	flags.IntVar(&flagHandshakeTop, "handshake-top", config.DefaultHandshakeTop, "number of offered transforms to select during negotiation")
	flags.StringVar(&flagConfigFile, "config", "", "optional YAML config file; fields it sets override these flags (the tunnel listener still binds --listen)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fsocks-server exited")
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.ServerHost, cfg.ServerPort = splitAddr(flagListen)
	cfg.Password = flagPassword
	cfg.TimeoutSeconds = flagTimeoutSeconds
	cfg.AdminAddr = flagAdminAddr
	cfg.AccountingPath = flagAccountingPath
	cfg.RateLimitBPS = flagRateLimitBPS
	cfg.HandshakeTop = flagHandshakeTop

	if flagConfigFile != "" {
		merged, err := config.LoadFile(flagConfigFile, cfg)
		if err != nil {
			return config.Config{}, err
		}
		cfg = merged
	}
	return cfg, cfg.Validate()
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// registry tracks every live tunnel so the admin surface can report a
// snapshot of them.
type registry struct {
	mu      sync.Mutex
	servers map[string]*muxserver.Server
}

func newRegistry() *registry {
	return &registry{servers: make(map[string]*muxserver.Server)}
}

func (r *registry) add(id string, s *muxserver.Server) {
	r.mu.Lock()
	r.servers[id] = s
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.servers, id)
	r.mu.Unlock()
}

func (r *registry) Snapshot() []admin.TunnelSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]admin.TunnelSnapshot, 0, len(r.servers))
	for id, s := range r.servers {
		out = append(out, admin.TunnelSnapshot{ID: id, Channels: s.ChannelCount()})
	}
	return out
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.New()

	var acct *accounting.Store
	if cfg.AccountingPath != "" {
		acct, err = accounting.Open(cfg.AccountingPath)
		if err != nil {
			return err
		}
		defer acct.Close()
	}

	tunnels := newRegistry()

	if cfg.AdminAddr != "" {
		adminSrv := admin.New(cfg.AdminAddr, reg, tunnels, log.Logger)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("admin surface error")
			}
		}()
		defer adminSrv.Close()
	}

	ln, err := net.Listen("tcp", flagListen)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", flagListen).Msg("fsocks-server listening")

	go acceptLoop(ctx, ln, cfg, reg, acct, tunnels)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	time.Sleep(300 * time.Millisecond)
	return nil
}

func acceptLoop(ctx context.Context, ln net.Listener, cfg config.Config, reg *metrics.Registry, acct *accounting.Store, tunnels *registry) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Error().Err(err).Msg("accept failed")
			continue
		}
		id := conn.RemoteAddr().String()
		go handleTunnel(ctx, conn, cfg, reg, acct, tunnels, id)
	}
}

func handleTunnel(ctx context.Context, conn net.Conn, cfg config.Config, reg *metrics.Registry, acct *accounting.Store, tunnels *registry, id string) {
	defer conn.Close()
	tun := tunnel.New(conn, cfg.Password, log.Logger)

	selector := tunnel.TopNChainSelector(cfg.HandshakeTop)
	if err := tun.ServerHandshake(ctx, time.Now, selector); err != nil {
		log.Debug().Err(err).Str("remote", id).Msg("handshake failed")
		return
	}
	reg.HandshakeChainLength.Observe(float64(len(tun.Chain().Transforms())))
	reg.TunnelsActive.Inc()
	defer reg.TunnelsActive.Dec()

	srv := muxserver.New(tun, log.Logger).WithMetrics(reg)
	if cfg.TimeoutSeconds > 0 {
		srv.ConnectTimeout = cfg.Timeout()
	}
	if cfg.RateLimitBPS > 0 {
		srv.WithRateLimit(ratelimit.NewBucket(cfg.RateLimitBPS, 0))
	}
	if acct != nil {
		srv.WithAccounting(acct)
	}

	tunnels.add(id, srv)
	defer tunnels.remove(id)

	if err := srv.Run(ctx); err != nil {
		log.Debug().Err(err).Str("remote", id).Msg("tunnel closed")
	}
}
