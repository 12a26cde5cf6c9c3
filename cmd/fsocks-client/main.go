// Command fsocks-client exposes a local SOCKS5 listener and forwards every
// accepted session over a single tunnel connection to fsocks-server.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/evilpan/fsocks/internal/config"
	"github.com/evilpan/fsocks/internal/muxclient"
	"github.com/evilpan/fsocks/internal/ratelimit"
	"github.com/evilpan/fsocks/internal/tunnel"
)

var rootCmd = &cobra.Command{
	Use:   "fsocks-client",
	Short: "Local SOCKS5 listener that forwards sessions over an fsocks tunnel",
	RunE:  runClient,
}

var (
	flagListen       string
	flagServerAddr   string
	flagPassword     string
	flagRateLimitBPS int64
	flagConfigFile   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagListen, "listen", "127.0.0.1:1080", "local SOCKS5 listen address")
	flags.StringVar(&flagServerAddr, "server", "", "fsocks-server address to dial")
	flags.StringVar(&flagPassword, "password", "", "shared tunnel password")
	flags.Int64Var(&flagRateLimitBPS, "rate-limit-bps", 0, "aggregate relay byte-rate cap for this tunnel (0 = unlimited)")
	flags.StringVar(&flagConfigFile, "config", "", "optional YAML config file; fields it sets override these flags")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fsocks-client exited")
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.ClientHost, cfg.ClientPort = splitAddr(flagListen)
	cfg.ServerHost, cfg.ServerPort = splitAddr(flagServerAddr)
	cfg.Password = flagPassword
	cfg.RateLimitBPS = flagRateLimitBPS

	if flagConfigFile != "" {
		merged, err := config.LoadFile(flagConfigFile, cfg)
		if err != nil {
			return config.Config{}, err
		}
		cfg = merged
	}
	return cfg, cfg.Validate()
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	for ctx.Err() == nil {
		if err := runTunnel(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("tunnel session ended, retrying")
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
	return nil
}

func runTunnel(ctx context.Context, cfg config.Config) error {
	serverAddr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	tun := tunnel.New(conn, cfg.Password, log.Logger)
	if err := tun.ClientHandshake(ctx, time.Now); err != nil {
		return err
	}
	log.Info().Str("server", serverAddr).Str("chain", tun.Chain().String()).Msg("tunnel established")

	mux := muxclient.New(tun, log.Logger)
	if cfg.RateLimitBPS > 0 {
		mux.WithRateLimit(ratelimit.NewBucket(cfg.RateLimitBPS, 0))
	}

	listenAddr := net.JoinHostPort(cfg.ClientHost, strconv.Itoa(cfg.ClientPort))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", listenAddr).Msg("socks5 listener ready")

	tunCtx, tunCancel := context.WithCancel(ctx)
	defer tunCancel()

	go func() {
		for {
			userConn, err := ln.Accept()
			if err != nil {
				select {
				case <-tunCtx.Done():
					return
				default:
				}
				log.Error().Err(err).Msg("accept failed")
				continue
			}
			go mux.HandleConn(tunCtx, userConn)
		}
	}()

	return mux.Run(tunCtx)
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
