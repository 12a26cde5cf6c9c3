// Package metrics defines the Prometheus collectors exposed at the admin
// surface's /metrics endpoint: tunnel and channel gauges, relay
// counters, connect-failure counters, and a handshake chain-length
// histogram.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups every fsocks collector. A zero-value Registry is not
// usable; construct with New.
type Registry struct {
	reg *prometheus.Registry

	TunnelsActive  prometheus.Gauge
	ChannelsActive prometheus.Gauge

	FramesRelayed prometheus.CounterVec
	BytesRelayed  prometheus.CounterVec

	ConnectFailures prometheus.CounterVec

	HandshakeChainLength prometheus.Histogram
}

// New registers and returns a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fsocks",
			Name:      "tunnels_active",
			Help:      "Number of currently established tunnels.",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fsocks",
			Name:      "channels_active",
			Help:      "Number of currently open multiplexed channels, summed across tunnels.",
		}),
		HandshakeChainLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fsocks",
			Name:      "handshake_chain_length",
			Help:      "Number of transforms selected into the fuzz chain during negotiation.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 7, 8},
		}),
	}

	framesRelayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fsocks",
		Name:      "frames_relayed_total",
		Help:      "Number of RELAYING frames transferred, by direction.",
	}, []string{"direction"})
	bytesRelayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fsocks",
		Name:      "bytes_relayed_total",
		Help:      "Number of payload bytes transferred inside RELAYING frames, by direction.",
	}, []string{"direction"})
	connectFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fsocks",
		Name:      "connect_failures_total",
		Help:      "Number of target connect attempts that failed, by SOCKS5 reply code.",
	}, []string{"reply_code"})

	reg.MustRegister(
		r.TunnelsActive,
		r.ChannelsActive,
		r.HandshakeChainLength,
		framesRelayed,
		bytesRelayed,
		connectFailures,
	)

	r.FramesRelayed = *framesRelayed
	r.BytesRelayed = *bytesRelayed
	r.ConnectFailures = *connectFailures
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the HTTP
// exposition handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Direction labels for FramesRelayed / BytesRelayed.
const (
	DirectionUpstream   = "upstream"   // user agent -> target
	DirectionDownstream = "downstream" // target -> user agent
)

// ObserveRelayed records one RELAYING frame of n bytes travelling in the
// given direction.
func (r *Registry) ObserveRelayed(direction string, n int) {
	r.FramesRelayed.WithLabelValues(direction).Inc()
	r.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// ObserveConnectFailure records a failed target connect attempt, labeled
// by the SOCKS5 reply code sent back to the user agent.
func (r *Registry) ObserveConnectFailure(replyCode string) {
	r.ConnectFailures.WithLabelValues(replyCode).Inc()
}
