// Package metrics exposes process-wide counters for the relay (spec C11):
// a pull-based Prometheus endpoint plus a periodic human-readable summary
// log line. Grounded on bken/server/metrics.go's periodic-ticker log idiom
// and RoseWrightdev-Video-Conferencing's use of prometheus/client_golang,
// the only pack repo with a metrics stack.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every gauge/counter the relay publishes.
type Collectors struct {
	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge
	RelayedPackets    *prometheus.CounterVec // labeled by media kind
	RelayedBytes      *prometheus.CounterVec
	RateLimitDrops    *prometheus.CounterVec
}

// NewCollectors registers a fresh set of collectors against a dedicated
// registry (never the global default, so tests can construct multiple
// independent instances).
func NewCollectors() (*Collectors, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meetrelay_active_connections",
			Help: "Number of currently connected control-plane clients.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meetrelay_active_rooms",
			Help: "Number of rooms currently in the room registry.",
		}),
		RelayedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_udp_packets_relayed_total",
			Help: "Total UDP media packets relayed, by kind.",
		}, []string{"kind"}),
		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_udp_bytes_relayed_total",
			Help: "Total UDP media bytes relayed, by kind.",
		}, []string{"kind"}),
		RateLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_rate_limit_drops_total",
			Help: "Total packets/frames dropped for exceeding a rate limit, by plane.",
		}, []string{"plane"}),
	}
	reg.MustRegister(c.ActiveConnections, c.ActiveRooms, c.RelayedPackets, c.RelayedBytes, c.RateLimitDrops)
	return c, reg
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Snapshot is the data a periodic summary log line needs; callers
// (main.go) gather it from the room registry and UDP relays.
type Snapshot struct {
	Connections int
	Rooms       int
	VoicePackets int64
	VoiceBytes   int64
	VideoPackets int64
	VideoBytes   int64
}

// RunSummaryLog logs a one-line human-readable summary every interval
// until ctx is cancelled, matching bken/server/metrics.go's RunMetrics
// ticker idiom.
func RunSummaryLog(ctx context.Context, interval time.Duration, snap func() Snapshot) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := snap()
			slog.Info("relay summary",
				"connections", s.Connections,
				"rooms", s.Rooms,
				"voice_packets", s.VoicePackets,
				"voice_bytes", humanize.Bytes(uint64(s.VoiceBytes)),
				"video_packets", s.VideoPackets,
				"video_bytes", humanize.Bytes(uint64(s.VideoBytes)),
			)
		}
	}
}
