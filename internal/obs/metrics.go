package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AcceptedTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rfbrelay_accepted_total", Help: "Accepted connections by role"}, []string{"role"})
	RateLimitedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rfbrelay_rate_limited_total", Help: "Connections rejected by the accept throttle"}, []string{"role"})
	HandshakeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rfbrelay_handshake_failures_total", Help: "Failed handshakes by role and reason"}, []string{"role", "reason"})
	Waiting                = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "rfbrelay_waiting", Help: "Waiting pairs by role of the parked endpoint"}, []string{"role"})
	ActivePairs            = promauto.NewGauge(prometheus.GaugeOpts{Name: "rfbrelay_active_pairs", Help: "Matched pairs currently relaying"})
	PairsTotal             = promauto.NewCounter(prometheus.CounterOpts{Name: "rfbrelay_pairs_total", Help: "Pairs matched"})
	RelayedBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rfbrelay_relayed_bytes_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	PairDurationSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rfbrelay_pair_duration_seconds", Help: "Matched pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)
