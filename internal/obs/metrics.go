package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	RequestTotal *prometheus.CounterVec // mode, result=granted|queued|not_grantable|canceled|timeout
	ReleaseTotal *prometheus.CounterVec // kind=release|expired|teardown

	OpLatencyMS *prometheus.HistogramVec // op=acquire|renew|release|state

	LocksHeld      prometheus.Gauge
	LocksRequested prometheus.Gauge
	OriginsActive  prometheus.Gauge
	ExpiredTotal   prometheus.Counter

	JournalDroppedTotal prometheus.Counter
	SessionsActive      prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// registers on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "originlock_request_total",
				Help: "Lock requests by mode and outcome",
			},
			[]string{"mode", "result"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "originlock_release_total",
				Help: "Lease releases by kind",
			},
			[]string{"kind"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "originlock_op_latency_ms",
				Help:    "Latency of service operations (ms), including time spent waiting for a grant",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
			},
			[]string{"op"},
		),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "originlock_locks_held",
			Help: "Number of currently held lock records",
		}),
		LocksRequested: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "originlock_locks_requested",
			Help: "Number of queued lock requests",
		}),
		OriginsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "originlock_origins_active",
			Help: "Number of origins with held or queued records",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "originlock_lease_expired_total",
			Help: "Total number of leases released because their TTL elapsed",
		}),
		JournalDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "originlock_journal_dropped_total",
			Help: "Events not journaled because the writer queue was full",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "originlock_sessions_active",
			Help: "Open websocket sessions",
		}),
	}

	reg.MustRegister(
		m.RequestTotal,
		m.ReleaseTotal,
		m.OpLatencyMS,
		m.LocksHeld,
		m.LocksRequested,
		m.OriginsActive,
		m.ExpiredTotal,
		m.JournalDroppedTotal,
		m.SessionsActive,
	)

	return m
}
