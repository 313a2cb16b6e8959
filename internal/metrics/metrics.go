package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. A single instance is
// wired through the services at startup; tests construct their own against
// a throwaway registry.
type Metrics struct {
	AppendsTotal     *prometheus.CounterVec
	AppendDuration   prometheus.Histogram
	ChainLength      prometheus.Gauge
	VerifyRunsTotal  *prometheus.CounterVec
	VerifyDuration   prometheus.Histogram
	TamperAlerts     *prometheus.CounterVec
	Violations       *prometheus.CounterVec
	RetentionPurged  prometheus.Counter
	HeldRecords      prometheus.Gauge
	CacheHits        *prometheus.CounterVec
	ScanWindowSize   prometheus.Gauge
}

// New registers the engine's instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AppendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsledger",
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Ledger append attempts by outcome.",
		}, []string{"outcome"}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opsledger",
			Subsystem: "ledger",
			Name:      "append_duration_seconds",
			Help:      "Time spent appending a record, critical section included.",
			Buckets:   prometheus.DefBuckets,
		}),
		ChainLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsledger",
			Subsystem: "ledger",
			Name:      "chain_length",
			Help:      "Current number of records in the ledger.",
		}),
		VerifyRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsledger",
			Subsystem: "verifier",
			Name:      "runs_total",
			Help:      "Verification runs by outcome.",
		}, []string{"outcome"}),
		VerifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opsledger",
			Subsystem: "verifier",
			Name:      "run_duration_seconds",
			Help:      "Time spent replaying a verification range.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		TamperAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsledger",
			Subsystem: "scanner",
			Name:      "tamper_alerts_total",
			Help:      "Tamper alerts raised by severity.",
		}, []string{"severity"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsledger",
			Subsystem: "scanner",
			Name:      "compliance_violations_total",
			Help:      "Compliance violations raised by framework.",
		}, []string{"framework"}),
		RetentionPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opsledger",
			Subsystem: "retention",
			Name:      "records_purged_total",
			Help:      "Records archived or purged by the retention gate.",
		}),
		HeldRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsledger",
			Subsystem: "retention",
			Name:      "held_records",
			Help:      "Records currently pinned by active legal holds.",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsledger",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by result.",
		}, []string{"cache", "result"}),
		ScanWindowSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsledger",
			Subsystem: "scanner",
			Name:      "window_size",
			Help:      "Records covered by the most recent scan window.",
		}),
	}
}

// NewForTesting returns metrics bound to a private registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
