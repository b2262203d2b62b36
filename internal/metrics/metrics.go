package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "btcwatch"

// ── Evaluation loop ─────────────────────────────────────────────────────

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "total",
		Help:      "Evaluation cycles by outcome.",
	}, []string{"status"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Wall time of one evaluation cycle.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	LastCycleTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "last_success_timestamp",
		Help:      "Unix timestamp of the last completed evaluation cycle.",
	})

	ActiveRules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "active_rules",
		Help:      "Active alert rules seen by the last cycle.",
	})
)

// ── Market data ─────────────────────────────────────────────────────────

var (
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "total",
		Help:      "Upstream market data requests per source.",
	}, []string{"source", "status"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Upstream request latency per source, retries included.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	PriceUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "market",
		Name:      "price_usd",
		Help:      "Last observed BTC price in USD.",
	})
)

// ── Alerts ──────────────────────────────────────────────────────────────

var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "decisions_total",
		Help:      "Delivery decisions emitted by the engine.",
	}, []string{"kind"})

	SuppressedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Triggered conditions that were not delivered, by reason.",
	}, []string{"kind", "reason"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "deliveries_total",
		Help:      "Notification send attempts by outcome.",
	}, []string{"kind", "status"})

	DigestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "digest",
		Name:      "total",
		Help:      "Scheduled digest runs by slot and outcome.",
	}, []string{"slot", "status"})
)

// ── Bot / HTTP ──────────────────────────────────────────────────────────

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "commands_total",
		Help:      "Chat commands handled.",
	}, []string{"command"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)
