package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyexec_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyexec_ratelimit_waits_total",
		Help: "Acquisitions that had to wait for a token",
	}, []string{"class"})

	RateLimitUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyexec_ratelimit_utilization",
		Help: "Share of each bucket currently consumed",
	}, []string{"class"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyexec_retry_attempts_total",
		Help: "Retry engine attempts by outcome",
	}, []string{"outcome"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyexec_orders_total",
		Help: "Orders sent to the exchange",
	}, []string{"status", "side"})

	PairTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyexec_pair_transitions_total",
		Help: "Mint-maker pair status transitions",
	}, []string{"to"})

	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyexec_merges_total",
		Help: "Merge attempts by result",
	}, []string{"result"})

	ExitSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyexec_exit_signals_total",
		Help: "Sell signals emitted by trigger",
	}, []string{"trigger"})

	CustodyKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyexec_custody_keys",
		Help: "Wallets with a signing key in custody",
	})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyexec_hub_subscribers",
		Help: "Live hub subscribers",
	})

	HubLagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyexec_hub_lagged_total",
		Help: "Envelopes skipped by lagging subscribers",
	})

	LoopPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyexec_loop_panics_total",
		Help: "Recovered panics in supervised loops",
	}, []string{"loop"})
)
