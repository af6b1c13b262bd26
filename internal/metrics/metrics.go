// Package metrics provides Prometheus metrics for the auction tracker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector produced by the service (§6).
type Metrics struct {
	CircuitBreakerState *prometheus.GaugeVec

	QueueDepth           prometheus.Gauge
	QueueProcessingTime  prometheus.Histogram

	UpdatesTotal *prometheus.CounterVec // labels: source=stream|poll

	BidsTotal       *prometheus.CounterVec // labels: strategy, outcome
	BidLatency      *prometheus.HistogramVec

	StreamConnectionsActive prometheus.Gauge
	StreamReconnectsTotal   *prometheus.CounterVec

	AuthCookiePresent prometheus.Gauge
	HealthStatus      prometheus.Gauge

	MonitoredAuctions prometheus.Gauge
}

// New creates and registers every collector under namespace (defaults to
// "auctiontracker") against the default Prometheus registry.
func New(namespace string) *Metrics {
	m := newUnregistered(namespace)
	prometheus.MustRegister(collectors(m)...)
	return m
}

// NewWithRegisterer is New but registers against reg instead of the
// default registry, so tests can use an isolated prometheus.Registry and
// avoid collisions with other tests in the same process.
func NewWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	m := newUnregistered(namespace)
	reg.MustRegister(collectors(m)...)
	return m
}

func collectors(m *Metrics) []prometheus.Collector {
	return []prometheus.Collector{
		m.CircuitBreakerState,
		m.QueueDepth,
		m.QueueProcessingTime,
		m.UpdatesTotal,
		m.BidsTotal,
		m.BidLatency,
		m.StreamConnectionsActive,
		m.StreamReconnectsTotal,
		m.AuthCookiePresent,
		m.HealthStatus,
		m.MonitoredAuctions,
	}
}

func newUnregistered(namespace string) *Metrics {
	if namespace == "" {
		namespace = "auctiontracker"
	}

	return &Metrics{
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_queue_depth",
				Help:      "Number of auctions currently scheduled for polling",
			},
		),
		QueueProcessingTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_processing_seconds",
				Help:      "Time spent processing a batch of due polls",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		UpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auction_updates_total",
				Help:      "Total auction snapshot updates, by source",
			},
			[]string{"source"},
		),
		BidsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_total",
				Help:      "Total automated bid attempts, by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		BidLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_latency_seconds",
				Help:      "Latency of a bid attempt against the upstream",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"strategy"},
		),
		StreamConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_connections_active",
				Help:      "Number of currently open streaming connections",
			},
		),
		StreamReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_reconnects_total",
				Help:      "Total streaming reconnect attempts",
			},
			[]string{"auction_id"},
		),
		AuthCookiePresent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "auth_cookie_present",
				Help:      "1 if authentication cookies are currently loaded, else 0",
			},
		),
		HealthStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "1 if the service considers itself healthy, else 0",
			},
		),
		MonitoredAuctions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "monitored_auctions",
				Help:      "Number of auctions currently being monitored",
			},
		),
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCircuitBreakerState records the breaker's state as a numeric gauge.
func (m *Metrics) SetCircuitBreakerState(state string) {
	var v float64
	switch state {
	case "closed":
		v = 0
	case "open":
		v = 1
	case "half_open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues().Set(v)
}

// RecordUpdate tallies one auction snapshot update by its source.
func (m *Metrics) RecordUpdate(source string) {
	m.UpdatesTotal.WithLabelValues(source).Inc()
}

// RecordBid tallies a bid attempt and its latency.
func (m *Metrics) RecordBid(strategy, outcome string, latency time.Duration) {
	m.BidsTotal.WithLabelValues(strategy, outcome).Inc()
	m.BidLatency.WithLabelValues(strategy).Observe(latency.Seconds())
}

// RecordReconnect tallies a streaming reconnect attempt for an auction.
func (m *Metrics) RecordReconnect(auctionID string) {
	m.StreamReconnectsTotal.WithLabelValues(auctionID).Inc()
}

// SetAuthCookiePresent sets the auth cookie presence gauge.
func (m *Metrics) SetAuthCookiePresent(present bool) {
	if present {
		m.AuthCookiePresent.Set(1)
	} else {
		m.AuthCookiePresent.Set(0)
	}
}

// SetHealthy sets the health status gauge.
func (m *Metrics) SetHealthy(healthy bool) {
	if healthy {
		m.HealthStatus.Set(1)
	} else {
		m.HealthStatus.Set(0)
	}
}
