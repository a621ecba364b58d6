// Package metrics provides Prometheus metrics for the echo service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udpecho"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	// Endpoint metrics
	EndpointBound prometheus.Gauge

	// Datagram metrics
	DatagramsReceived *prometheus.CounterVec
	DatagramsSent     *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	DatagramSize      prometheus.Histogram

	// Degraded datagrams
	Truncations *prometheus.CounterVec

	// Errors by operation
	Errors *prometheus.CounterVec

	// Time from datagram arrival to reply sent
	ExchangeLatency prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EndpointBound: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_bound",
			Help:      "1 while the UDP endpoint is bound, 0 otherwise",
		}),

		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received by peer address family",
		}, []string{"family"}),
		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total reply datagrams sent by peer address family",
		}, []string{"family"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams received without a reply, by reason",
		}, []string{"reason"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent",
		}),
		DatagramSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "datagram_size_bytes",
			Help:      "Histogram of received payload sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 7),
		}),

		Truncations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Total truncated datagrams by what was truncated (message, address)",
		}, []string{"kind"}),

		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total endpoint errors by operation",
		}, []string{"op"}),

		ExchangeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_latency_seconds",
			Help:      "Histogram of time from datagram receipt to reply sent",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
	}
}

// SetBound records whether the endpoint is bound.
func (m *Metrics) SetBound(bound bool) {
	if bound {
		m.EndpointBound.Set(1)
	} else {
		m.EndpointBound.Set(0)
	}
}

// RecordReceived records a received datagram.
func (m *Metrics) RecordReceived(family string, bytes int) {
	m.DatagramsReceived.WithLabelValues(family).Inc()
	m.BytesReceived.Add(float64(bytes))
	m.DatagramSize.Observe(float64(bytes))
}

// RecordSent records a sent reply.
func (m *Metrics) RecordSent(family string, bytes int, latencySeconds float64) {
	m.DatagramsSent.WithLabelValues(family).Inc()
	m.BytesSent.Add(float64(bytes))
	m.ExchangeLatency.Observe(latencySeconds)
}

// RecordDropped records a datagram that was not answered.
func (m *Metrics) RecordDropped(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordTruncation records a truncated message or peer address.
func (m *Metrics) RecordTruncation(kind string) {
	m.Truncations.WithLabelValues(kind).Inc()
}

// RecordError records a failed endpoint operation.
func (m *Metrics) RecordError(op string) {
	m.Errors.WithLabelValues(op).Inc()
}
