package mockpod

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects proxy counters. ProxyCore owns one instance; the embedder
// registers it with its registry of choice. No HTTP listener is exposed here.
type Metrics struct {
	connections    prometheus.Counter
	requests       *prometheus.CounterVec
	mocked         *prometheus.CounterVec
	upstreamErrors prometheus.Counter
	duration       prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mockpod",
			Name:      "connections_total",
			Help:      "Accepted CONNECT tunnels.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mockpod",
			Name:      "requests_total",
			Help:      "Proxied requests by path.",
		}, []string{"path"}),
		mocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mockpod",
			Name:      "mocked_responses_total",
			Help:      "Responses produced from a rule, by strategy.",
		}, []string{"strategy"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mockpod",
			Name:      "upstream_errors_total",
			Help:      "Failed upstream connects and protocol errors.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mockpod",
			Name:      "exchange_duration_seconds",
			Help:      "Request-first-byte to response-last-byte.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.connections.Describe(ch)
	m.requests.Describe(ch)
	m.mocked.Describe(ch)
	m.upstreamErrors.Describe(ch)
	m.duration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.connections.Collect(ch)
	m.requests.Collect(ch)
	m.mocked.Collect(ch)
	m.upstreamErrors.Collect(ch)
	m.duration.Collect(ch)
}
