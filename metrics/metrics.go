// Package metrics exposes the counters and histograms cmd/uaecho mounts at
// /metrics, grounded on absmach-magistrala's
// cmd/influxdb-writer/main.go:makeMetrics Namespace/Subsystem/Name/Help
// construction style and its api/transport.go promhttp.Handler() mount
// point.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uatransport"

// Metrics bundles every counter/histogram this module's transport layer
// updates, registered against its own prometheus.Registry so embedding
// applications don't have their own registrations polluted by it.
type Metrics struct {
	registry *prometheus.Registry

	ChunksEncoded   *prometheus.CounterVec
	ChunksDecoded   *prometheus.CounterVec
	TokenRotations  prometheus.Counter
	PendingRequests prometheus.GaugeFunc
	EncodeLatency   prometheus.Histogram
}

// New constructs and registers a Metrics bundle. pendingCount is polled on
// scrape to report the live size of the request/response correlation map;
// passing nil makes that gauge always report 0.
func New(subsystem string, pendingCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ChunksEncoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunks_encoded_total",
			Help:      "Number of chunks encoded, by message type.",
		}, []string{"message_type"}),
		ChunksDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunks_decoded_total",
			Help:      "Number of chunks decoded, by message type.",
		}, []string{"message_type"}),
		TokenRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "token_rotations_total",
			Help:      "Number of SecurityToken rotations performed.",
		}),
		EncodeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "encode_latency_seconds",
			Help:      "Time spent encoding a request body into wire chunks.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if pendingCount == nil {
		pendingCount = func() float64 { return 0 }
	}
	m.PendingRequests = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "pending_requests",
		Help:      "Current size of the request/response correlation map.",
	}, pendingCount)

	reg.MustRegister(m.ChunksEncoded, m.ChunksDecoded, m.TokenRotations, m.EncodeLatency, m.PendingRequests)
	return m
}

// Handler serves the bundle's registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
