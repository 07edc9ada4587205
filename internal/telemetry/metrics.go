// Package telemetry provides observability primitives for the Pylon gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	RateLimitRejects *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueOutcomes    *prometheus.CounterVec
	SSEActive        prometheus.Gauge
	SSEEvents        prometheus.Counter
	UpstreamErrors   *prometheus.CounterVec
	RecordsDropped   prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pylon",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "queue_depth",
			Help:      "Current number of requests waiting in the queue.",
		}),

		QueueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "queue_outcomes_total",
			Help:      "Total queue waits by outcome.",
		}, []string{"outcome"}),

		SSEActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pylon",
			Name:      "sse_active_streams",
			Help:      "Number of currently open SSE streams.",
		}),

		SSEEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "sse_events_total",
			Help:      "Total SSE events forwarded to clients.",
		}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "upstream_errors_total",
			Help:      "Total upstream request failures.",
		}, []string{"reason"}),

		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pylon",
			Name:      "request_logs_dropped_total",
			Help:      "Total request logs dropped because the recorder channel was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.QueueDepth,
		m.QueueOutcomes,
		m.SSEActive,
		m.SSEEvents,
		m.UpstreamErrors,
		m.RecordsDropped,
	)

	return m
}
