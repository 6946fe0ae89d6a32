// Package telemetry provides observability primitives for the gate.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gate.
type Metrics struct {
	RequestsAdmitted  prometheus.Counter
	RateLimitRejects  *prometheus.CounterVec // labels: scope
	ParallelInFlight  prometheus.Gauge
	AdmissionDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "litellm",
			Name:      "requests_admitted_total",
			Help:      "Total requests admitted by the gate.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "litellm",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections by scope.",
		}, []string{"scope"}),

		ParallelInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "litellm",
			Name:      "parallel_requests_in_flight",
			Help:      "Requests admitted and not yet reconciled.",
		}),

		AdmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "litellm",
			Name:                            "admission_check_duration_seconds",
			Help:                            "Pre-call admission check duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),
	}

	reg.MustRegister(
		m.RequestsAdmitted,
		m.RateLimitRejects,
		m.ParallelInFlight,
		m.AdmissionDuration,
	)

	return m
}
