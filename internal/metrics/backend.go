package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics backend query metrics.
var (
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "traffic",
			Name:      "backend_requests_total",
			Help:      "Total number of metrics backend queries",
		},
		[]string{"op", "status"}, // op: label_values, query, buildinfo
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "traffic",
			Name:      "backend_request_duration_seconds",
			Help:      "Metrics backend query duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)
)

// Usage gauges published by the scheduled exporter.
var (
	InstanceUsageBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "traffic",
			Name:      "instance_usage_bytes",
			Help:      "Bytes received and transmitted in the current billing cycle",
		},
		[]string{"instance"},
	)

	InstanceQuotaBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "traffic",
			Name:      "instance_quota_bytes",
			Help:      "Billing cycle quota in bytes",
		},
		[]string{"instance"},
	)

	InstanceUsageRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "traffic",
			Name:      "instance_usage_ratio",
			Help:      "Fraction of the billing cycle quota consumed",
		},
		[]string{"instance"},
	)

	ExporterLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "traffic",
			Name:      "exporter_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful usage export",
		},
	)
)

var registerOnce sync.Once

// Register registers backend and usage metrics. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(BackendRequestsTotal)
		prometheus.MustRegister(BackendRequestDuration)
		prometheus.MustRegister(InstanceUsageBytes)
		prometheus.MustRegister(InstanceQuotaBytes)
		prometheus.MustRegister(InstanceUsageRatio)
		prometheus.MustRegister(ExporterLastSuccess)
	})
}
