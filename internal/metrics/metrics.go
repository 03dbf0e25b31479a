// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_api_request_duration_seconds",
			Help:    "Total time taken for requests in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"model", "endpoint"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_api_request_count_total",
			Help: "Total number of requests processed",
		},
		[]string{"model", "endpoint", "status"},
	)

	TotalTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_api_total_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"model", "endpoint"},
	)

	BatchesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_api_batches_dispatched_total",
			Help: "Sub-batches dispatched to the inference backend",
		},
		[]string{"endpoint"},
	)

	BatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_api_batch_retries_total",
			Help: "Sub-batch retries after transient backend failures",
		},
		[]string{"endpoint"},
	)

	InflightBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_api_inflight_batches",
			Help: "Sub-batches currently in flight against the backend",
		},
	)

	BackendConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_api_backend_connections",
			Help: "Backend connection slots currently checked out",
		},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_api_error_count",
			Help: "Error count",
		},
		[]string{"model", "endpoint", "kind"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
