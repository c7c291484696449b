// Package metrics provides Prometheus metrics for the battery monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal tracks the total number of snapshot fetches attempted
	FetchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonnen_fetch_total",
		Help: "Total number of snapshot fetches attempted",
	})

	// FetchErrors tracks the number of failed snapshot fetches
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sonnen_fetch_errors_total",
		Help: "Total number of failed snapshot fetches",
	})

	// FetchDuration tracks how long a full fetch of both payloads takes
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sonnen_fetch_duration_seconds",
		Help:    "Duration of a snapshot fetch in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SinkWriteErrors tracks failed writes per sink
	SinkWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sonnen_sink_write_errors_total",
		Help: "Total number of failed metric writes per sink",
	}, []string{"sink"})
)
