// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream metrics
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubepulse_streams_active",
			Help: "Number of open streaming connections",
		},
	)

	StreamFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubepulse_stream_frames_total",
			Help: "Total number of frames written to streaming clients by kind",
		},
		[]string{"kind"},
	)

	StreamFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubepulse_stream_fetch_duration_seconds",
			Help:    "Duration of stream refresh fetches in seconds by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RegistryEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kubepulse_registry_evictions_total",
			Help: "Total number of stale stream registry entries evicted by the reaper",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubepulse_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubepulse_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Maintenance metrics
	PurgedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubepulse_purged_rows_total",
			Help: "Total number of expired rows removed by table",
		},
		[]string{"table"},
	)
)

// Frame kinds
const (
	FrameData       = "data"
	FrameKeepAlive  = "keepalive"
	FramePermission = "permission_error"
	FrameError      = "fetch_error"
)

// Fetch outcomes
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

func init() {
	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(StreamFramesTotal)
	prometheus.MustRegister(StreamFetchDuration)
	prometheus.MustRegister(RegistryEvictionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(PurgedRowsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on h.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
