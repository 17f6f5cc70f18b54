// Package metrics provides Prometheus metrics for GPU submissions, fence
// polling and staged transfers.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Metrics holds the collectors. All Record methods are safe on a nil
// receiver so that instrumentation can be left unconfigured.
type Metrics struct {
	// Submission metrics
	Submissions    *prometheus.CounterVec
	FuturesPending prometheus.Gauge
	FenceLatency   *prometheus.HistogramVec

	// Fence polling metrics
	FencePolls *prometheus.CounterVec

	// Staged transfer metrics
	StagingBytes         *prometheus.CounterVec
	StagingInflightBytes prometheus.Gauge

	// Buffer metrics
	BuffersLive prometheus.Gauge
}

// Default returns metrics registered with the default Prometheus registry.
// Registration happens once.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vkasync",
				Subsystem: "submissions",
				Name:      "total",
				Help:      "Total number of command buffer submissions by queue role and status",
			},
			[]string{"role", "status"},
		),
		FuturesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vkasync",
				Subsystem: "submissions",
				Name:      "pending",
				Help:      "Number of submitted command buffers whose completion has not been observed",
			},
		),
		FenceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vkasync",
				Subsystem: "submissions",
				Name:      "completion_seconds",
				Help:      "Time from submission until completion was observed on the host",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"role", "status"},
		),
		FencePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vkasync",
				Subsystem: "fences",
				Name:      "polls_total",
				Help:      "Total number of non-blocking fence status checks by result",
			},
			[]string{"result"},
		),
		StagingBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vkasync",
				Subsystem: "staging",
				Name:      "bytes_total",
				Help:      "Total bytes moved through staging buffers by direction",
			},
			[]string{"direction"},
		),
		StagingInflightBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vkasync",
				Subsystem: "staging",
				Name:      "inflight_bytes",
				Help:      "Bytes of staging memory currently allocated for in-flight transfers",
			},
		),
		BuffersLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vkasync",
				Subsystem: "buffers",
				Name:      "live",
				Help:      "Number of buffer allocations whose memory has not been released",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Submissions,
			m.FuturesPending,
			m.FenceLatency,
			m.FencePolls,
			m.StagingBytes,
			m.StagingInflightBytes,
			m.BuffersLive,
		)
	}
	return m
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordSubmitted(role string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(role, "submitted").Inc()
	m.FuturesPending.Inc()
}

func (m *Metrics) RecordSubmitFailed(role string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(role, "failed").Inc()
}

// RecordCompleted is called once per submitted command buffer when its
// future resolves.
func (m *Metrics) RecordCompleted(role string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ready"
	if !ok {
		status = "failed"
	}
	m.Submissions.WithLabelValues(role, status).Inc()
	m.FuturesPending.Dec()
	m.FenceLatency.WithLabelValues(role, status).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFencePoll(signaled bool) {
	if m == nil {
		return
	}
	result := "pending"
	if signaled {
		result = "signaled"
	}
	m.FencePolls.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordStagingStarted(direction string, bytes uint64) {
	if m == nil {
		return
	}
	m.StagingBytes.WithLabelValues(direction).Add(float64(bytes))
	m.StagingInflightBytes.Add(float64(bytes))
}

func (m *Metrics) RecordStagingFinished(bytes uint64) {
	if m == nil {
		return
	}
	m.StagingInflightBytes.Sub(float64(bytes))
}

func (m *Metrics) RecordBufferCreated() {
	if m == nil {
		return
	}
	m.BuffersLive.Inc()
}

func (m *Metrics) RecordBufferFreed() {
	if m == nil {
		return
	}
	m.BuffersLive.Dec()
}
