// Package metrics exposes Prometheus instrumentation for the download
// pipeline: request outcomes, execution durations, artifact sizes, and the
// queue and worker gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	downloads *prometheus.CounterVec
	duration  prometheus.Histogram
	fileSize  prometheus.Histogram
	queueSize prometheus.Gauge
	active    prometheus.Gauge
}

// New creates the registry with the default process and Go collectors plus
// the service's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "download_requests_total",
			Help: "Total number of download requests",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "download_duration_seconds",
			Help:    "Duration of download processing in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		fileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "download_size_bytes",
			Help: "Size of downloaded files in bytes",
			Buckets: []float64{
				1 << 20, 10 << 20, 50 << 20, 100 << 20,
				500 << 20, 1 << 30, 2 << 30,
			},
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "download_queue_size",
			Help: "Current size of the download queue",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Number of active download workers",
		}),
	}
	reg.MustRegister(m.downloads, m.duration, m.fileSize, m.queueSize, m.active)
	return m
}

// IncDownload counts one download request outcome.
func (m *Metrics) IncDownload(status string) {
	m.downloads.WithLabelValues(status).Inc()
}

// ObserveDuration records the wall time of one execution attempt.
func (m *Metrics) ObserveDuration(seconds float64) {
	m.duration.Observe(seconds)
}

// ObserveFileSize records a completed artifact's byte size.
func (m *Metrics) ObserveFileSize(bytes int64) {
	m.fileSize.Observe(float64(bytes))
}

// SetQueueSize updates the waiting-job gauge.
func (m *Metrics) SetQueueSize(n int64) {
	m.queueSize.Set(float64(n))
}

// WorkerStarted increments the active-worker gauge.
func (m *Metrics) WorkerStarted() {
	m.active.Inc()
}

// WorkerDone decrements the active-worker gauge.
func (m *Metrics) WorkerDone() {
	m.active.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
