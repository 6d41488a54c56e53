// Package metrics provides metrics collection capabilities for the relayer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the relayer.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// HTTP metrics
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestInFlight prometheus.Gauge
	ErrorCount      *prometheus.CounterVec

	// Queue metrics
	QueueDepth       prometheus.Gauge
	QueueFlushes     *prometheus.CounterVec
	SubmissionsTotal *prometheus.CounterVec

	// Batch pipeline metrics
	BatchesTotal   *prometheus.CounterVec
	BatchSize      prometheus.Histogram
	ProofDuration  prometheus.Histogram
	SubmitDuration prometheus.Histogram
	BridgeCalls    *prometheus.CounterVec
	BridgeRetries  prometheus.Counter

	// Tree sync metrics
	TreeLeaves      prometheus.Gauge
	TreeSyncErrors  prometheus.Counter
	NotesBackfilled prometheus.Counter

	// Service metrics
	ServiceUptime      prometheus.Gauge
	ServiceLastStarted prometheus.Gauge
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "vm31",
		ServiceName: "relayer",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "request_total",
				Help:      "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RequestInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by code",
			},
			[]string{"code"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Current number of pending transactions",
			},
		),

		QueueFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "flushes_total",
				Help:      "Total number of batch flushes by trigger",
			},
			[]string{"trigger"},
		),

		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "queue",
				Name:      "submissions_total",
				Help:      "Total number of accepted submissions by kind",
			},
			[]string{"kind"},
		),

		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "batch",
				Name:      "total",
				Help:      "Total number of batches by terminal status",
			},
			[]string{"status"},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "batch",
				Name:      "size",
				Help:      "Transactions per batch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32},
			},
		),

		ProofDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "batch",
				Name:      "proof_duration_seconds",
				Help:      "Proof generation duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),

		SubmitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "batch",
				Name:      "submit_duration_seconds",
				Help:      "On-chain submission duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),

		BridgeCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "bridge",
				Name:      "calls_total",
				Help:      "Total number of bridge invocations by outcome",
			},
			[]string{"outcome"},
		),

		BridgeRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "bridge",
				Name:      "retries_total",
				Help:      "Total number of bridge retry attempts",
			},
		),

		TreeLeaves: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tree",
				Name:      "leaves",
				Help:      "Number of leaves in the local commitment tree",
			},
		),

		TreeSyncErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tree",
				Name:      "sync_errors_total",
				Help:      "Total number of failed tree sync ticks",
			},
		),

		NotesBackfilled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tree",
				Name:      "notes_backfilled_total",
				Help:      "Total number of note records backfilled with Merkle paths",
			},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "service_uptime_seconds",
				Help:      "Service uptime in seconds",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "service_last_started_timestamp",
				Help:      "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),
	}

	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError records an error metric by code.
func (m *Metrics) RecordError(code string) {
	m.ErrorCount.WithLabelValues(code).Inc()
}

// RecordFlush records a batch flush by trigger kind.
func (m *Metrics) RecordFlush(trigger string, size int) {
	m.QueueFlushes.WithLabelValues(trigger).Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordBatchOutcome records a terminal batch status.
func (m *Metrics) RecordBatchOutcome(status string) {
	m.BatchesTotal.WithLabelValues(status).Inc()
}
