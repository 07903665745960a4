package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter

	// Batch metrics
	BatchesTotal  *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	BatchCommands prometheus.Histogram

	// Sandbox metrics
	ProvisionDuration prometheus.Histogram
	ProvisionErrors   prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a metrics collector on the given registry; tests
// pass a fresh one to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsdbg_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jsdbg_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jsdbg_sessions_active",
				Help: "Number of live debugging sessions",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jsdbg_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jsdbg_sessions_closed_total",
				Help: "Total number of sessions closed",
			},
		),

		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsdbg_batches_total",
				Help: "Total number of command batches by outcome",
			},
			[]string{"outcome"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jsdbg_batch_duration_seconds",
				Help:    "Time from batch submission to quiescence",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		BatchCommands: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jsdbg_batch_commands",
				Help:    "Number of commands per batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50},
			},
		),

		ProvisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jsdbg_sandbox_provision_duration_seconds",
				Help:    "Time to build, start and discover a sandbox",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		ProvisionErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jsdbg_sandbox_provision_errors_total",
				Help: "Total number of failed sandbox provisions",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "jsdbg_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBatch records one executed command batch. outcome is the quiescence
// label ("paused", "terminated", "timeout", "error").
func (m *Metrics) RecordBatch(outcome string, commands int, duration time.Duration) {
	m.BatchesTotal.WithLabelValues(outcome).Inc()
	m.BatchDuration.Observe(duration.Seconds())
	m.BatchCommands.Observe(float64(commands))
}

// RecordProvision records one sandbox provisioning attempt.
func (m *Metrics) RecordProvision(duration time.Duration, err error) {
	if err != nil {
		m.ProvisionErrors.Inc()
		return
	}
	m.ProvisionDuration.Observe(duration.Seconds())
}

// SetSessionsActive sets the live session gauge.
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}
