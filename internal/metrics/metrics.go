package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the dexy gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Execution metrics.
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionsInFlight prometheus.Gauge

	// Settlement metrics.
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// Upstream metrics.
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamErrorsTotal *prometheus.CounterVec

	RateLimitRejectionsTotal prometheus.Counter

	// Ledger metrics.
	LedgerBuffered      prometheus.Gauge
	LedgerFlushesTotal  *prometheus.CounterVec
	LedgerRecordsTotal  *prometheus.CounterVec
	LedgerDroppedTotal  prometheus.Counter
	AsyncDroppedTotal   *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dexy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dexy_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_executions_total",
			Help: "Agent executions by final outcome.",
		}, []string{"outcome"}),

		ExecutionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexy_executions_in_flight",
			Help: "Number of executions currently being handled.",
		}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_settlements_total",
			Help: "Settlement verifications by outcome.",
		}, []string{"outcome"}),

		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dexy_settlement_duration_seconds",
			Help:    "Settlement verification duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dexy_upstream_duration_seconds",
			Help:    "Upstream agent request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status_code"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_upstream_errors_total",
			Help: "Upstream request errors by error type.",
		}, []string{"error_type"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dexy_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		LedgerBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexy_ledger_buffered_records",
			Help: "Current number of buffered usage records.",
		}),

		LedgerFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_ledger_flushes_total",
			Help: "Total number of ledger flushes.",
		}, []string{"status"}),

		LedgerRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_ledger_flushed_records_total",
			Help: "Usage records handed to the ledger sink.",
		}, []string{"status"}),

		LedgerDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dexy_ledger_dropped_records_total",
			Help: "Usage records dropped because the buffer was full.",
		}),

		AsyncDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_async_dropped_jobs_total",
			Help: "Background jobs dropped because the queue was full.",
		}, []string{"job"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dexy_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dexy_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ExecutionsTotal,
		m.ExecutionsInFlight,
		m.SettlementsTotal,
		m.SettlementDuration,
		m.UpstreamDuration,
		m.UpstreamErrorsTotal,
		m.RateLimitRejectionsTotal,
		m.LedgerBuffered,
		m.LedgerFlushesTotal,
		m.LedgerRecordsTotal,
		m.LedgerDroppedTotal,
		m.AsyncDroppedTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// ObserveSettlement records one verification outcome ("settled" or a
// failure reason).
func (m *Metrics) ObserveSettlement(outcome string, seconds float64) {
	m.SettlementsTotal.WithLabelValues(outcome).Inc()
	m.SettlementDuration.Observe(seconds)
}

// ObserveUpstreamDuration records the upstream request duration. A zero
// status marks a request that never got a response.
func (m *Metrics) ObserveUpstreamDuration(status int, seconds float64) {
	m.UpstreamDuration.WithLabelValues(strconv.Itoa(status)).Observe(seconds)
}

// IncUpstreamError increments the upstream error counter.
func (m *Metrics) IncUpstreamError(errorType string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncExecution counts one finished execution.
func (m *Metrics) IncExecution(outcome string) {
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
}

// TrackExecution increments the in-flight gauge and returns the func that
// decrements it.
func (m *Metrics) TrackExecution() func() {
	m.ExecutionsInFlight.Inc()
	return m.ExecutionsInFlight.Dec
}

// IncLedgerFlush counts one flush of n records.
func (m *Metrics) IncLedgerFlush(outcome string, n int) {
	m.LedgerFlushesTotal.WithLabelValues(outcome).Inc()
	m.LedgerRecordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// IncLedgerDropped counts records evicted from a full buffer.
func (m *Metrics) IncLedgerDropped(n int) {
	m.LedgerDroppedTotal.Add(float64(n))
}

// SetLedgerBuffered reports the current buffer length.
func (m *Metrics) SetLedgerBuffered(n int) {
	m.LedgerBuffered.Set(float64(n))
}

// IncAsyncDropped counts a dropped background job.
func (m *Metrics) IncAsyncDropped(job string) {
	m.AsyncDroppedTotal.WithLabelValues(job).Inc()
}
