package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay service.
type Metrics struct {
	// Relay session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionsFailed   prometheus.Counter
	SessionDuration  prometheus.Histogram
	UpstreamConnects prometheus.Counter
	UpstreamRetries  prometheus.Counter
	UpstreamFailures prometheus.Counter

	// Viewer metrics
	ActiveViewers   prometheus.Gauge
	ViewersAttached prometheus.Counter
	ViewersDetached prometheus.Counter
	ViewersEvicted  prometheus.Counter

	// Sample flow metrics
	SamplesRelayed prometheus.Counter
	SamplesDropped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of live relay sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total number of relay sessions closed by idle teardown or shutdown",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_failed_total",
			Help: "Total number of relay sessions terminated after exhausting the retry budget",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		UpstreamConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_connects_total",
			Help: "Total number of successful upstream connections",
		}),
		UpstreamRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_retries_total",
			Help: "Total number of upstream reconnect attempts",
		}),
		UpstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_failures_total",
			Help: "Total number of upstream connect failures",
		}),

		ActiveViewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_viewers",
			Help: "Current number of attached viewers across all sessions",
		}),
		ViewersAttached: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_viewers_attached_total",
			Help: "Total number of viewer attach operations",
		}),
		ViewersDetached: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_viewers_detached_total",
			Help: "Total number of viewer detach operations",
		}),
		ViewersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_viewers_evicted_total",
			Help: "Total number of viewers evicted for sustained backpressure",
		}),

		SamplesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_samples_relayed_total",
			Help: "Total number of samples published to viewer queues",
		}),
		SamplesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_samples_dropped_total",
			Help: "Total number of samples dropped from full viewer queues",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the sessions created counter and updates
// the active gauge.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed records an orderly session teardown.
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed records a session terminated by upstream failure.
func (m *Metrics) RecordSessionFailed(durationSeconds float64) {
	m.SessionsFailed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordUpstreamConnect increments the successful connect counter.
func (m *Metrics) RecordUpstreamConnect() {
	m.UpstreamConnects.Inc()
}

// RecordUpstreamRetry increments the reconnect attempt counter.
func (m *Metrics) RecordUpstreamRetry() {
	m.UpstreamRetries.Inc()
}

// RecordUpstreamFailure increments the connect failure counter.
func (m *Metrics) RecordUpstreamFailure() {
	m.UpstreamFailures.Inc()
}

// RecordViewerAttached increments viewer counters.
func (m *Metrics) RecordViewerAttached() {
	m.ViewersAttached.Inc()
	m.ActiveViewers.Inc()
}

// RecordViewerDetached decrements the active viewer gauge.
func (m *Metrics) RecordViewerDetached() {
	m.ViewersDetached.Inc()
	m.ActiveViewers.Dec()
}

// RecordViewerEvicted records a backpressure eviction. The detach itself is
// recorded separately.
func (m *Metrics) RecordViewerEvicted() {
	m.ViewersEvicted.Inc()
}

// RecordSamplesRelayed adds to the relayed sample counter.
func (m *Metrics) RecordSamplesRelayed(n int) {
	m.SamplesRelayed.Add(float64(n))
}

// RecordSampleDropped increments the dropped sample counter.
func (m *Metrics) RecordSampleDropped() {
	m.SamplesDropped.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error.
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
