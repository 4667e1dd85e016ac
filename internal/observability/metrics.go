package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus series exported by fingate.
//
// All recording methods are safe to call on a nil *Metrics, which lets
// components run without metrics in tests and embedded use.
type Metrics struct {
	// AuthEvents counts authentication state machine events.
	// Labels: event (initiate|complete|disconnect|demote|expire), outcome
	AuthEvents *prometheus.CounterVec

	// ActiveSessions tracks current session records by status.
	// Labels: status (pending|authenticated)
	ActiveSessions *prometheus.GaugeVec

	// SweptSessions counts records removed by the background sweep.
	SweptSessions prometheus.Counter

	// DispatchCounter counts dispatched function calls.
	// Labels: tool, code (ok or an error code)
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures dispatch latency in seconds.
	// Labels: tool
	DispatchDuration *prometheus.HistogramVec

	// RemoteCallDuration measures calls to the financial data provider.
	// Labels: method, outcome (ok|unauthorized|unavailable|error)
	RemoteCallDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model request latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors and registers them on reg.
// A nil registerer falls back to the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AuthEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_auth_events_total",
				Help: "Authentication session events by event and outcome",
			},
			[]string{"event", "outcome"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fingate_sessions",
				Help: "Current number of session records by status",
			},
			[]string{"status"},
		),

		SweptSessions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fingate_sessions_swept_total",
				Help: "Total number of expired session records removed by the sweeper",
			},
		),

		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_dispatch_total",
				Help: "Total number of dispatched function calls by tool and result code",
			},
			[]string{"tool", "code"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fingate_dispatch_duration_seconds",
				Help:    "Duration of dispatched function calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"tool"},
		),

		RemoteCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fingate_remote_call_duration_seconds",
				Help:    "Duration of financial data provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"method", "outcome"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_llm_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fingate_llm_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fingate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fingate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"method", "path"},
		),
	}
}

// RecordAuthEvent increments the auth event counter.
//
//	metrics.RecordAuthEvent("complete", "ok")
func (m *Metrics) RecordAuthEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(event, outcome).Inc()
}

// SetActiveSessions sets the session gauge for a status.
func (m *Metrics) SetActiveSessions(status string, count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(status).Set(float64(count))
}

// RecordSweep adds removed records to the sweep counter.
func (m *Metrics) RecordSweep(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.SweptSessions.Add(float64(removed))
}

// RecordDispatch records the outcome and latency of one dispatched call.
//
//	metrics.RecordDispatch("getNetWorth", "ok", time.Since(start).Seconds())
func (m *Metrics) RecordDispatch(tool, code string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatchCounter.WithLabelValues(tool, code).Inc()
	m.DispatchDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordRemoteCall records a financial data provider call.
func (m *Metrics) RecordRemoteCall(method, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RemoteCallDuration.WithLabelValues(method, outcome).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for a model request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
