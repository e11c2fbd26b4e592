// Package metrics defines the Prometheus instruments the automation
// subsystem exposes. All instruments live on one struct so components
// share a single registration path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for request counters.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Metrics holds every instrument the subsystem records into.
type Metrics struct {
	// InFlightRequests mirrors the bridge's pending request counter.
	InFlightRequests prometheus.Gauge
	// RequestsTotal counts settled automation requests by outcome.
	RequestsTotal *prometheus.CounterVec
	// RequestDurationSeconds observes end-to-end request latency.
	RequestDurationSeconds prometheus.Histogram
	// StepAttemptsTotal counts orchestrated step attempts by provider
	// and event (success, failure, fallback, disabled).
	StepAttemptsTotal *prometheus.CounterVec
	// PlanRetriesTotal counts planner retries after invalid output.
	PlanRetriesTotal prometheus.Counter
	// ArtifactWriteFailuresTotal counts trace artifacts that could not
	// be persisted.
	ArtifactWriteFailuresTotal prometheus.Counter
}

// New builds and registers the instrument set on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InFlightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "webpilot",
			Subsystem: "bridge",
			Name:      "in_flight_requests",
			Help:      "Automation requests currently awaiting results.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webpilot",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Settled automation requests by outcome.",
		}, []string{"outcome"}),
		RequestDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webpilot",
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "End-to-end automation request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		StepAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webpilot",
			Subsystem: "steps",
			Name:      "attempts_total",
			Help:      "Orchestrated step attempts by provider and event.",
		}, []string{"provider", "event"}),
		PlanRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "webpilot",
			Subsystem: "planner",
			Name:      "retries_total",
			Help:      "Plan generations retried after invalid output.",
		}),
		ArtifactWriteFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "webpilot",
			Subsystem: "trace",
			Name:      "artifact_write_failures_total",
			Help:      "Trace artifacts that could not be persisted.",
		}),
	}
}

// NewNop builds an unregistered instrument set for tests and callers
// that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
