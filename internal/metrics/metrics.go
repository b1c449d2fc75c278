// Package metrics defines Prometheus metrics for the execution core.
//
// Metric naming follows Prometheus conventions:
//   - custos_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
//
// Metrics are observability only: they never influence control flow, so the
// executor stays deterministic with or without a scrape target.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StepsTotal counts executed steps by agent and outcome.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_steps_total",
			Help: "Total pipeline steps by agent and outcome.",
		},
		[]string{"agent", "outcome"},
	)

	// StepDurationSeconds is a histogram of step pipeline duration by agent.
	StepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custos_step_duration_seconds",
			Help:    "Duration of pipeline steps in seconds.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"agent"},
	)

	// PolicyDenialsTotal counts policy denials by agent.
	PolicyDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_policy_denials_total",
			Help: "Total steps denied by policy.",
		},
		[]string{"agent"},
	)

	// CapabilityRefusalsTotal counts steps refused for missing capabilities.
	CapabilityRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_capability_refusals_total",
			Help: "Total steps refused because a required capability was not held.",
		},
		[]string{"agent", "capability"},
	)

	// VerificationFailuresTotal counts outputs rejected by the verifier.
	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_verification_failures_total",
			Help: "Total outputs that failed schema verification.",
		},
		[]string{"agent", "schema"},
	)

	// AuditEventsTotal counts audit events written by agent.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_audit_events_total",
			Help: "Total audit events appended to execution chains.",
		},
		[]string{"agent"},
	)

	// AuditWriteFailuresTotal counts fatal audit write failures.
	AuditWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custos_audit_write_failures_total",
			Help: "Total audit write failures (fatal to the execution).",
		},
		[]string{"agent"},
	)
)

func init() {
	prometheus.MustRegister(
		StepsTotal,
		StepDurationSeconds,
		PolicyDenialsTotal,
		CapabilityRefusalsTotal,
		VerificationFailuresTotal,
		AuditEventsTotal,
		AuditWriteFailuresTotal,
	)
}

// ObserveStep records one completed pipeline step.
func ObserveStep(agent, outcome string, elapsed time.Duration) {
	StepsTotal.WithLabelValues(agent, outcome).Inc()
	StepDurationSeconds.WithLabelValues(agent).Observe(elapsed.Seconds())
}
