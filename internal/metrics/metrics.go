// Package metrics defines Prometheus metrics for the responder engine.
//
// Metric naming follows Prometheus conventions:
//   - responder_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
//
// A Set carries its own registry so tests and embedded uses never collide
// with the global default. A nil *Set is a no-op sink.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every collector the engine emits.
type Set struct {
	registry *prometheus.Registry

	// ExecutionsTotal counts executions by terminal state.
	ExecutionsTotal *prometheus.CounterVec
	// StepsTotal counts step results by action and outcome
	// (success, failure, skipped, rollback).
	StepsTotal *prometheus.CounterVec
	// StepDurationSeconds is a histogram of step duration by action.
	StepDurationSeconds *prometheus.HistogramVec
	// ApprovalWaitSeconds measures time from approval request to decision.
	ApprovalWaitSeconds prometheus.Histogram
	// ApprovalsTotal counts approval outcomes by status.
	ApprovalsTotal *prometheus.CounterVec
	// AdapterCallsTotal counts adapter dispatches by adapter and outcome.
	AdapterCallsTotal *prometheus.CounterVec
	// BreakerState is the adapter circuit state (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec
	// AuditEntriesTotal counts appended audit entries.
	AuditEntriesTotal prometheus.Counter
	// LLMRequestsTotal counts advisory LLM calls by outcome.
	LLMRequestsTotal *prometheus.CounterVec
	// ActiveExecutions is the number of currently running executions.
	ActiveExecutions prometheus.Gauge
}

// New creates a Set registered on a fresh registry.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_executions_total",
				Help: "Total executions by terminal state.",
			},
			[]string{"state"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_steps_total",
				Help: "Total step results by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		StepDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "responder_step_duration_seconds",
				Help:    "Duration of step execution in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"action"},
		),
		ApprovalWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "responder_approval_wait_seconds",
				Help:    "Seconds between approval request and decision.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_approvals_total",
				Help: "Total approval outcomes by status.",
			},
			[]string{"status"},
		),
		AdapterCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_adapter_calls_total",
				Help: "Total adapter dispatches by adapter and outcome.",
			},
			[]string{"adapter", "outcome"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "responder_breaker_state",
				Help: "Adapter circuit breaker state (0 closed, 1 half-open, 2 open).",
			},
			[]string{"adapter"},
		),
		AuditEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "responder_audit_entries_total",
				Help: "Total audit log entries appended.",
			},
		),
		LLMRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "responder_llm_requests_total",
				Help: "Total advisory LLM requests by outcome.",
			},
			[]string{"outcome"},
		),
		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "responder_active_executions",
				Help: "Number of executions currently running.",
			},
		),
	}

	s.registry.MustRegister(
		s.ExecutionsTotal,
		s.StepsTotal,
		s.StepDurationSeconds,
		s.ApprovalWaitSeconds,
		s.ApprovalsTotal,
		s.AdapterCallsTotal,
		s.BreakerState,
		s.AuditEntriesTotal,
		s.LLMRequestsTotal,
		s.ActiveExecutions,
	)
	return s
}

// Registry returns the underlying registry for test gathering.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Handler serves the set in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordExecution records a finished execution.
func (s *Set) RecordExecution(state string) {
	if s == nil {
		return
	}
	s.ExecutionsTotal.WithLabelValues(state).Inc()
}

// RecordStep records one step result.
func (s *Set) RecordStep(action, outcome string, duration time.Duration) {
	if s == nil {
		return
	}
	s.StepsTotal.WithLabelValues(action, outcome).Inc()
	s.StepDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordApproval records a decided approval and its wait time.
func (s *Set) RecordApproval(status string, wait time.Duration) {
	if s == nil {
		return
	}
	s.ApprovalsTotal.WithLabelValues(status).Inc()
	if wait > 0 {
		s.ApprovalWaitSeconds.Observe(wait.Seconds())
	}
}

// RecordAdapterCall records an adapter dispatch.
func (s *Set) RecordAdapterCall(adapter, outcome string) {
	if s == nil {
		return
	}
	s.AdapterCallsTotal.WithLabelValues(adapter, outcome).Inc()
}

// SetBreakerState publishes an adapter's circuit state.
func (s *Set) SetBreakerState(adapter string, state float64) {
	if s == nil {
		return
	}
	s.BreakerState.WithLabelValues(adapter).Set(state)
}

// RecordAuditEntries counts appended audit entries.
func (s *Set) RecordAuditEntries(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.AuditEntriesTotal.Add(float64(n))
}

// RecordLLMRequest records an advisory LLM call.
func (s *Set) RecordLLMRequest(outcome string) {
	if s == nil {
		return
	}
	s.LLMRequestsTotal.WithLabelValues(outcome).Inc()
}

// ExecutionStarted bumps the active gauge.
func (s *Set) ExecutionStarted() {
	if s == nil {
		return
	}
	s.ActiveExecutions.Inc()
}

// ExecutionFinished drops the active gauge.
func (s *Set) ExecutionFinished() {
	if s == nil {
		return
	}
	s.ActiveExecutions.Dec()
}
