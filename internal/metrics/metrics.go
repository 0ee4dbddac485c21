/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus metrics for the capability
// enforcement core. All metrics are registered against
// prometheus.DefaultRegisterer rather than a controller-runtime manager
// registry, since this binary is a standalone HTTP service, not a
// Kubernetes operator.
//
// Metric naming follows Prometheus conventions:
//   - capcore_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TokensIssuedTotal counts capability tokens issued by tenant.
	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_tokens_issued_total",
			Help: "Total capability tokens issued, by tenant.",
		},
		[]string{"tenant"},
	)

	// TokenVerificationsTotal counts verify calls by tenant and outcome.
	TokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_token_verifications_total",
			Help: "Total capability token verifications, by tenant and result.",
		},
		[]string{"tenant", "result"}, // result: valid|invalid|expired|replayed
	)

	// CapabilityChecksTotal counts tool allow-list decisions by tenant and outcome.
	CapabilityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_capability_checks_total",
			Help: "Total tool allow-list checks, by tenant and decision.",
		},
		[]string{"tenant", "decision"}, // decision: allow|deny
	)

	// PolicyEvaluationsTotal counts Policy DSL evaluations by tenant and outcome.
	PolicyEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_policy_evaluations_total",
			Help: "Total Policy DSL evaluations, by tenant and decision.",
		},
		[]string{"tenant", "decision"}, // decision: allow|deny|error
	)

	// PlanCompilationsTotal counts plan compiler runs by tenant and outcome.
	PlanCompilationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_plan_compilations_total",
			Help: "Total plan compilations, by tenant and outcome.",
		},
		[]string{"tenant", "outcome"}, // outcome: success|failure
	)

	// PlanCompilationDurationSeconds is a histogram of compile time by tenant.
	PlanCompilationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capcore_plan_compilation_duration_seconds",
			Help:    "Duration of plan compilation, by tenant.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"tenant"},
	)

	// PlanCacheHitsTotal and PlanCacheMissesTotal track plan-cache effectiveness.
	PlanCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capcore_plan_cache_hits_total",
			Help: "Total plan-cache lookups that hit.",
		},
	)
	PlanCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capcore_plan_cache_misses_total",
			Help: "Total plan-cache lookups that missed.",
		},
	)

	// OrchestratorRunsTotal counts plan runs by tenant and terminal status.
	OrchestratorRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_orchestrator_runs_total",
			Help: "Total orchestrator plan runs, by tenant and terminal status.",
		},
		[]string{"tenant", "status"}, // status: succeeded|failed|rejected
	)

	// OrchestratorRunDurationSeconds is a histogram of run duration by tenant.
	OrchestratorRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capcore_orchestrator_run_duration_seconds",
			Help:    "Duration of orchestrator plan runs, by tenant.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"tenant"},
	)

	// ApprovalsRequestedTotal and ApprovalsOutcomeTotal track the approval loop.
	ApprovalsRequestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capcore_approvals_requested_total",
			Help: "Total approval requests opened for paused plan runs.",
		},
	)
	ApprovalsOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_approvals_outcome_total",
			Help: "Total approval outcomes, by decision.",
		},
		[]string{"decision"}, // approved|rejected|timeout
	)

	// ReplayRejectionsTotal counts replay-protection rejections by tenant.
	ReplayRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capcore_replay_rejections_total",
			Help: "Total requests rejected by replay protection, by tenant.",
		},
		[]string{"tenant"},
	)

	// ActiveRuns is the number of currently executing orchestrator runs.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capcore_orchestrator_active_runs",
			Help: "Number of orchestrator plan runs currently executing.",
		},
	)
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(
		TokensIssuedTotal,
		TokenVerificationsTotal,
		CapabilityChecksTotal,
		PolicyEvaluationsTotal,
		PlanCompilationsTotal,
		PlanCompilationDurationSeconds,
		PlanCacheHitsTotal,
		PlanCacheMissesTotal,
		OrchestratorRunsTotal,
		OrchestratorRunDurationSeconds,
		ApprovalsRequestedTotal,
		ApprovalsOutcomeTotal,
		ReplayRejectionsTotal,
		ActiveRuns,
	)
}

// RecordOrchestratorRun records metrics for a completed plan run.
func RecordOrchestratorRun(tenant, status string, duration time.Duration) {
	OrchestratorRunsTotal.WithLabelValues(tenant, status).Inc()
	OrchestratorRunDurationSeconds.WithLabelValues(tenant).Observe(duration.Seconds())
}

// RecordPlanCompilation records metrics for one compiler invocation.
func RecordPlanCompilation(tenant, outcome string, duration time.Duration) {
	PlanCompilationsTotal.WithLabelValues(tenant, outcome).Inc()
	PlanCompilationDurationSeconds.WithLabelValues(tenant).Observe(duration.Seconds())
}

// RecordApprovalOutcome records a single approval decision.
func RecordApprovalOutcome(decision string) {
	ApprovalsOutcomeTotal.WithLabelValues(decision).Inc()
}
