/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getPlainCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordOrchestratorRun(t *testing.T) {
	RecordOrchestratorRun("tenant-metrics-1", "succeeded", 42*time.Second)

	val := getCounterValue(OrchestratorRunsTotal, "tenant-metrics-1", "succeeded")
	if val < 1 {
		t.Errorf("OrchestratorRunsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(OrchestratorRunDurationSeconds, "tenant-metrics-1")
	if count < 1 {
		t.Errorf("OrchestratorRunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordPlanCompilation(t *testing.T) {
	RecordPlanCompilation("tenant-metrics-2", "success", 150*time.Millisecond)

	val := getCounterValue(PlanCompilationsTotal, "tenant-metrics-2", "success")
	if val < 1 {
		t.Errorf("PlanCompilationsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(PlanCompilationDurationSeconds, "tenant-metrics-2")
	if count < 1 {
		t.Errorf("PlanCompilationDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordApprovalOutcome(t *testing.T) {
	RecordApprovalOutcome("approved")
	RecordApprovalOutcome("approved")
	RecordApprovalOutcome("rejected")

	if val := getCounterValue(ApprovalsOutcomeTotal, "approved"); val < 2 {
		t.Errorf("approved = %f, want >= 2", val)
	}
	if val := getCounterValue(ApprovalsOutcomeTotal, "rejected"); val < 1 {
		t.Errorf("rejected = %f, want >= 1", val)
	}
}

func TestPlanCacheHitsAndMisses(t *testing.T) {
	before := getPlainCounterValue(PlanCacheHitsTotal)
	PlanCacheHitsTotal.Inc()
	PlanCacheHitsTotal.Inc()
	if got := getPlainCounterValue(PlanCacheHitsTotal); got != before+2 {
		t.Errorf("PlanCacheHitsTotal = %f, want %f", got, before+2)
	}

	beforeMiss := getPlainCounterValue(PlanCacheMissesTotal)
	PlanCacheMissesTotal.Inc()
	if got := getPlainCounterValue(PlanCacheMissesTotal); got != beforeMiss+1 {
		t.Errorf("PlanCacheMissesTotal = %f, want %f", got, beforeMiss+1)
	}
}

func TestReplayRejectionsTotal(t *testing.T) {
	ReplayRejectionsTotal.WithLabelValues("tenant-replay").Inc()
	ReplayRejectionsTotal.WithLabelValues("tenant-replay").Inc()

	val := getCounterValue(ReplayRejectionsTotal, "tenant-replay")
	if val < 2 {
		t.Errorf("ReplayRejectionsTotal = %f, want >= 2", val)
	}
}

func TestActiveRuns(t *testing.T) {
	ActiveRuns.Set(0)

	ActiveRuns.Inc()
	ActiveRuns.Inc()

	val := getGaugeValue(ActiveRuns)
	if val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	ActiveRuns.Dec()
	val = getGaugeValue(ActiveRuns)
	if val != 1 {
		t.Errorf("ActiveRuns after Dec = %f, want 1", val)
	}
}

func TestRunsByTenantAreIsolatedByLabel(t *testing.T) {
	RecordOrchestratorRun("tenant-a", "succeeded", 10*time.Second)
	RecordOrchestratorRun("tenant-b", "failed", 5*time.Second)

	aSucceeded := getCounterValue(OrchestratorRunsTotal, "tenant-a", "succeeded")
	bFailed := getCounterValue(OrchestratorRunsTotal, "tenant-b", "failed")
	aFailed := getCounterValue(OrchestratorRunsTotal, "tenant-a", "failed")

	if aSucceeded < 1 {
		t.Error("tenant-a succeeded should be >= 1")
	}
	if bFailed < 1 {
		t.Error("tenant-b failed should be >= 1")
	}
	if aFailed != 0 {
		t.Errorf("tenant-a failed = %f, want 0", aFailed)
	}
}
