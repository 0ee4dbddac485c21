/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package anomaly flags anomalous capability-token invocation patterns per
// subject: invocation frequency spikes, single-invocation tool-scope spikes,
// and drift into previously unseen tool names. It is the per-subject
// behavioral counterpart to internal/drift's per-policy compliance drift,
// grounded on the same frequency/scope/target-drift heuristics used for
// run anomalies in the reference implementation, with the Kubernetes
// CRD/controller-runtime
// plumbing replaced by an in-memory rolling history and a plain Go
// callback in place of recordAnomalyEvent's AgentEvent creation.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config configures baseline anomaly detection heuristics.
type Config struct {
	Lookback time.Duration

	FrequencyWindow    time.Duration
	FrequencyThreshold int

	ScopeSpikeMultiplier float64
	MinScopeSpikeDelta   int

	TargetDriftMinSamples int

	MaxHistoryPerSubject int
}

// DefaultConfig returns sensible baseline defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:              24 * time.Hour,
		FrequencyWindow:       30 * time.Minute,
		FrequencyThreshold:    6,
		ScopeSpikeMultiplier:  2.5,
		MinScopeSpikeDelta:    5,
		TargetDriftMinSamples: 5,
		MaxHistoryPerSubject:  500,
	}
}

// Signal is one anomalous invocation pattern detected for a subject.
type Signal struct {
	Type     string // frequency-spike | scope-spike | target-drift
	Severity string // warning | critical
	Summary  string
	Detail   string
	Subject  string
	Labels   map[string]string
}

// Invocation is one capability-token use to record against a subject's history.
type Invocation struct {
	Subject   string
	TenantID  string
	Timestamp time.Time
	ToolCount int
	ToolNames []string
}

// Detector tracks per-subject invocation history and flags anomalies as
// each new invocation is recorded.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	history map[string][]Invocation
	handler func(Signal)
}

// New creates an anomaly detector. handler, if non-nil, is invoked
// synchronously for every signal raised by RecordInvocation.
func New(cfg Config, handler func(Signal)) *Detector {
	defaults := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaults.Lookback
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = defaults.FrequencyWindow
	}
	if cfg.FrequencyThreshold <= 0 {
		cfg.FrequencyThreshold = defaults.FrequencyThreshold
	}
	if cfg.ScopeSpikeMultiplier <= 0 {
		cfg.ScopeSpikeMultiplier = defaults.ScopeSpikeMultiplier
	}
	if cfg.MinScopeSpikeDelta <= 0 {
		cfg.MinScopeSpikeDelta = defaults.MinScopeSpikeDelta
	}
	if cfg.TargetDriftMinSamples <= 0 {
		cfg.TargetDriftMinSamples = defaults.TargetDriftMinSamples
	}
	if cfg.MaxHistoryPerSubject <= 0 {
		cfg.MaxHistoryPerSubject = defaults.MaxHistoryPerSubject
	}

	return &Detector{cfg: cfg, history: map[string][]Invocation{}, handler: handler}
}

// RecordInvocation appends inv to its subject's history and returns any
// anomaly signals raised against the new baseline, dispatching each to the
// configured handler.
func (d *Detector) RecordInvocation(inv Invocation) []Signal {
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now()
	}

	d.mu.Lock()
	history := filterLookback(d.history[inv.Subject], inv.Timestamp, d.cfg.Lookback)
	signals := detectAnomalies(inv, history, d.cfg)

	history = append(history, inv)
	if len(history) > d.cfg.MaxHistoryPerSubject {
		history = history[len(history)-d.cfg.MaxHistoryPerSubject:]
	}
	d.history[inv.Subject] = history
	d.mu.Unlock()

	if d.handler != nil {
		for _, s := range signals {
			d.handler(s)
		}
	}
	return signals
}

func detectAnomalies(current Invocation, history []Invocation, cfg Config) []Signal {
	if len(history) == 0 {
		return nil
	}

	var out []Signal
	if signal, ok := detectFrequencySpike(current, history, cfg); ok {
		out = append(out, signal)
	}
	if signal, ok := detectScopeSpike(current, history, cfg); ok {
		out = append(out, signal)
	}
	if signal, ok := detectTargetDrift(current, history, cfg); ok {
		out = append(out, signal)
	}
	return out
}

func detectFrequencySpike(current Invocation, history []Invocation, cfg Config) (Signal, bool) {
	recent := 1 // include current
	for _, item := range history {
		if current.Timestamp.Sub(item.Timestamp) <= cfg.FrequencyWindow {
			recent++
		}
	}
	if recent <= cfg.FrequencyThreshold {
		return Signal{}, false
	}

	severity := "warning"
	if recent >= cfg.FrequencyThreshold*2 {
		severity = "critical"
	}

	return Signal{
		Type:     "frequency-spike",
		Severity: severity,
		Subject:  current.Subject,
		Summary: fmt.Sprintf(
			"invocation frequency anomaly for %s: %d invocations within %s (threshold=%d)",
			current.Subject, recent, cfg.FrequencyWindow.Round(time.Second), cfg.FrequencyThreshold,
		),
		Detail: fmt.Sprintf(
			"detected %d invocations for %s in the last %s; baseline threshold is %d",
			recent, current.Subject, cfg.FrequencyWindow.Round(time.Second), cfg.FrequencyThreshold,
		),
		Labels: map[string]string{"anomaly-kind": "frequency", "window": cfg.FrequencyWindow.String()},
	}, true
}

func detectScopeSpike(current Invocation, history []Invocation, cfg Config) (Signal, bool) {
	if len(history) < 3 {
		return Signal{}, false
	}

	var total int
	for _, item := range history {
		total += item.ToolCount
	}
	avg := float64(total) / float64(len(history))
	threshold := int(math.Ceil(avg * cfg.ScopeSpikeMultiplier))
	if current.ToolCount < threshold {
		return Signal{}, false
	}
	if current.ToolCount-int(math.Round(avg)) < cfg.MinScopeSpikeDelta {
		return Signal{}, false
	}

	return Signal{
		Type:     "scope-spike",
		Severity: "warning",
		Subject:  current.Subject,
		Summary: fmt.Sprintf(
			"tool-scope anomaly for %s: %d tools vs baseline %.1f (multiplier=%.2f)",
			current.Subject, current.ToolCount, avg, cfg.ScopeSpikeMultiplier,
		),
		Detail: fmt.Sprintf(
			"current invocation tool count %d exceeded spike threshold %d (avg %.1f * %.2f)",
			current.ToolCount, threshold, avg, cfg.ScopeSpikeMultiplier,
		),
		Labels: map[string]string{"anomaly-kind": "scope"},
	}, true
}

func detectTargetDrift(current Invocation, history []Invocation, cfg Config) (Signal, bool) {
	if len(history) < cfg.TargetDriftMinSamples {
		return Signal{}, false
	}
	if len(current.ToolNames) == 0 {
		return Signal{}, false
	}

	seen := map[string]struct{}{}
	for _, item := range history {
		for _, tool := range item.ToolNames {
			seen[normalizeToolName(tool)] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return Signal{}, false
	}

	var newTools []string
	for _, tool := range current.ToolNames {
		normalized := normalizeToolName(tool)
		if _, ok := seen[normalized]; !ok {
			newTools = append(newTools, normalized)
		}
	}
	if len(newTools) == 0 {
		return Signal{}, false
	}

	sort.Strings(newTools)
	if len(newTools) > 5 {
		newTools = newTools[:5]
	}

	return Signal{
		Type:     "target-drift",
		Severity: "warning",
		Subject:  current.Subject,
		Summary: fmt.Sprintf("target drift for %s: new tools %s", current.Subject, strings.Join(newTools, ", ")),
		Detail: fmt.Sprintf(
			"current invocation references unseen tools (%s) compared with %d recent invocations",
			strings.Join(newTools, ", "), len(history),
		),
		Labels: map[string]string{"anomaly-kind": "target-drift"},
	}, true
}

func filterLookback(history []Invocation, now time.Time, lookback time.Duration) []Invocation {
	if lookback <= 0 {
		return history
	}
	out := make([]Invocation, 0, len(history))
	for _, item := range history {
		if now.Sub(item.Timestamp) <= lookback {
			out = append(out, item)
		}
	}
	return out
}

func normalizeToolName(tool string) string {
	trimmed := strings.TrimSpace(strings.ToLower(tool))
	if idx := strings.Index(trimmed, ":"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
