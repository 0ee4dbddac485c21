/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit provides configurable rate limiting for plan execution.
// It enforces both global and per-tenant concurrency limits with
// configurable burst and sustained rates, as a sliding-window complement to
// internal/tenant's simple counter-based run quotas.
//
//   - Per-tenant rate limits (runs/hour)
//   - Global rate limits (total runs/hour)
//   - Burst allowance for dry-run/preview requests
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures rate limiting.
type Config struct {
	// MaxConcurrentGlobal is the global limit on simultaneous plan runs.
	MaxConcurrentGlobal int

	// MaxConcurrentPerTenant is the per-tenant limit on simultaneous plan runs.
	MaxConcurrentPerTenant int

	// MaxRunsPerHourGlobal is the global limit on total runs per hour.
	MaxRunsPerHourGlobal int

	// MaxRunsPerHourPerTenant is the per-tenant limit on runs per hour.
	MaxRunsPerHourPerTenant int

	// BurstAllowance allows this many extra runs for dry-run/preview requests.
	BurstAllowance int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentGlobal:     10,
		MaxConcurrentPerTenant:  1,
		MaxRunsPerHourGlobal:    200,
		MaxRunsPerHourPerTenant: 30,
		BurstAllowance:          3,
	}
}

// Decision represents whether a run is allowed and why.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks plan-execution concurrency and rates.
type Limiter struct {
	config Config

	mu sync.Mutex

	// concurrent tracks currently running plans per tenant.
	concurrent map[string]int // tenantID → count
	totalConc  int

	// history tracks started runs for rate calculation.
	history []runRecord
}

type runRecord struct {
	tenantID string
	time     time.Time
}

// NewLimiter creates a rate limiter.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		config:     cfg,
		concurrent: make(map[string]int),
	}
}

// Allow checks whether a new plan run for the given tenant is permitted.
func (l *Limiter) Allow(tenantID string, isBurst bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneHistory(now)

	// Per-tenant concurrency
	if l.concurrent[tenantID] >= l.config.MaxConcurrentPerTenant {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-tenant concurrency limit reached (%d/%d)", l.concurrent[tenantID], l.config.MaxConcurrentPerTenant),
		}
	}

	// Global concurrency
	maxConc := l.config.MaxConcurrentGlobal
	if isBurst {
		maxConc += l.config.BurstAllowance
	}
	if l.totalConc >= maxConc {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("global concurrency limit reached (%d/%d)", l.totalConc, maxConc),
		}
	}

	// Per-tenant rate (runs/hour)
	tenantCount := l.countTenant(tenantID, now)
	if tenantCount >= l.config.MaxRunsPerHourPerTenant {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-tenant rate limit reached (%d runs in last hour, max %d)", tenantCount, l.config.MaxRunsPerHourPerTenant),
		}
	}

	// Global rate
	totalCount := len(l.history)
	maxRate := l.config.MaxRunsPerHourGlobal
	if isBurst {
		maxRate += l.config.BurstAllowance * 10
	}
	if totalCount >= maxRate {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("global rate limit reached (%d runs in last hour, max %d)", totalCount, maxRate),
		}
	}

	return Decision{Allowed: true}
}

// RecordStart marks a run as started.
func (l *Limiter) RecordStart(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrent[tenantID]++
	l.totalConc++
	l.history = append(l.history, runRecord{tenantID: tenantID, time: time.Now()})
}

// RecordComplete marks a run as finished.
func (l *Limiter) RecordComplete(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.concurrent[tenantID] > 0 {
		l.concurrent[tenantID]--
	}
	if l.totalConc > 0 {
		l.totalConc--
	}
}

// Stats returns current limiter state (for metrics/status).
type Stats struct {
	ConcurrentTotal    int
	ConcurrentByTenant map[string]int
	RunsLastHour       int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneHistory(time.Now())

	byTenant := make(map[string]int, len(l.concurrent))
	for k, v := range l.concurrent {
		byTenant[k] = v
	}

	return Stats{
		ConcurrentTotal:    l.totalConc,
		ConcurrentByTenant: byTenant,
		RunsLastHour:       len(l.history),
	}
}

// pruneHistory removes records older than 1 hour.
func (l *Limiter) pruneHistory(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}

// countTenant counts how many runs this tenant has in the history window.
func (l *Limiter) countTenant(tenantID string, now time.Time) int {
	count := 0
	cutoff := now.Add(-1 * time.Hour)
	for _, r := range l.history {
		if r.tenantID == tenantID && !r.time.Before(cutoff) {
			count++
		}
	}
	return count
}
