/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tenant tracks per-tenant resource quotas for the capability
// enforcement core. Each tenant has:
//   - Resource quotas (max registered capsules, concurrent plan runs, token
//     issuance budget)
//   - Usage counters (capsules registered, runs in flight, tokens issued)
package tenant

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Quota is a tenant's resource limits and current consumption.
type Quota struct {
	// TenantID is the tenant identifier.
	TenantID string

	// Limits define the resource ceilings for this tenant.
	Limits Limits

	// Usage tracks current resource consumption.
	Usage Usage
}

// Limits defines resource limits per tenant.
type Limits struct {
	// MaxCapsules is the maximum number of capsules this tenant may register.
	MaxCapsules int `json:"maxCapsules"`

	// MaxConcurrentRuns is the maximum simultaneous plan runs for this tenant.
	MaxConcurrentRuns int `json:"maxConcurrentRuns"`

	// MaxTokenIssuancesPerHour is the maximum number of capability tokens
	// this tenant may have issued within a rolling hour window.
	MaxTokenIssuancesPerHour int64 `json:"maxTokenIssuancesPerHour"`

	// MaxRunsPerDay is the maximum total plan runs per day.
	MaxRunsPerDay int `json:"maxRunsPerDay"`
}

// Usage tracks current resource consumption.
type Usage struct {
	// ActiveCapsules is the current number of registered capsules.
	ActiveCapsules int `json:"activeCapsules"`

	// ConcurrentRuns is the current number of in-flight plan runs.
	ConcurrentRuns int `json:"concurrentRuns"`

	// TokenIssuancesThisHour is the number of capability tokens issued in
	// the current hour window.
	TokenIssuancesThisHour int64 `json:"tokenIssuancesThisHour"`

	// RunsToday is the number of plan runs started today.
	RunsToday int `json:"runsToday"`

	// TotalTokenIssuances is the lifetime count of tokens issued.
	TotalTokenIssuances int64 `json:"totalTokenIssuances"`

	// LastUpdated is when usage was last calculated.
	LastUpdated time.Time `json:"lastUpdated"`
}

// QuotaEnforcer checks tenant quotas before allowing operations. Grounded
// on the reference implementation's per-team resource accounting, narrowed
// to capsule/run/token-issuance quotas instead of agent/namespace quotas.
type QuotaEnforcer struct {
	mu      sync.RWMutex
	tenants map[string]*Quota
	log     *zap.Logger
}

// NewQuotaEnforcer creates a quota enforcer.
func NewQuotaEnforcer(log *zap.Logger) *QuotaEnforcer {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuotaEnforcer{
		tenants: make(map[string]*Quota),
		log:     log,
	}
}

// RegisterTenant adds or updates a tenant's quota limits.
func (qe *QuotaEnforcer) RegisterTenant(q Quota) {
	qe.mu.Lock()
	defer qe.mu.Unlock()
	qe.tenants[q.TenantID] = &q
	qe.log.Info("tenant quota registered",
		zap.String("tenant", q.TenantID),
		zap.Int("max_concurrent_runs", q.Limits.MaxConcurrentRuns),
		zap.Int("max_runs_per_day", q.Limits.MaxRunsPerDay),
	)
}

// GetTenant returns a tenant's quota snapshot by ID.
func (qe *QuotaEnforcer) GetTenant(tenantID string) (*Quota, bool) {
	qe.mu.RLock()
	defer qe.mu.RUnlock()
	q, ok := qe.tenants[tenantID]
	if !ok {
		return nil, false
	}
	snapshot := *q
	return &snapshot, true
}

// CheckCanRegisterCapsule verifies the tenant hasn't exceeded its capsule quota.
func (qe *QuotaEnforcer) CheckCanRegisterCapsule(tenantID string) error {
	qe.mu.RLock()
	defer qe.mu.RUnlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return nil // no quota registered = no limit
	}

	if q.Limits.MaxCapsules > 0 && q.Usage.ActiveCapsules >= q.Limits.MaxCapsules {
		return fmt.Errorf("tenant %q exceeded max capsules quota (%d/%d)", tenantID, q.Usage.ActiveCapsules, q.Limits.MaxCapsules)
	}

	return nil
}

// CheckCanStartRun verifies the tenant hasn't exceeded its plan-run quotas.
func (qe *QuotaEnforcer) CheckCanStartRun(tenantID string) error {
	qe.mu.RLock()
	defer qe.mu.RUnlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return nil
	}

	if q.Limits.MaxConcurrentRuns > 0 && q.Usage.ConcurrentRuns >= q.Limits.MaxConcurrentRuns {
		return fmt.Errorf("tenant %q exceeded max concurrent runs (%d/%d)", tenantID, q.Usage.ConcurrentRuns, q.Limits.MaxConcurrentRuns)
	}

	if q.Limits.MaxRunsPerDay > 0 && q.Usage.RunsToday >= q.Limits.MaxRunsPerDay {
		return fmt.Errorf("tenant %q exceeded max runs per day (%d/%d)", tenantID, q.Usage.RunsToday, q.Limits.MaxRunsPerDay)
	}

	return nil
}

// CheckCanIssueToken verifies the tenant hasn't exceeded its hourly token
// issuance budget.
func (qe *QuotaEnforcer) CheckCanIssueToken(tenantID string) error {
	qe.mu.RLock()
	defer qe.mu.RUnlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return nil
	}

	if q.Limits.MaxTokenIssuancesPerHour > 0 && q.Usage.TokenIssuancesThisHour >= q.Limits.MaxTokenIssuancesPerHour {
		return fmt.Errorf("tenant %q exceeded hourly token issuance budget (%d/%d)", tenantID, q.Usage.TokenIssuancesThisHour, q.Limits.MaxTokenIssuancesPerHour)
	}

	return nil
}

// RecordRunStart increments the in-flight run count.
func (qe *QuotaEnforcer) RecordRunStart(tenantID string) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return
	}
	q.Usage.ConcurrentRuns++
	q.Usage.RunsToday++
	q.Usage.LastUpdated = time.Now()
}

// RecordRunEnd decrements the in-flight run count.
func (qe *QuotaEnforcer) RecordRunEnd(tenantID string) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return
	}
	if q.Usage.ConcurrentRuns > 0 {
		q.Usage.ConcurrentRuns--
	}
	q.Usage.LastUpdated = time.Now()
}

// RecordTokenIssued increments the hourly and lifetime token issuance counters.
func (qe *QuotaEnforcer) RecordTokenIssued(tenantID string) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return
	}
	q.Usage.TokenIssuancesThisHour++
	q.Usage.TotalTokenIssuances++
	q.Usage.LastUpdated = time.Now()
}

// RecordCapsuleRegistered increments the active capsule count.
func (qe *QuotaEnforcer) RecordCapsuleRegistered(tenantID string) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return
	}
	q.Usage.ActiveCapsules++
}

// RecordCapsuleRemoved decrements the active capsule count.
func (qe *QuotaEnforcer) RecordCapsuleRemoved(tenantID string) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return
	}
	if q.Usage.ActiveCapsules > 0 {
		q.Usage.ActiveCapsules--
	}
}

// ResetHourlyUsage resets the hourly token issuance counter for every
// tenant. Intended to be called by a periodic job once per hour.
func (qe *QuotaEnforcer) ResetHourlyUsage() {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	for _, q := range qe.tenants {
		q.Usage.TokenIssuancesThisHour = 0
	}
}

// ResetDailyUsage resets the daily run counter for every tenant.
func (qe *QuotaEnforcer) ResetDailyUsage() {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	for _, q := range qe.tenants {
		q.Usage.RunsToday = 0
	}
}

// UsageReport is a point-in-time snapshot of a tenant's quota consumption.
type UsageReport struct {
	TenantID               string `json:"tenant"`
	ActiveCapsules         int    `json:"activeCapsules"`
	RunsToday              int    `json:"runsToday"`
	ConcurrentRuns         int    `json:"concurrentRuns"`
	TokenIssuancesThisHour int64  `json:"tokenIssuancesThisHour"`
	TotalTokenIssuances    int64  `json:"totalTokenIssuances"`
	QuotaCapsules          int    `json:"quotaCapsules"`
	QuotaConcurrentRuns    int    `json:"quotaConcurrentRuns"`
	QuotaRunsPerDay        int    `json:"quotaRunsPerDay"`
	QuotaTokensPerHour     int64  `json:"quotaTokensPerHour"`
}

// UsageReport generates a usage summary for a tenant.
func (qe *QuotaEnforcer) UsageReport(tenantID string) (*UsageReport, error) {
	qe.mu.RLock()
	defer qe.mu.RUnlock()

	q, ok := qe.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %q not found", tenantID)
	}

	return &UsageReport{
		TenantID:               q.TenantID,
		ActiveCapsules:         q.Usage.ActiveCapsules,
		RunsToday:              q.Usage.RunsToday,
		ConcurrentRuns:         q.Usage.ConcurrentRuns,
		TokenIssuancesThisHour: q.Usage.TokenIssuancesThisHour,
		TotalTokenIssuances:    q.Usage.TotalTokenIssuances,
		QuotaCapsules:          q.Limits.MaxCapsules,
		QuotaConcurrentRuns:    q.Limits.MaxConcurrentRuns,
		QuotaRunsPerDay:        q.Limits.MaxRunsPerDay,
		QuotaTokensPerHour:     q.Limits.MaxTokenIssuancesPerHour,
	}, nil
}
