// Package violationreport manages policy violation reporting and alerting:
// matching incoming violations against configured alert rules, routing
// matches to delivery channels with rate limiting and escalation, and
// generating summary reports with trend breakdowns (the design's reporting
// extension). Grounded on
// original_source/services/policy/src/violation_reporter.py, with its
// asyncio dispatch replaced by direct synchronous handler calls, and its
// notification Channel/rate-limiter shape adapted from
// internal/notify/channels.go's Channel interface and RateLimiter.
package violationreport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Violation is one policy violation to be recorded and reported on.
type Violation struct {
	ViolationID    string
	PolicyName     string
	RuleName       string
	ViolationType  string
	Severity       string // LOW, MEDIUM, HIGH, CRITICAL
	Message        string
	Subject        string
	TenantID       string
	ResourcePath   string
	Timestamp      time.Time
	Context        map[string]any
}

// Channel delivers an alert to an external destination.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Type() string
}

// Alert is the payload handed to a Channel.
type Alert struct {
	Kind           string // policy_violation | policy_violation_escalated
	Severity       string
	Violation      Violation
	Message        string
	Recipients     []string
	AlertRuleName  string
	EscalationInfo string
}

var severityOrder = map[string]int{"LOW": 1, "MEDIUM": 2, "HIGH": 3, "CRITICAL": 4}

// AlertRule configures which violations trigger which channels.
type AlertRule struct {
	RuleID      string
	Name        string
	Description string
	Enabled     bool

	PolicyPatterns []string
	ViolationTypes []string
	SeverityLevels []string
	TenantIDs      []string

	MinSeverity          string
	RateLimitPerHour     int // 0 disables rate limiting
	EscalationThreshold  int // 0 disables escalation
	EscalationDelay      time.Duration

	Channels   []Channel
	Recipients []string

	QuietHoursStart int // 0-23, both zero disables quiet hours
	QuietHoursEnd   int
}

// Stats is a running tally of reporter activity.
type Stats struct {
	TotalViolations    int
	TotalAlertsSent    int
	LastViolationTime  time.Time
	LastAlertTime      time.Time
}

const maxRecentViolations = 10000
const maxAlertHistory = 1000
const maxRateLimitSamples = 100

type alertHistoryEntry struct {
	alertID   string
	ruleID    string
	timestamp time.Time
}

// Reporter accumulates violations, evaluates them against AlertRules, and
// builds ViolationReports on demand.
type Reporter struct {
	mu sync.Mutex

	log *zap.Logger

	recentViolations []Violation
	violationIndex   map[string][]Violation // by policy name

	alertRules   map[string]*AlertRule
	alertHistory []alertHistoryEntry
	rateLimits   map[string][]time.Time

	stats Stats

	storageBackend func(Violation) error
}

// New returns an empty Reporter. storageBackend, if non-nil, persists
// every recorded violation best-effort (errors are logged, never fatal).
func New(log *zap.Logger, storageBackend func(Violation) error) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		log:            log,
		violationIndex: map[string][]Violation{},
		alertRules:     map[string]*AlertRule{},
		rateLimits:     map[string][]time.Time{},
		storageBackend: storageBackend,
	}
}

// AddAlertRule registers or replaces an alert rule.
func (r *Reporter) AddAlertRule(rule *AlertRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alertRules[rule.RuleID] = rule
	r.log.Info("added alert rule", zap.String("rule_id", rule.RuleID), zap.String("name", rule.Name))
}

// RemoveAlertRule deletes a rule, returning whether it existed.
func (r *Reporter) RemoveAlertRule(ruleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alertRules[ruleID]; !ok {
		return false
	}
	delete(r.alertRules, ruleID)
	return true
}

// RecordViolation stores the violation, persists it if a storage backend
// is configured, and evaluates every enabled alert rule against it.
func (r *Reporter) RecordViolation(ctx context.Context, v Violation) {
	if v.ViolationID == "" {
		v.ViolationID = uuid.NewString()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.recentViolations = appendBounded(r.recentViolations, v, maxRecentViolations)
	r.violationIndex[v.PolicyName] = append(r.violationIndex[v.PolicyName], v)
	r.stats.TotalViolations++
	r.stats.LastViolationTime = v.Timestamp
	rules := make([]*AlertRule, 0, len(r.alertRules))
	for _, rule := range r.alertRules {
		rules = append(rules, rule)
	}
	r.mu.Unlock()

	if r.storageBackend != nil {
		if err := r.storageBackend(v); err != nil {
			r.log.Error("failed to persist violation", zap.Error(err))
		}
	}

	for _, rule := range rules {
		r.processRule(ctx, v, rule)
	}

	r.log.Warn("policy violation recorded",
		zap.String("violation_id", v.ViolationID),
		zap.String("policy_name", v.PolicyName),
		zap.String("severity", v.Severity),
		zap.String("subject", v.Subject),
		zap.String("tenant_id", v.TenantID),
	)
}

func appendBounded(hist []Violation, item Violation, max int) []Violation {
	hist = append(hist, item)
	if len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	return hist
}

func (r *Reporter) processRule(ctx context.Context, v Violation, rule *AlertRule) {
	if !rule.Enabled {
		return
	}
	if !r.violationMatchesRule(v, rule) {
		return
	}
	if r.isRateLimited(rule) {
		return
	}
	if isQuietHours(rule, time.Now()) {
		return
	}

	if r.shouldEscalate(v, rule) {
		r.sendAlert(ctx, Alert{
			Kind: "policy_violation_escalated", Severity: "CRITICAL", Violation: v,
			Message:        fmt.Sprintf("ESCALATED: %s", v.Message),
			Recipients:     rule.Recipients,
			AlertRuleName:  rule.Name,
			EscalationInfo: fmt.Sprintf("multiple violations (%d) within %s", rule.EscalationThreshold, rule.EscalationDelay),
		}, rule)
	} else {
		r.sendAlert(ctx, Alert{
			Kind: "policy_violation", Severity: v.Severity, Violation: v,
			Message: v.Message, Recipients: rule.Recipients, AlertRuleName: rule.Name,
		}, rule)
	}
}

func (r *Reporter) violationMatchesRule(v Violation, rule *AlertRule) bool {
	if len(rule.PolicyPatterns) > 0 {
		matched := false
		for _, pattern := range rule.PolicyPatterns {
			trimmed := strings.TrimSuffix(pattern, "*")
			if strings.Contains(v.PolicyName, pattern) || strings.HasPrefix(v.PolicyName, trimmed) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(rule.ViolationTypes) > 0 && !contains(rule.ViolationTypes, v.ViolationType) {
		return false
	}
	if len(rule.SeverityLevels) > 0 && !contains(rule.SeverityLevels, v.Severity) {
		return false
	}
	if len(rule.TenantIDs) > 0 && !contains(rule.TenantIDs, v.TenantID) {
		return false
	}

	minLevel := severityOrder[strings.ToUpper(rule.MinSeverity)]
	if minLevel == 0 {
		minLevel = 1
	}
	violationLevel := severityOrder[strings.ToUpper(v.Severity)]
	if violationLevel == 0 {
		violationLevel = 1
	}
	return violationLevel >= minLevel
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func (r *Reporter) isRateLimited(rule *AlertRule) bool {
	if rule.RateLimitPerHour <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	var recent []time.Time
	for _, t := range r.rateLimits[rule.RuleID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	r.rateLimits[rule.RuleID] = recent

	return len(recent) >= rule.RateLimitPerHour
}

func isQuietHours(rule *AlertRule, now time.Time) bool {
	if rule.QuietHoursStart == 0 && rule.QuietHoursEnd == 0 {
		return false
	}
	hour := now.Hour()
	if rule.QuietHoursStart <= rule.QuietHoursEnd {
		return hour >= rule.QuietHoursStart && hour < rule.QuietHoursEnd
	}
	return hour >= rule.QuietHoursStart || hour < rule.QuietHoursEnd
}

func (r *Reporter) shouldEscalate(v Violation, rule *AlertRule) bool {
	if rule.EscalationThreshold <= 0 {
		return false
	}
	delay := rule.EscalationDelay
	if delay <= 0 {
		delay = time.Hour
	}
	cutoff := time.Now().Add(-delay)

	r.mu.Lock()
	history := r.violationIndex[v.PolicyName]
	r.mu.Unlock()

	count := 0
	for _, other := range history {
		if !other.Timestamp.Before(cutoff) && other.Subject == v.Subject && other.ViolationType == v.ViolationType {
			count++
		}
	}
	return count >= rule.EscalationThreshold
}

func (r *Reporter) sendAlert(ctx context.Context, alert Alert, rule *AlertRule) {
	r.mu.Lock()
	r.rateLimits[rule.RuleID] = append(r.rateLimits[rule.RuleID], time.Now())
	if len(r.rateLimits[rule.RuleID]) > maxRateLimitSamples {
		r.rateLimits[rule.RuleID] = r.rateLimits[rule.RuleID][len(r.rateLimits[rule.RuleID])-maxRateLimitSamples:]
	}
	r.mu.Unlock()

	alertID := fmt.Sprintf("alert_%d_%s", time.Now().Unix(), uuid.NewString()[:8])

	sent := 0
	for _, ch := range rule.Channels {
		if err := ch.Send(ctx, alert); err != nil {
			r.log.Error("failed to send alert", zap.String("channel", ch.Type()), zap.Error(err))
			continue
		}
		sent++
	}

	r.mu.Lock()
	r.alertHistory = append(r.alertHistory, alertHistoryEntry{alertID: alertID, ruleID: rule.RuleID, timestamp: time.Now()})
	if len(r.alertHistory) > maxAlertHistory {
		r.alertHistory = r.alertHistory[len(r.alertHistory)-maxAlertHistory:]
	}
	r.stats.TotalAlertsSent++
	r.stats.LastAlertTime = time.Now()
	r.mu.Unlock()

	r.log.Info("alert sent", zap.String("alert_id", alertID), zap.Int("channels", sent))
}

// GetStatistics returns a snapshot of reporter activity counters.
func (r *Reporter) GetStatistics() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// ClearOldData drops violation/alert history older than retention.
func (r *Reporter) ClearOldData(retention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-retention)

	var keptViolations []Violation
	for _, v := range r.recentViolations {
		if !v.Timestamp.Before(cutoff) {
			keptViolations = append(keptViolations, v)
		}
	}
	r.recentViolations = keptViolations

	for policyName, violations := range r.violationIndex {
		var kept []Violation
		for _, v := range violations {
			if !v.Timestamp.Before(cutoff) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(r.violationIndex, policyName)
		} else {
			r.violationIndex[policyName] = kept
		}
	}

	var keptAlerts []alertHistoryEntry
	for _, a := range r.alertHistory {
		if !a.timestamp.Before(cutoff) {
			keptAlerts = append(keptAlerts, a)
		}
	}
	r.alertHistory = keptAlerts

	r.log.Info("cleared violation report history", zap.Duration("retention", retention))
}
