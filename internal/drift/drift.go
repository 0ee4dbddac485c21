// Package drift detects divergence between a policy's observed behavior
// and its established baseline (the design's drift-monitoring extension).
// Grounded on original_source/services/policy/src/drift_detector.py:
// same baseline/detection window split, same drift-type thresholds and
// severity bands, same duplicate-alert collapsing. Structured the way
// internal/anomaly/detector.go structures a periodic scan loop, swapping
// its Kubernetes List/Create calls for an in-memory bounded metric
// history (no CRD store in this domain).
package drift

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a category of detected drift.
type Type string

const (
	TypeComplianceDegradation Type = "compliance_degradation"
	TypePolicyBypass          Type = "policy_bypass"
	TypeUnexpectedBehavior    Type = "unexpected_behavior"
	TypePerformanceDrift      Type = "performance_drift"
	TypeCoverageGap           Type = "coverage_gap"
)

// Severity is a DriftAlert's urgency band.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var driftThresholds = map[Type]float64{
	TypeComplianceDegradation: 0.10,
	TypePolicyBypass:          0.05,
	TypeUnexpectedBehavior:    0.20,
	TypePerformanceDrift:      0.25,
	TypeCoverageGap:           0.15,
}

var remediationSuggestions = map[Type][]string{
	TypeComplianceDegradation: {
		"Review recent policy changes for unintended effects",
		"Check for changes in input data patterns",
		"Verify policy rules are still appropriate for current use cases",
		"Consider updating policy thresholds or conditions",
	},
	TypePolicyBypass: {
		"Investigate user behavior patterns for potential abuse",
		"Review access controls and permissions",
		"Consider implementing additional authentication factors",
		"Audit recent system changes that might enable bypasses",
	},
	TypeUnexpectedBehavior: {
		"Analyze recent changes to system inputs or configuration",
		"Review policy logic for edge cases or unintended interactions",
		"Check for changes in data sources or formats",
		"Validate policy assumptions against current system state",
	},
	TypePerformanceDrift: {
		"Review system resource utilization and capacity",
		"Check for inefficient policy rules or complex evaluations",
		"Consider optimizing policy compilation or caching",
		"Monitor for external dependencies affecting performance",
	},
	TypeCoverageGap: {
		"Review policy completeness for current use cases",
		"Check if new scenarios require additional rules",
		"Verify policy deployment and activation status",
		"Consider adding monitoring for uncovered edge cases",
	},
}

// Alert is a single drift finding.
type Alert struct {
	AlertID                string
	DriftType              Type
	Severity               Severity
	PolicyName             string
	MetricName             string
	Description            string
	CurrentValue           float64
	ExpectedValue          float64
	DriftPercentage        float64
	DetectionTime          time.Time
	TenantID               string
	AffectedResources      []string
	RemediationSuggestions []string
	Context                map[string]any
}

// Baseline is a policy's established compliance/performance profile.
type Baseline struct {
	PolicyName            string
	SuccessRate           float64
	AverageEvaluationTime time.Duration
	RuleCoverage          map[string]int
	ViolationRate         float64
	LastUpdated           time.Time
	SampleCount           int
}

type evalRecord struct {
	timestamp      time.Time
	allowed        bool
	matchedRules   []string
	evaluationTime time.Duration
}

type violationRecord struct {
	timestamp time.Time
	vType     string
	severity  string
	subject   string
}

const maxMetricHistory = 1000

// Config tunes baseline/detection windows and drift sensitivity.
type Config struct {
	BaselineWindow          time.Duration
	DetectionWindow         time.Duration
	BaselineUpdateInterval  time.Duration
	MinBaselineSamples      int
	MinDetectionSamples     int
	SuspiciousUserThreshold int
}

// DefaultConfig mirrors the Python detector's default constants.
func DefaultConfig() Config {
	return Config{
		BaselineWindow:          time.Hour,
		DetectionWindow:         5 * time.Minute,
		BaselineUpdateInterval:  time.Hour,
		MinBaselineSamples:      10,
		MinDetectionSamples:     5,
		SuspiciousUserThreshold: 5,
	}
}

// Detector tracks per-policy evaluation/violation history and raises
// DriftAlerts when recent behavior diverges from baseline.
type Detector struct {
	mu sync.Mutex

	cfg Config
	log *zap.Logger

	evaluations map[string][]evalRecord
	violations  map[string][]violationRecord
	baselines   map[string]*Baseline
	lastUpdate  time.Time

	activeAlerts map[string]*Alert
	handlers     []func(*Alert)
}

// New returns a Detector with cfg (zero-value fields fall back to DefaultConfig).
func New(cfg Config, log *zap.Logger) *Detector {
	defaults := DefaultConfig()
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = defaults.BaselineWindow
	}
	if cfg.DetectionWindow <= 0 {
		cfg.DetectionWindow = defaults.DetectionWindow
	}
	if cfg.BaselineUpdateInterval <= 0 {
		cfg.BaselineUpdateInterval = defaults.BaselineUpdateInterval
	}
	if cfg.MinBaselineSamples <= 0 {
		cfg.MinBaselineSamples = defaults.MinBaselineSamples
	}
	if cfg.MinDetectionSamples <= 0 {
		cfg.MinDetectionSamples = defaults.MinDetectionSamples
	}
	if cfg.SuspiciousUserThreshold <= 0 {
		cfg.SuspiciousUserThreshold = defaults.SuspiciousUserThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		cfg:          cfg,
		log:          log,
		evaluations:  map[string][]evalRecord{},
		violations:   map[string][]violationRecord{},
		baselines:    map[string]*Baseline{},
		activeAlerts: map[string]*Alert{},
		lastUpdate:   time.Now(),
	}
}

// RecomputeBaselines forces an immediate baseline recalculation across all
// tracked policies, bypassing the BaselineUpdateInterval gate. Intended to
// be called from a periodic ticker (see internal/anomaly's scan loop for
// the shape) or an admin-triggered recompute endpoint.
func (d *Detector) RecomputeBaselines() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateBaselines(time.Now())
}

// AddAlertHandler registers a callback fired whenever a new drift alert fires.
func (d *Detector) AddAlertHandler(h func(*Alert)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// RecordEvaluation records one policy evaluation outcome for drift analysis.
// Callers pass the decision and matched rule set directly rather than a
// policydsl evaluator.Result, so a capability check (internal/capcheck) can
// feed this without depending on the DSL evaluator.
func (d *Detector) RecordEvaluation(policyName string, allowed bool, matchedRules []string, evaluationTime time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.evaluations[policyName] = appendBounded(d.evaluations[policyName], evalRecord{
		timestamp: now, allowed: allowed, matchedRules: matchedRules, evaluationTime: evaluationTime,
	})

	if now.Sub(d.lastUpdate) > d.cfg.BaselineUpdateInterval {
		d.updateBaselines(now)
	}
	d.checkDrift(policyName, now)
}

// RecordViolation records one policy violation for drift analysis.
func (d *Detector) RecordViolation(policyName, violationType, severity, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.violations[policyName] = appendBounded(d.violations[policyName], violationRecord{
		timestamp: now, vType: violationType, severity: severity, subject: subject,
	})
	d.checkViolationDrift(policyName, now)
}

func appendBounded[T any](hist []T, item T) []T {
	hist = append(hist, item)
	if len(hist) > maxMetricHistory {
		hist = hist[len(hist)-maxMetricHistory:]
	}
	return hist
}

func (d *Detector) updateBaselines(now time.Time) {
	cutoff := now.Add(-d.cfg.BaselineWindow)

	for policyName, evals := range d.evaluations {
		var recent []evalRecord
		for _, e := range evals {
			if !e.timestamp.Before(cutoff) {
				recent = append(recent, e)
			}
		}
		if len(recent) < d.cfg.MinBaselineSamples {
			continue
		}

		successCount := 0
		var totalTime time.Duration
		coverage := map[string]int{}
		for _, e := range recent {
			if e.allowed {
				successCount++
			}
			totalTime += e.evaluationTime
			for _, rule := range e.matchedRules {
				coverage[rule]++
			}
		}

		recentViolations := 0
		for _, v := range d.violations[policyName] {
			if !v.timestamp.Before(cutoff) {
				recentViolations++
			}
		}

		d.baselines[policyName] = &Baseline{
			PolicyName:            policyName,
			SuccessRate:           float64(successCount) / float64(len(recent)),
			AverageEvaluationTime: totalTime / time.Duration(len(recent)),
			RuleCoverage:          coverage,
			ViolationRate:         float64(recentViolations) / float64(len(recent)),
			LastUpdated:           now,
			SampleCount:           len(recent),
		}
	}

	d.lastUpdate = now
	d.log.Info("drift baselines updated", zap.Int("policy_count", len(d.baselines)))
}

func (d *Detector) checkDrift(policyName string, now time.Time) {
	baseline, ok := d.baselines[policyName]
	if !ok {
		return
	}

	cutoff := now.Add(-d.cfg.DetectionWindow)
	var recent []evalRecord
	for _, e := range d.evaluations[policyName] {
		if !e.timestamp.Before(cutoff) {
			recent = append(recent, e)
		}
	}
	if len(recent) < d.cfg.MinDetectionSamples {
		return
	}

	successCount := 0
	var totalTime time.Duration
	coverage := map[string]int{}
	for _, e := range recent {
		if e.allowed {
			successCount++
		}
		totalTime += e.evaluationTime
		for _, rule := range e.matchedRules {
			coverage[rule]++
		}
	}
	currentSuccessRate := float64(successCount) / float64(len(recent))
	currentAvgTime := totalTime / time.Duration(len(recent))

	if baseline.SuccessRate > 0 {
		complianceDrift := math.Abs(currentSuccessRate-baseline.SuccessRate) / baseline.SuccessRate
		if complianceDrift > driftThresholds[TypeComplianceDegradation] {
			d.createAlert(TypeComplianceDegradation, policyName, "success_rate",
				currentSuccessRate, baseline.SuccessRate, complianceDrift*100,
				fmt.Sprintf("policy compliance rate drifted from %.2f%% to %.2f%%", baseline.SuccessRate*100, currentSuccessRate*100), nil)
		}
	}

	if baseline.AverageEvaluationTime > 0 {
		performanceDrift := math.Abs(float64(currentAvgTime-baseline.AverageEvaluationTime)) / float64(baseline.AverageEvaluationTime)
		if performanceDrift > driftThresholds[TypePerformanceDrift] {
			d.createAlert(TypePerformanceDrift, policyName, "evaluation_time",
				float64(currentAvgTime), float64(baseline.AverageEvaluationTime), performanceDrift*100,
				fmt.Sprintf("policy evaluation time drifted from %s to %s", baseline.AverageEvaluationTime, currentAvgTime), nil)
		}
	}

	d.checkCoverageDrift(policyName, baseline.RuleCoverage, coverage)
}

func (d *Detector) checkCoverageDrift(policyName string, baselineCoverage, currentCoverage map[string]int) {
	allRules := map[string]struct{}{}
	for rule := range baselineCoverage {
		allRules[rule] = struct{}{}
	}
	for rule := range currentCoverage {
		allRules[rule] = struct{}{}
	}

	for rule := range allRules {
		baselineCount := baselineCoverage[rule]
		currentCount := currentCoverage[rule]

		if baselineCount > 0 && currentCount == 0 {
			d.createAlert(TypeCoverageGap, policyName, "rule_coverage", 0, float64(baselineCount), 100,
				fmt.Sprintf("rule %q stopped firing (was %d times in baseline)", rule, baselineCount),
				map[string]any{"rule_name": rule})
			continue
		}
		if baselineCount > 0 {
			coverageDrift := math.Abs(float64(currentCount-baselineCount)) / float64(baselineCount)
			if coverageDrift > driftThresholds[TypeUnexpectedBehavior] {
				d.createAlert(TypeUnexpectedBehavior, policyName, "rule_frequency",
					float64(currentCount), float64(baselineCount), coverageDrift*100,
					fmt.Sprintf("rule %q frequency changed from %d to %d", rule, baselineCount, currentCount),
					map[string]any{"rule_name": rule})
			}
		}
	}
}

func (d *Detector) checkViolationDrift(policyName string, now time.Time) {
	cutoff := now.Add(-d.cfg.DetectionWindow)
	var recent []violationRecord
	for _, v := range d.violations[policyName] {
		if !v.timestamp.Before(cutoff) {
			recent = append(recent, v)
		}
	}
	if len(recent) == 0 {
		return
	}

	subjectCounts := map[string]int{}
	violationTypes := map[string]struct{}{}
	for _, v := range recent {
		violationTypes[v.vType] = struct{}{}
		if v.subject != "" {
			subjectCounts[v.subject]++
		}
	}

	subjects := make([]string, 0, len(subjectCounts))
	for s := range subjectCounts {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	for _, subject := range subjects {
		count := subjectCounts[subject]
		if count >= d.cfg.SuspiciousUserThreshold {
			types := make([]string, 0, len(violationTypes))
			for t := range violationTypes {
				types = append(types, t)
			}
			sort.Strings(types)
			d.createAlert(TypePolicyBypass, policyName, "subject_violations",
				float64(count), 1, (float64(count)-1)*100,
				fmt.Sprintf("subject %s has %d violations in the %s window", subject, count, d.cfg.DetectionWindow),
				map[string]any{"subject": subject, "violation_types": types})
		}
	}
}

func severityFor(driftPercentage float64) Severity {
	switch {
	case driftPercentage >= 50:
		return SeverityCritical
	case driftPercentage >= 25:
		return SeverityHigh
	case driftPercentage >= 15:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (d *Detector) createAlert(driftType Type, policyName, metricName string, currentValue, expectedValue, driftPercentage float64, description string, context map[string]any) {
	severity := severityFor(driftPercentage)
	if context == nil {
		context = map[string]any{}
	}

	key := fmt.Sprintf("%s:%s:%s", policyName, driftType, metricName)
	if existing, ok := d.activeAlerts[key]; ok {
		if driftPercentage > existing.DriftPercentage {
			existing.DriftPercentage = driftPercentage
			existing.CurrentValue = currentValue
			existing.DetectionTime = time.Now()
			existing.Severity = severity
		}
		return
	}

	alert := &Alert{
		AlertID:                uuid.NewString(),
		DriftType:              driftType,
		Severity:               severity,
		PolicyName:             policyName,
		MetricName:             metricName,
		Description:            description,
		CurrentValue:           currentValue,
		ExpectedValue:          expectedValue,
		DriftPercentage:        driftPercentage,
		DetectionTime:          time.Now(),
		Context:                context,
		RemediationSuggestions: remediationSuggestions[driftType],
	}
	d.activeAlerts[key] = alert

	d.log.Warn("policy drift detected",
		zap.String("drift_type", string(driftType)),
		zap.String("alert_id", alert.AlertID),
		zap.String("policy_name", policyName),
		zap.String("metric_name", metricName),
		zap.Float64("drift_percentage", driftPercentage),
		zap.String("severity", string(severity)),
	)

	for _, h := range d.handlers {
		h(alert)
	}
}

// ActiveAlerts returns active alerts, optionally filtered by policy and/or
// severity, newest first.
func (d *Detector) ActiveAlerts(policyName string, severity Severity) []*Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Alert
	for _, a := range d.activeAlerts {
		if policyName != "" && a.PolicyName != policyName {
			continue
		}
		if severity != "" && a.Severity != severity {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectionTime.After(out[j].DetectionTime) })
	return out
}

// AcknowledgeAlert removes an active alert by ID, returning whether it existed.
func (d *Detector) AcknowledgeAlert(alertID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, alert := range d.activeAlerts {
		if alert.AlertID == alertID {
			delete(d.activeAlerts, key)
			d.log.Info("drift alert acknowledged", zap.String("alert_id", alertID))
			return true
		}
	}
	return false
}

// ClearOldData drops metric history older than retention, bounding memory use.
func (d *Detector) ClearOldData(retention time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	for policyName, evals := range d.evaluations {
		d.evaluations[policyName] = filterSince(evals, cutoff, func(e evalRecord) time.Time { return e.timestamp })
	}
	for policyName, viols := range d.violations {
		d.violations[policyName] = filterSince(viols, cutoff, func(v violationRecord) time.Time { return v.timestamp })
	}
	d.log.Info("cleared drift metric history", zap.Duration("retention", retention))
}

func filterSince[T any](items []T, cutoff time.Time, ts func(T) time.Time) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if !ts(item).Before(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
