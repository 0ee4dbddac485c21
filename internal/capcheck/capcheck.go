// Package capcheck implements the Capability Checker of the design:
// hierarchical capability matching against a tenant's priority-ordered
// allow/deny rule set. Grounded algorithmically on
// original_source/services/captokens/.../capability_checker.py (exact
// hierarchical-match, pattern-match, and default-rule-seed semantics) and
// on the reference implementation's internal/engine/engine.go and internal/resolver/
// capabilities.go for the Go-idiomatic Decision/rule-loop shape.
package capcheck

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/drift"
	"github.com/anumate/capcore/internal/telemetry"
)

// Rule is a ToolAllowListRule row (the design).
type Rule struct {
	RuleID         string
	TenantID       string
	CapabilityName string
	ToolPattern    string
	ActionPattern  string
	RuleType       string // allow|deny
	PatternType    string // exact|regex|glob
	Priority       int
	IsActive       bool
	Description    string
}

// Request is the input to Check.
type Request struct {
	Capabilities []string
	Tool         string
	Action       string
	Tenant       string
}

// Result is Check's output.
type Result struct {
	Allowed              bool
	MatchedRules         []string
	ViolationReason      string
	RequiredCapabilities []string
}

// Checker evaluates capability checks against a SQL-backed rule store,
// with a per-tenant TTL cache (the design: "MAY be cached... TTL ≈5 minutes
// and explicit invalidation on rule create/update/delete").
type Checker struct {
	db    *sql.DB
	cache *ruleCache
	drift *drift.Detector
}

// NewChecker wires a Checker against a migrated *sql.DB.
func NewChecker(db *sql.DB) *Checker {
	return &Checker{db: db, cache: newRuleCache(5 * time.Minute)}
}

// WithDrift feeds every Check decision into a drift detector so baseline
// compliance/coverage drift can be observed per tool pattern.
func (c *Checker) WithDrift(d *drift.Detector) *Checker {
	c.drift = d
	return c
}

// Check implements the design's decision algorithm: load active rules for
// tenant sorted ascending by priority; walk in order; the first matching
// rule sets the decision; any later matching deny overrides to deny.
func (c *Checker) Check(ctx context.Context, req Request) (*Result, error) {
	ctx, span := telemetry.StartCapabilityCheckSpan(ctx, req.Tenant, req.Tool, req.Action)
	start := time.Now()

	rules, err := c.activeRules(ctx, req.Tenant)
	if err != nil {
		telemetry.EndCapabilityCheckSpan(span, false, 0)
		return nil, fmt.Errorf("capcheck: load rules: %w", err)
	}

	var matched []string
	var decided bool
	allowed := false

	for _, r := range rules {
		if !ruleMatches(r, req) {
			continue
		}
		matched = append(matched, r.RuleID)
		if !decided {
			allowed = r.RuleType == "allow"
			decided = true
		} else if r.RuleType == "deny" {
			allowed = false
			break
		}
	}

	result := &Result{MatchedRules: matched, Allowed: allowed}
	if !decided {
		result.ViolationReason = "No matching rule"
	} else if !allowed {
		result.ViolationReason = "Denied by rule"
	}
	if !allowed {
		result.RequiredCapabilities = requiredCapabilities(rules)
	}
	if c.drift != nil {
		c.drift.RecordEvaluation(req.Tool, allowed, matched, time.Since(start))
		if !allowed {
			c.drift.RecordViolation(req.Tool, "capability_denied", "medium", req.Tenant)
		}
	}
	telemetry.EndCapabilityCheckSpan(span, allowed, len(matched))
	return result, nil
}

// ruleMatches implements the per-rule conjunction of the design: capability
// hierarchy match, tool pattern match, and (if present) action pattern
// match.
func ruleMatches(r Rule, req Request) bool {
	matchedCap := false
	for _, p := range req.Capabilities {
		if capabilityMatches(p, r.CapabilityName) {
			matchedCap = true
			break
		}
	}
	if !matchedCap {
		return false
	}
	if !patternMatches(r.PatternType, r.ToolPattern, req.Tool) {
		return false
	}
	if r.ActionPattern != "" && req.Action != "" {
		if !patternMatches(r.PatternType, r.ActionPattern, req.Action) {
			return false
		}
	}
	return true
}

// capabilityMatches implements the design's hierarchical match between a
// provided capability p and a rule's required capability r.
func capabilityMatches(p, r string) bool {
	if p == r {
		return true
	}
	if strings.Contains(r, ".") {
		pSegs := strings.Split(p, ".")
		rSegs := strings.Split(r, ".")
		segsMatch := true
		for i, rSeg := range rSegs {
			if rSeg == "*" {
				return true
			}
			if i >= len(pSegs) || pSegs[i] != rSeg {
				segsMatch = false
				break
			}
		}
		if segsMatch && len(pSegs) == len(rSegs) {
			return true
		}
	}
	// Global admin shortcut: matches any r not starting with "admin.".
	// Design note: only an exact "admin" provided capability
	// triggers this — not merely a capability that resolves to admin.
	if p == "admin" && !strings.HasPrefix(r, "admin.") {
		return true
	}
	return false
}

// patternMatches implements the design's three pattern types.
func patternMatches(patternType, pattern, value string) bool {
	switch patternType {
	case "exact":
		return pattern == value
	case "regex":
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		loc := re.FindStringIndex(value)
		return loc != nil && loc[0] == 0
	case "glob":
		return globMatch(pattern, value)
	default:
		return false
	}
}

func globMatch(pattern, value string) bool {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func requiredCapabilities(rules []Rule) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		if r.RuleType == "allow" && r.IsActive && !seen[r.CapabilityName] {
			seen[r.CapabilityName] = true
			out = append(out, r.CapabilityName)
		}
	}
	return out
}

// activeRules returns a tenant's active rules sorted ascending by
// priority, using the per-tenant cache when fresh.
func (c *Checker) activeRules(ctx context.Context, tenant string) ([]Rule, error) {
	if rules, ok := c.cache.get(tenant); ok {
		return rules, nil
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT rule_id, tenant_id, capability_name, tool_pattern, action_pattern,
		       rule_type, pattern_type, priority, is_active, description
		FROM tool_allow_lists WHERE tenant_id = ? AND is_active = 1
		ORDER BY priority ASC`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var actionPattern, description sql.NullString
		var isActive int
		if err := rows.Scan(&r.RuleID, &r.TenantID, &r.CapabilityName, &r.ToolPattern,
			&actionPattern, &r.RuleType, &r.PatternType, &r.Priority, &isActive, &description); err != nil {
			return nil, err
		}
		r.ActionPattern = actionPattern.String
		r.Description = description.String
		r.IsActive = isActive != 0
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	c.cache.put(tenant, rules)
	return rules, nil
}

// InvalidateTenant drops the cached rule set for a tenant. Call this after
// any rule create/update/delete.
func (c *Checker) InvalidateTenant(tenant string) {
	c.cache.invalidate(tenant)
}

// CreateRule inserts a new ToolAllowListRule row and invalidates the
// tenant's rule cache.
func (c *Checker) CreateRule(ctx context.Context, r Rule) (string, error) {
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tool_allow_lists
			(rule_id, tenant_id, capability_name, tool_pattern, action_pattern,
			 rule_type, pattern_type, priority, is_active, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RuleID, r.TenantID, r.CapabilityName, r.ToolPattern, nullIfEmpty(r.ActionPattern),
		r.RuleType, r.PatternType, r.Priority, boolToInt(r.IsActive), nullIfEmpty(r.Description), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("capcheck: create rule: %w", err)
	}
	c.InvalidateTenant(r.TenantID)
	return r.RuleID, nil
}

// ListRules returns every rule for a tenant (active and inactive),
// ordered by priority, for the /v1/rules GET endpoint.
func (c *Checker) ListRules(ctx context.Context, tenant string) ([]Rule, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT rule_id, tenant_id, capability_name, tool_pattern, action_pattern,
		       rule_type, pattern_type, priority, is_active, description
		FROM tool_allow_lists WHERE tenant_id = ? ORDER BY priority ASC`, tenant)
	if err != nil {
		return nil, fmt.Errorf("capcheck: list rules: %w", err)
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var r Rule
		var actionPattern, description sql.NullString
		var isActive int
		if err := rows.Scan(&r.RuleID, &r.TenantID, &r.CapabilityName, &r.ToolPattern,
			&actionPattern, &r.RuleType, &r.PatternType, &r.Priority, &isActive, &description); err != nil {
			return nil, err
		}
		r.ActionPattern = actionPattern.String
		r.Description = description.String
		r.IsActive = isActive != 0
		rules = append(rules, r)
	}
	return rules, nil
}

// SeedDefaultRules installs the default rule set of the design for a newly
// initialized tenant.
func (c *Checker) SeedDefaultRules(ctx context.Context, tenant string) error {
	defaults := []Rule{
		{TenantID: tenant, CapabilityName: "admin", ToolPattern: "*", RuleType: "allow", PatternType: "glob", Priority: 1, IsActive: true, Description: "global admin"},
		{TenantID: tenant, CapabilityName: "read", ToolPattern: "*.read", RuleType: "allow", PatternType: "glob", Priority: 10, IsActive: true, Description: "read access"},
		{TenantID: tenant, CapabilityName: "write", ToolPattern: "*.write", RuleType: "allow", PatternType: "glob", Priority: 10, IsActive: true, Description: "write access"},
		{TenantID: tenant, CapabilityName: "database.read", ToolPattern: "postgres.*", RuleType: "allow", PatternType: "glob", Priority: 20, IsActive: true, Description: "database read"},
		{TenantID: tenant, CapabilityName: "execute", ToolPattern: "orchestrator.*", RuleType: "allow", PatternType: "glob", Priority: 15, IsActive: true, Description: "orchestrator execute"},
	}
	for _, r := range defaults {
		if _, err := c.CreateRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ruleCache is a per-tenant TTL cache of active rule sets.
type ruleCache struct {
	ttl   time.Duration
	mu    sync.Mutex
	byTen map[string]cachedRules
}

type cachedRules struct {
	rules    []Rule
	cachedAt time.Time
}

func newRuleCache(ttl time.Duration) *ruleCache {
	return &ruleCache{ttl: ttl, byTen: make(map[string]cachedRules)}
}

func (c *ruleCache) get(tenant string) ([]Rule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byTen[tenant]
	if !ok || time.Since(entry.cachedAt) > c.ttl {
		return nil, false
	}
	return entry.rules, true
}

func (c *ruleCache) put(tenant string, rules []Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTen[tenant] = cachedRules{rules: rules, cachedAt: time.Now()}
}

func (c *ruleCache) invalidate(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byTen, tenant)
}
