package capcheck

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestChecker(t *testing.T) *Checker {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE tool_allow_lists (
		rule_id TEXT PRIMARY KEY, tenant_id TEXT, capability_name TEXT, tool_pattern TEXT,
		action_pattern TEXT, rule_type TEXT, pattern_type TEXT, priority INTEGER,
		is_active INTEGER, description TEXT, created_at TEXT, updated_at TEXT)`); err != nil {
		t.Fatal(err)
	}
	return NewChecker(db)
}

func TestCapabilityMatchesHierarchy(t *testing.T) {
	cases := []struct {
		p, r string
		want bool
	}{
		{"admin.write", "admin.write", true},
		{"admin.write", "admin.*", true},
		{"admin", "orchestrator.run", true},
		{"admin", "admin.write", false}, // admin shortcut excludes admin.* by design
		{"read", "write", false},
		{"a.b.c", "a.b.*", true},
		{"a.b", "a.b.c", false},
	}
	for _, tc := range cases {
		got := capabilityMatches(tc.p, tc.r)
		if got != tc.want {
			t.Errorf("capabilityMatches(%q,%q) = %v want %v", tc.p, tc.r, got, tc.want)
		}
	}
}

func TestPatternMatches(t *testing.T) {
	if !patternMatches("exact", "foo", "foo") {
		t.Error("exact should match identical strings")
	}
	if patternMatches("exact", "foo", "bar") {
		t.Error("exact should not match different strings")
	}
	if !patternMatches("glob", "*.read", "inventory.read") {
		t.Error("glob *.read should match inventory.read")
	}
	if patternMatches("glob", "*.read", "inventory.write") {
		t.Error("glob *.read should not match inventory.write")
	}
	if !patternMatches("regex", "^orch.*", "orchestrator.run") {
		t.Error("regex should match prefix")
	}
}

func TestHierarchicalCapabilityScenario(t *testing.T) {
	checker := newTestChecker(t)
	ctx := context.Background()
	if _, err := checker.CreateRule(ctx, Rule{
		TenantID: "t1", CapabilityName: "admin.write", ToolPattern: "orchestrator.run",
		PatternType: "exact", RuleType: "allow", Priority: 10, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := checker.Check(ctx, Request{
		Capabilities: []string{"admin"}, Tool: "orchestrator.run", Tenant: "t1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed=true, got %+v", res)
	}
}

func TestGlobToolScenario(t *testing.T) {
	checker := newTestChecker(t)
	ctx := context.Background()
	if _, err := checker.CreateRule(ctx, Rule{
		TenantID: "t1", CapabilityName: "read", ToolPattern: "*.read",
		PatternType: "glob", RuleType: "allow", Priority: 10, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	allowed, err := checker.Check(ctx, Request{Capabilities: []string{"read"}, Tool: "inventory.read", Tenant: "t1"})
	if err != nil || !allowed.Allowed {
		t.Fatalf("expected allowed: %v %+v", err, allowed)
	}
	denied, err := checker.Check(ctx, Request{Capabilities: []string{"read"}, Tool: "inventory.write", Tenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if denied.Allowed {
		t.Fatal("expected denied for inventory.write")
	}
}

func TestRulePriorityDenyOverridesAllow(t *testing.T) {
	checker := newTestChecker(t)
	ctx := context.Background()
	if _, err := checker.CreateRule(ctx, Rule{
		TenantID: "t1", CapabilityName: "write", ToolPattern: "*", PatternType: "glob",
		RuleType: "allow", Priority: 5, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := checker.CreateRule(ctx, Rule{
		TenantID: "t1", CapabilityName: "write", ToolPattern: "dangerous.*", PatternType: "glob",
		RuleType: "deny", Priority: 20, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := checker.Check(ctx, Request{Capabilities: []string{"write"}, Tool: "dangerous.delete", Tenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("a later deny match must override an earlier allow")
	}
}

func TestNoMatchingRuleDenies(t *testing.T) {
	checker := newTestChecker(t)
	ctx := context.Background()
	res, err := checker.Check(ctx, Request{Capabilities: []string{"read"}, Tool: "x", Tenant: "empty-tenant"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.ViolationReason != "No matching rule" {
		t.Fatalf("expected deny with 'No matching rule', got %+v", res)
	}
}

func TestSeedDefaultRules(t *testing.T) {
	checker := newTestChecker(t)
	ctx := context.Background()
	if err := checker.SeedDefaultRules(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	rules, err := checker.ListRules(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 5 {
		t.Fatalf("expected 5 default rules, got %d", len(rules))
	}

	res, err := checker.Check(ctx, Request{Capabilities: []string{"execute"}, Tool: "orchestrator.run", Tenant: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("execute capability should allow orchestrator.run per default rules: %+v", res)
	}
}
