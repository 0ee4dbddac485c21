package evaluator

import (
	"testing"

	"github.com/anumate/capcore/internal/policydsl/ast"
	"github.com/anumate/capcore/internal/policydsl/parser"
)

func mustParse(t *testing.T, src string) *ast.Policy {
	t.Helper()
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return p
}

func TestEvaluatePolicySimpleAllow(t *testing.T) {
	src := `
policy "test" {
	rule "high amount" {
		when amount > 1000
		then deny
	}
}`
	policy := mustParse(t, src)
	e := New()
	res, err := e.EvaluatePolicy(policy, map[string]any{"amount": 500}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("expected allowed for amount below threshold")
	}
	if len(res.MatchedRules) != 0 {
		t.Errorf("expected no matched rules, got %v", res.MatchedRules)
	}
}

func TestEvaluatePolicyDenyOverrides(t *testing.T) {
	src := `
policy "test" {
	rule "high amount" {
		when amount > 1000
		then deny
	}
}`
	policy := mustParse(t, src)
	e := New()
	res, err := e.EvaluatePolicy(policy, map[string]any{"amount": 5000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("expected denied for amount above threshold")
	}
	if len(res.MatchedRules) != 1 || res.MatchedRules[0] != "high amount" {
		t.Errorf("expected 'high amount' to match, got %v", res.MatchedRules)
	}
}

func TestEvaluatePolicyPriorityOrdering(t *testing.T) {
	src := `
policy "test" {
	rule "low priority allow" {
		priority: 1
		when role == "admin"
		then allow
	}
	rule "high priority deny" {
		priority: 100
		when role == "admin"
		then deny
	}
}`
	policy := mustParse(t, src)
	e := New()
	res, err := e.EvaluatePolicy(policy, map[string]any{"role": "admin"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedRules[0] != "high priority deny" {
		t.Errorf("expected high priority rule evaluated first, got %v", res.MatchedRules)
	}
	if res.Allowed {
		t.Error("expected denied since a deny action matched")
	}
}

func TestEvaluatePolicyDisabledRuleSkipped(t *testing.T) {
	src := `
policy "test" {
	rule "disabled deny" {
		enabled: false
		when amount > 0
		then deny
	}
}`
	policy := mustParse(t, src)
	e := New()
	res, err := e.EvaluatePolicy(policy, map[string]any{"amount": 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || len(res.MatchedRules) != 0 {
		t.Errorf("expected disabled rule to be skipped, got %+v", res)
	}
}

func TestEvaluatePolicyStringOpsAndFunctions(t *testing.T) {
	src := `
policy "test" {
	rule "pii in notes" {
		when contains_pii(notes)
		then redact(field="notes")
	}
}`
	policy := mustParse(t, src)
	e := New()
	res, err := e.EvaluatePolicy(policy, map[string]any{"notes": "email me at bob@example.com"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.MatchedRules) != 1 {
		t.Fatalf("expected pii rule to match, got %v", res.MatchedRules)
	}
	if res.Actions[0].Parameters["field"] != "notes" {
		t.Errorf("expected redact field param 'notes', got %v", res.Actions[0].Parameters)
	}
}

func TestEvaluatePolicyAndOrShortCircuit(t *testing.T) {
	src := `
policy "test" {
	rule "combo" {
		when role == "admin" and amount > 100
		then deny
	}
}`
	policy := mustParse(t, src)
	e := New()
	res, err := e.EvaluatePolicy(policy, map[string]any{"role": "user", "amount": 5000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.MatchedRules) != 0 {
		t.Errorf("expected no match since role != admin, got %v", res.MatchedRules)
	}
}

func TestEvaluatePolicyMembership(t *testing.T) {
	src := `
policy "test" {
	rule "blocked country" {
		when country in ["KP", "IR"]
		then deny
	}
}`
	policy := mustParse(t, src)
	e := New()
	res, err := e.EvaluatePolicy(policy, map[string]any{"country": "IR"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.MatchedRules) != 1 {
		t.Errorf("expected blocked country rule to match, got %v", res.MatchedRules)
	}
}

func TestEvaluatePolicyUnknownIdentifierErrors(t *testing.T) {
	src := `
policy "test" {
	rule "missing field" {
		when ghost > 1
		then deny
	}
}`
	policy := mustParse(t, src)
	e := New()
	if _, err := e.EvaluatePolicy(policy, map[string]any{}, nil); err == nil {
		t.Error("expected error for unresolved identifier")
	}
}

func TestBuiltinFunctions(t *testing.T) {
	e := New()
	cases := []struct {
		name string
		args []any
		want any
	}{
		{"lower", []any{"ABC"}, "abc"},
		{"upper", []any{"abc"}, "ABC"},
		{"len", []any{"hello"}, 5},
		{"is_email", []any{"a@b.com"}, true},
		{"is_email", []any{"not an email"}, false},
		{"is_ssn", []any{"123-45-6789"}, true},
		{"is_credit_card", []any{"4111 1111 1111 1111"}, true},
	}
	for _, tc := range cases {
		got, err := e.builtins[tc.name](tc.args)
		if err != nil {
			t.Fatalf("%s(%v) returned error: %v", tc.name, tc.args, err)
		}
		if got != tc.want {
			t.Errorf("%s(%v) = %v want %v", tc.name, tc.args, got, tc.want)
		}
	}
}
