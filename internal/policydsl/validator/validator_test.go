package validator

import (
	"testing"

	"github.com/anumate/capcore/internal/policydsl/parser"
)

func TestValidatePolicyRequiresNonEmptyName(t *testing.T) {
	src := `
policy "" {
	rule "r1" {
		when amount > 0
		then deny
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if res.Valid {
		t.Error("expected invalid policy for empty name")
	}
	found := false
	for _, e := range res.Errors() {
		if e.Message == "policy must have a non-empty name" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected empty-name error, got %+v", res.Errors())
	}
}

func TestValidateDuplicateRuleNames(t *testing.T) {
	src := `
policy "test" {
	rule "dup" {
		when amount > 0
		then deny
	}
	rule "dup" {
		when amount > 100
		then allow
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if res.Valid {
		t.Error("expected invalid policy for duplicate rule names")
	}
}

func TestValidateRedactRequiresFieldOrPattern(t *testing.T) {
	src := `
policy "test" {
	rule "r1" {
		when amount > 0
		then redact
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if res.Valid {
		t.Error("expected invalid policy for redact missing field/pattern")
	}
}

func TestValidateAlertRequiresMessage(t *testing.T) {
	src := `
policy "test" {
	rule "r1" {
		when amount > 0
		then alert(severity="high")
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if res.Valid {
		t.Error("expected invalid policy for alert missing message")
	}
}

func TestValidateAlertInvalidSeverity(t *testing.T) {
	src := `
policy "test" {
	rule "r1" {
		when amount > 0
		then alert(message="x", severity="ultra")
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if res.Valid {
		t.Error("expected invalid policy for bad alert severity")
	}
}

func TestValidateUnknownFunction(t *testing.T) {
	src := `
policy "test" {
	rule "r1" {
		when ghost_function(amount) == 1
		then deny
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if res.Valid {
		t.Error("expected invalid policy for unknown function")
	}
}

func TestValidateFunctionArity(t *testing.T) {
	src := `
policy "test" {
	rule "r1" {
		when len(a, b) > 0
		then deny
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if res.Valid {
		t.Error("expected invalid policy for wrong arity")
	}
}

func TestValidatePriorityOutOfRangeWarns(t *testing.T) {
	src := `
policy "test" {
	rule "r1" {
		priority: 5000
		when amount > 0
		then deny
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if !res.Valid {
		t.Errorf("priority warning should not invalidate policy, got errors %+v", res.Errors())
	}
	if len(res.Warnings()) == 0 {
		t.Error("expected a priority range warning")
	}
}

func TestValidatePIIFieldNameInfo(t *testing.T) {
	src := `
policy "test" {
	rule "r1" {
		when email == "x"
		then deny
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if len(res.Infos()) == 0 {
		t.Error("expected an info about PII field name")
	}
}

func TestValidateValidPolicyPasses(t *testing.T) {
	src := `
policy "clean" {
	description: "a clean policy"
	version: "1.0"
	rule "ok" {
		priority: 10
		when amount > 100
		then deny
	}
}`
	p, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	res := New().Validate(p)
	if !res.Valid {
		t.Errorf("expected valid policy, got errors %+v", res.Errors())
	}
}
