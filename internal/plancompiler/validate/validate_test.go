package validate

import (
	"testing"

	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

func validPlan() *planmodel.ExecutablePlan {
	return &planmodel.ExecutablePlan{
		Name:     "refund-flow",
		Version:  "1.2.0",
		MainFlow: "main",
		Flows: []planmodel.ExecutionFlow{
			{
				FlowID: "main",
				Steps: []planmodel.ExecutionStep{
					{StepID: "a", StepType: "action", Tool: "http"},
					{StepID: "b", StepType: "action", Tool: "http", DependsOn: []string{"a"}},
				},
			},
		},
		ResourceRequirements: planmodel.ResourceRequirement{CPU: "500m", Memory: "256Mi"},
	}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	r := Validate(validPlan(), Options{Level: LevelStandard})
	if !r.Valid {
		t.Fatalf("expected valid plan, got errors: %v", r.Errors)
	}
}

func TestValidateRejectsMissingName(t *testing.T) {
	p := validPlan()
	p.Name = ""
	r := Validate(p, Options{Level: LevelStandard})
	if r.Valid {
		t.Fatal("expected invalid plan when name is missing")
	}
}

func TestValidateRejectsNonSemverVersion(t *testing.T) {
	p := validPlan()
	p.Version = "not-a-version"
	r := Validate(p, Options{Level: LevelStandard})
	if r.Valid {
		t.Fatal("expected invalid plan for non-semver version")
	}
}

func TestValidateRejectsMissingMainFlow(t *testing.T) {
	p := validPlan()
	p.MainFlow = "does-not-exist"
	r := Validate(p, Options{Level: LevelStandard})
	if r.Valid {
		t.Fatal("expected invalid plan when main flow does not exist")
	}
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	p := validPlan()
	p.Flows[0].Steps = append(p.Flows[0].Steps, planmodel.ExecutionStep{StepID: "a", StepType: "action"})
	r := Validate(p, Options{Level: LevelStandard})
	if r.Valid {
		t.Fatal("expected invalid plan for duplicate step ids")
	}
}

func TestValidateRejectsUnknownDependsOnTarget(t *testing.T) {
	p := validPlan()
	p.Flows[0].Steps[1].DependsOn = []string{"ghost"}
	r := Validate(p, Options{Level: LevelStandard})
	if r.Valid {
		t.Fatal("expected invalid plan when depends_on references an unknown step")
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	p := validPlan()
	p.Flows[0].Steps[0].DependsOn = []string{"b"}
	r := Validate(p, Options{Level: LevelStandard})
	if r.Valid {
		t.Fatal("expected invalid plan for a dependency cycle")
	}
}

func TestValidateFlagsDisallowedTool(t *testing.T) {
	p := validPlan()
	p.Flows[0].Steps[0].Tool = "totally_unapproved_tool"
	r := Validate(p, Options{Level: LevelStandard})
	if len(r.SecurityIssues) == 0 {
		t.Fatal("expected a security issue for a disallowed tool")
	}
}

func TestValidateRejectsBadRetryPolicy(t *testing.T) {
	p := validPlan()
	p.Flows[0].Steps[0].RetryPolicy = &planmodel.RetryPolicy{MaxAttempts: 0, Backoff: "exponential"}
	r := Validate(p, Options{Level: LevelStandard})
	if r.Valid {
		t.Fatal("expected invalid plan for retry policy with max_attempts <= 0")
	}
}

func TestValidateRejectsBadResourceStrings(t *testing.T) {
	p := validPlan()
	p.ResourceRequirements.CPU = "lots"
	r := Validate(p, Options{Level: LevelStandard})
	if len(r.ResourceIssues) == 0 {
		t.Fatal("expected a resource issue for a malformed cpu string")
	}
}

func TestValidateStrictRequiresExplicitAllowlistAndCapabilities(t *testing.T) {
	p := validPlan()
	r := Validate(p, Options{Level: LevelStrict})
	if len(r.SecurityIssues) < 2 {
		t.Errorf("expected strict validation to flag missing allowed_tools and required_capabilities, got %v", r.SecurityIssues)
	}
}

func TestValidateSecurityFocusedRequiresApprovalForSensitiveTools(t *testing.T) {
	p := validPlan()
	p.Flows[0].Steps[0].Tool = "payment_gateway"
	p.SecurityContext.AllowedTools = []string{"payment_gateway", "http"}
	p.SecurityContext.RequiredCapabilities = []string{"payments.charge"}
	r := Validate(p, Options{Level: LevelSecurityFocused})
	found := false
	for _, issue := range r.SecurityIssues {
		if issue == "security-focused validation requires approval when sensitive tools are used" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a security-focused approval issue, got %v", r.SecurityIssues)
	}
}

func TestValidateSecurityFocusedPassesWhenApprovalRequired(t *testing.T) {
	p := validPlan()
	p.Flows[0].Steps[0].Tool = "payment_gateway"
	p.SecurityContext.AllowedTools = []string{"payment_gateway", "http"}
	p.SecurityContext.RequiredCapabilities = []string{"payments.charge"}
	p.SecurityContext.RequiresApproval = true
	r := Validate(p, Options{Level: LevelSecurityFocused})
	if !r.Valid {
		t.Errorf("expected valid plan when approval is required for sensitive tools, got errors: %v", r.Errors)
	}
}

func TestValidateCustomAllowedToolsOverridesDefault(t *testing.T) {
	p := validPlan()
	r := Validate(p, Options{Level: LevelStandard, AllowedTools: []string{"database"}})
	if len(r.SecurityIssues) == 0 {
		t.Error("expected http to be flagged once the allowlist is overridden to only database")
	}
}
