package plancompiler

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/plancompiler/dependency"
	"github.com/anumate/capcore/internal/plancompiler/planmodel"
	"github.com/anumate/capcore/internal/plancompiler/validate"
)

type fakeRegistry struct {
	versions map[string][]dependency.CapsuleVersion
}

func (f *fakeRegistry) AvailableVersions(ctx context.Context, name string) ([]dependency.CapsuleVersion, error) {
	return f.versions[name], nil
}

func sampleCapsule() planmodel.Capsule {
	return planmodel.Capsule{
		Name:    "issue-refund",
		Version: "1.0.0",
		Tools:   []string{"http", "payment_gateway"},
		Automation: map[string]any{
			"steps": []any{
				map[string]any{"step_id": "charge", "step_type": "action", "tool": "payment_gateway"},
				map[string]any{"step_id": "notify", "step_type": "action", "tool": "http", "depends_on": []any{"charge"}},
			},
		},
		Metadata: map[string]any{
			"requires_approval": true,
		},
	}
}

func TestCompileProducesValidHashStablePlan(t *testing.T) {
	c := New(nil)
	req := Request{TenantID: uuid.New(), CompiledBy: uuid.New(), ValidationLevel: validate.LevelStandard}

	result, err := c.Compile(context.Background(), sampleCapsule(), "checksum-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected successful compilation, got errors: %v", result.Errors)
	}
	if result.Plan.PlanHash == "" {
		t.Error("expected a non-empty plan hash")
	}
}

func TestCompileIsHashStableAcrossRuns(t *testing.T) {
	c := New(nil)
	req := Request{TenantID: uuid.New(), CompiledBy: uuid.New()}

	first, err := c.Compile(context.Background(), sampleCapsule(), "checksum-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Compile(context.Background(), sampleCapsule(), "checksum-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Plan.PlanHash != second.Plan.PlanHash {
		t.Errorf("expected identical hashes across two compilations of the same capsule, got %s vs %s", first.Plan.PlanHash, second.Plan.PlanHash)
	}
}

func TestCompileWithDependencies(t *testing.T) {
	registry := &fakeRegistry{versions: map[string][]dependency.CapsuleVersion{
		"notification-sender": {{Version: "1.0.0"}, {Version: "1.1.0"}},
	}}
	c := New(registry)
	capsule := sampleCapsule()
	capsule.Dependencies = []string{"notification-sender@^1.0.0"}

	result, err := c.Compile(context.Background(), capsule, "checksum-1", Request{TenantID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if len(result.ResolvedDependencies) != 1 || result.ResolvedDependencies[0].Version != "1.1.0" {
		t.Errorf("expected notification-sender resolved to 1.1.0, got %+v", result.ResolvedDependencies)
	}
}

func TestCompileFailsWithUnresolvedRequiredDependency(t *testing.T) {
	registry := &fakeRegistry{versions: map[string][]dependency.CapsuleVersion{}}
	c := New(registry)
	capsule := sampleCapsule()
	capsule.Dependencies = []string{"ghost-service@>=1.0.0"}

	result, err := c.Compile(context.Background(), capsule, "checksum-1", Request{TenantID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected compilation to fail for an unresolved required dependency")
	}
	if len(result.UnresolvedDependencies) != 1 {
		t.Errorf("expected 1 unresolved dependency, got %v", result.UnresolvedDependencies)
	}
}

func TestCompileRejectsDisallowedToolAtSecurityFocusedLevel(t *testing.T) {
	c := New(nil)
	capsule := sampleCapsule()
	capsule.Tools = []string{"http"} // payment_gateway step not in allowed_tools
	req := Request{TenantID: uuid.New(), ValidationLevel: validate.LevelSecurityFocused}

	result, err := c.Compile(context.Background(), capsule, "checksum-1", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected compilation to fail validation when a sensitive tool is used without approval/allowlisting")
	}
}

func TestCompileDefaultsToStandardOptimizationAndValidation(t *testing.T) {
	c := New(nil)
	result, err := c.Compile(context.Background(), sampleCapsule(), "checksum-1", Request{TenantID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Plan.Metadata.OptimizationLevel != "standard" {
		t.Errorf("expected default optimization level 'standard', got %s", result.Plan.Metadata.OptimizationLevel)
	}
}
