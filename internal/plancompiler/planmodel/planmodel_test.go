package planmodel

import (
	"testing"

	"github.com/google/uuid"
)

func samplePlan() *ExecutablePlan {
	return &ExecutablePlan{
		PlanID:   uuid.New(),
		TenantID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Name:     "refund-flow",
		Version:  "1.0.0",
		Flows: []ExecutionFlow{
			{
				FlowID: "main",
				Name:   "main",
				Steps: []ExecutionStep{
					{StepID: "step-1", Name: "charge", StepType: "action", Tool: "payment_gateway"},
				},
			},
		},
		MainFlow: "main",
		Metadata: PlanMetadata{
			SourceCapsuleChecksum: "abc123",
			OptimizationLevel:     "standard",
		},
	}
}

func TestCalculateHashIsStableAcrossIdenticalPlans(t *testing.T) {
	a := samplePlan()
	b := samplePlan()
	b.PlanID = uuid.New() // different plan_id must not affect the hash
	b.Metadata.CompiledAt = b.Metadata.CompiledAt.Add(1000) // informational metadata must not affect the hash

	hashA, err := a.CalculateHash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hashB, err := b.CalculateHash()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hashA != hashB {
		t.Errorf("expected identical hashes for plans differing only in plan_id/compiled_at, got %s vs %s", hashA, hashB)
	}
}

func TestCalculateHashChangesWithFlowContent(t *testing.T) {
	a := samplePlan()
	b := samplePlan()
	b.Flows[0].Steps[0].Tool = "database"

	hashA, _ := a.CalculateHash()
	hashB, _ := b.CalculateHash()
	if hashA == hashB {
		t.Error("expected different hashes for plans with different step content")
	}
}

func TestCalculateHashChangesWithOptimizationLevel(t *testing.T) {
	a := samplePlan()
	b := samplePlan()
	b.Metadata.OptimizationLevel = "aggressive"

	hashA, _ := a.CalculateHash()
	hashB, _ := b.CalculateHash()
	if hashA == hashB {
		t.Error("expected optimization_level to participate in the canonical hash")
	}
}

func TestMarshalSortedProducesDeterministicKeyOrder(t *testing.T) {
	v := map[string]any{"z": 1, "a": 2, "m": map[string]any{"y": 1, "b": 2}}
	out1, err := marshalSorted(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out2, err := marshalSorted(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out1) != string(out2) {
		t.Error("expected marshalSorted to be deterministic")
	}
	want := `{"a":2,"m":{"b":2,"y":1},"z":1}`
	if string(out1) != want {
		t.Errorf("got %s, want %s", out1, want)
	}
}
