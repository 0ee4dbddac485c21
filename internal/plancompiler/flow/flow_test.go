package flow

import "testing"

func TestTransformWorkflowShape(t *testing.T) {
	automation := map[string]any{
		"workflow": map[string]any{
			"steps": []any{
				map[string]any{"step_id": "a", "name": "fetch", "tool": "http"},
			},
		},
	}
	flows, mainFlow := Transform(automation)
	if len(flows) != 1 || len(flows[0].Steps) != 1 {
		t.Fatalf("expected one flow with one step, got %+v", flows)
	}
	if mainFlow != flows[0].FlowID {
		t.Errorf("expected mainFlow to reference the produced flow, got %s", mainFlow)
	}
	if flows[0].Steps[0].StepID != "a" || flows[0].Steps[0].Tool != "http" {
		t.Errorf("unexpected step: %+v", flows[0].Steps[0])
	}
}

func TestTransformStepsShape(t *testing.T) {
	automation := map[string]any{
		"steps": []any{
			map[string]any{"name": "validate", "step_type": "condition"},
		},
	}
	flows, mainFlow := Transform(automation)
	if len(flows) != 1 || flows[0].FlowID != "main" {
		t.Fatalf("expected a single 'main' flow, got %+v", flows)
	}
	if mainFlow != "main" {
		t.Errorf("expected mainFlow 'main', got %s", mainFlow)
	}
	if flows[0].Steps[0].StepID != "step-1" {
		t.Errorf("expected auto-assigned step id 'step-1', got %s", flows[0].Steps[0].StepID)
	}
}

func TestTransformPipelinesShape(t *testing.T) {
	automation := map[string]any{
		"pipelines": map[string]any{
			"b-pipeline": map[string]any{"stages": []any{map[string]any{"name": "s1"}}},
			"a-pipeline": map[string]any{"stages": []any{map[string]any{"name": "s2"}}},
		},
	}
	flows, mainFlow := Transform(automation)
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
	if flows[0].FlowID != "a-pipeline" {
		t.Errorf("expected pipelines to be ordered alphabetically, got first flow %s", flows[0].FlowID)
	}
	if mainFlow != "a-pipeline" {
		t.Errorf("expected mainFlow to be the first (alphabetical) pipeline, got %s", mainFlow)
	}
}

func TestTransformFallbackShape(t *testing.T) {
	automation := map[string]any{"anything": "goes here"}
	flows, mainFlow := Transform(automation)
	if len(flows) != 1 || len(flows[0].Steps) != 1 {
		t.Fatalf("expected a single default flow with one step, got %+v", flows)
	}
	if mainFlow != "main" {
		t.Errorf("expected mainFlow 'main', got %s", mainFlow)
	}
	if flows[0].Steps[0].Parameters["raw_automation"] == nil {
		t.Error("expected the raw automation to be carried in the default step's parameters")
	}
}

func TestParseStepDependsOnAndTimeout(t *testing.T) {
	automation := map[string]any{
		"steps": []any{
			map[string]any{"step_id": "a"},
			map[string]any{"step_id": "b", "depends_on": []any{"a"}, "timeout": float64(30), "iterations": float64(3)},
		},
	}
	flows, _ := Transform(automation)
	b := flows[0].Steps[1]
	if len(b.DependsOn) != 1 || b.DependsOn[0] != "a" {
		t.Errorf("expected depends_on [a], got %v", b.DependsOn)
	}
	if b.Timeout != 30 {
		t.Errorf("expected timeout 30, got %d", b.Timeout)
	}
	if b.Iterations != 3 {
		t.Errorf("expected iterations 3, got %d", b.Iterations)
	}
}
