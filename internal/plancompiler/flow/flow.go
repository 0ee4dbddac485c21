// Package flow transforms a capsule's raw "automation" definition into
// one or more ExecutionFlows, per the design step 2.
package flow

import (
	"fmt"
	"sort"

	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

// Transform converts automation into flows. Supported shapes:
//   - {"workflow": {"steps": [...]}}                -> one flow
//   - {"steps": [...]}                              -> one "main" flow
//   - {"pipelines": {name: {"stages": [...]}, ...}}  -> one flow per pipeline
//   - anything else                                  -> one flow with a
//     single default step carrying the raw automation as parameters
func Transform(automation map[string]any) ([]planmodel.ExecutionFlow, string) {
	if workflow, ok := automation["workflow"].(map[string]any); ok {
		if rawSteps, ok := workflow["steps"].([]any); ok {
			flow := buildFlow("main", "main", rawSteps)
			return []planmodel.ExecutionFlow{flow}, flow.FlowID
		}
	}

	if rawSteps, ok := automation["steps"].([]any); ok {
		flow := buildFlow("main", "main", rawSteps)
		return []planmodel.ExecutionFlow{flow}, flow.FlowID
	}

	if pipelines, ok := automation["pipelines"].(map[string]any); ok {
		names := make([]string, 0, len(pipelines))
		for name := range pipelines {
			names = append(names, name)
		}
		sort.Strings(names)

		var flows []planmodel.ExecutionFlow
		for _, name := range names {
			pipeline, _ := pipelines[name].(map[string]any)
			rawStages, _ := pipeline["stages"].([]any)
			flows = append(flows, buildFlow(name, name, rawStages))
		}
		mainFlow := ""
		if len(flows) > 0 {
			mainFlow = flows[0].FlowID
		}
		return flows, mainFlow
	}

	defaultFlow := planmodel.ExecutionFlow{
		FlowID:    "main",
		Name:      "main",
		OnFailure: "stop",
		Steps: []planmodel.ExecutionStep{
			{
				StepID:     "step-1",
				Name:       "default",
				StepType:   "action",
				Parameters: map[string]any{"raw_automation": automation},
			},
		},
	}
	return []planmodel.ExecutionFlow{defaultFlow}, defaultFlow.FlowID
}

func buildFlow(flowID, name string, rawSteps []any) planmodel.ExecutionFlow {
	steps := make([]planmodel.ExecutionStep, 0, len(rawSteps))
	for i, raw := range rawSteps {
		stepMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		steps = append(steps, parseStep(i, stepMap))
	}
	return planmodel.ExecutionFlow{
		FlowID:    flowID,
		Name:      name,
		Steps:     steps,
		OnFailure: "stop",
	}
}

func parseStep(index int, raw map[string]any) planmodel.ExecutionStep {
	step := planmodel.ExecutionStep{
		StepID:   stringOr(raw["step_id"], fmt.Sprintf("step-%d", index+1)),
		Name:     stringOr(raw["name"], fmt.Sprintf("step-%d", index+1)),
		StepType: stringOr(raw["step_type"], stringOr(raw["type"], "action")),
		Action:   stringOr(raw["action"], ""),
		Tool:     stringOr(raw["tool"], ""),
	}
	if params, ok := raw["parameters"].(map[string]any); ok {
		step.Parameters = params
	}
	if inputs, ok := raw["inputs"].(map[string]any); ok {
		step.Inputs = inputs
	}
	if deps, ok := raw["depends_on"].([]any); ok {
		step.DependsOn = toStringSlice(deps)
	}
	if timeout, ok := raw["timeout"].(float64); ok {
		step.Timeout = int(timeout)
	}
	if iterations, ok := raw["iterations"].(float64); ok {
		step.Iterations = int(iterations)
	}
	return step
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func toStringSlice(v []any) []string {
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
