// Package optimize applies the design's four successive optimization
// levels (none/basic/standard/aggressive) to a compiled flow, grounded
// on original_source/services/plan-compiler/src/optimizer.py's staged
// _basic/_standard/_aggressive_optimization structure, re-expressed
// against internal/plancompiler/analyze's dependency analysis instead of
// a networkx DiGraph.
package optimize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/anumate/capcore/internal/plancompiler/analyze"
	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

const (
	LevelNone       = "none"
	LevelBasic      = "basic"
	LevelStandard   = "standard"
	LevelAggressive = "aggressive"
)

const (
	expensiveStepCostThreshold = 0.10
	bottleneckTimeoutSeconds   = 300
	maxAutoConcurrency         = 10
)

// Plan runs the requested optimization level (successive: higher levels
// include all lower-level transformations) over every flow in flows,
// returning the optimized flows and any human-readable notes to surface
// in PlanMetadata.OptimizationNotes.
func Plan(flows []planmodel.ExecutionFlow, level string) ([]planmodel.ExecutionFlow, []string, error) {
	var notes []string
	out := make([]planmodel.ExecutionFlow, len(flows))
	copy(out, flows)

	if level == LevelNone || level == "" {
		return out, notes, nil
	}

	for i := range out {
		out[i].Steps = dedupeSteps(out[i].Steps)
		out[i].Steps = mergeConsecutive(out[i].Steps)
	}
	notes = append(notes, "basic: deduplicated and merged consecutive same-tool steps")

	if level == LevelBasic {
		return out, notes, nil
	}

	for i := range out {
		result, err := analyze.Analyze(out[i].Steps)
		if err != nil {
			return nil, nil, fmt.Errorf("dependency analysis for flow %s: %w", out[i].FlowID, err)
		}

		if len(result.ParallelizationOpportunities) > 1 {
			out[i].ParallelExecution = true
			maxGroup := 0
			for _, g := range result.ParallelizationOpportunities {
				if len(g.StepIDs) > maxGroup {
					maxGroup = len(g.StepIDs)
				}
			}
			concurrency := maxGroup
			if concurrency > maxAutoConcurrency {
				concurrency = maxAutoConcurrency
			}
			out[i].MaxConcurrency = concurrency
		}

		for j := range out[i].Steps {
			_, cost := analyze.EstimateStep(out[i].Steps[j])
			if cost > expensiveStepCostThreshold && out[i].Steps[j].RetryPolicy == nil {
				out[i].Steps[j].RetryPolicy = &planmodel.RetryPolicy{MaxAttempts: 3, Backoff: "exponential"}
			}
		}
	}
	notes = append(notes, "standard: applied dependency analysis, parallelization, and expensive-step retry policies")

	if level == LevelStandard {
		return out, notes, nil
	}

	for i := range out {
		result, err := analyze.Analyze(out[i].Steps)
		if err != nil {
			return nil, nil, fmt.Errorf("dependency analysis for flow %s: %w", out[i].FlowID, err)
		}
		out[i].Steps = reorderByCriticalPath(out[i].Steps, result.CriticalPath)
		tagParallelGroups(out[i].Steps, result.ParallelizationOpportunities)
		widenBottleneckTimeouts(out[i].Steps, result.ParallelizationOpportunities)
	}
	notes = append(notes, "aggressive: reordered by critical path, tagged parallel groups, widened bottleneck timeouts")

	return out, notes, nil
}

func stepSignature(s planmodel.ExecutionStep) string {
	params, _ := json.Marshal(s.Parameters)
	sum := sha256.Sum256(params)
	return fmt.Sprintf("%s|%s|%s|%s", s.StepType, s.Action, s.Tool, hex.EncodeToString(sum[:8]))
}

func dedupeSteps(steps []planmodel.ExecutionStep) []planmodel.ExecutionStep {
	seen := map[string]bool{}
	var out []planmodel.ExecutionStep
	for _, s := range steps {
		sig := stepSignature(s)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, s)
	}
	return out
}

func mergeConsecutive(steps []planmodel.ExecutionStep) []planmodel.ExecutionStep {
	if len(steps) < 2 {
		return steps
	}

	dependedOn := map[string]bool{}
	for _, s := range steps {
		for _, d := range s.DependsOn {
			dependedOn[d] = true
		}
	}

	var out []planmodel.ExecutionStep
	i := 0
	for i < len(steps) {
		current := steps[i]
		if i+1 < len(steps) && canMerge(current, steps[i+1], dependedOn) {
			merged := mergeTwo(current, steps[i+1])
			out = append(out, merged)
			i += 2
			continue
		}
		out = append(out, current)
		i++
	}
	return out
}

func canMerge(a, b planmodel.ExecutionStep, dependedOn map[string]bool) bool {
	if a.Tool == "" || a.Tool != b.Tool {
		return false
	}
	if a.StepType != "action" || b.StepType != "action" {
		return false
	}
	if dependsOn(a, b.StepID) || dependsOn(b, a.StepID) {
		return false
	}
	if dependedOn[a.StepID] && dependedOn[b.StepID] {
		return false
	}
	if !retriesEqual(a.RetryPolicy, b.RetryPolicy) {
		return false
	}
	return true
}

func dependsOn(s planmodel.ExecutionStep, id string) bool {
	for _, d := range s.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

func retriesEqual(a, b *planmodel.RetryPolicy) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func mergeTwo(a, b planmodel.ExecutionStep) planmodel.ExecutionStep {
	merged := a
	merged.Name = a.Name + "+" + b.Name
	merged.DependsOn = append(append([]string{}, a.DependsOn...), b.DependsOn...)
	merged.Tags = append(append([]string{}, a.Tags...), b.Tags...)
	if merged.Metadata == nil {
		merged.Metadata = map[string]any{}
	}
	merged.Metadata["merged_from"] = []string{a.StepID, b.StepID}
	return merged
}

func reorderByCriticalPath(steps []planmodel.ExecutionStep, path []string) []planmodel.ExecutionStep {
	if len(path) == 0 {
		return steps
	}
	priority := map[string]int{}
	for i, id := range path {
		priority[id] = i
	}
	out := make([]planmodel.ExecutionStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool {
		pi, oki := priority[out[i].StepID]
		pj, okj := priority[out[j].StepID]
		if oki && okj {
			return pi < pj
		}
		return oki && !okj
	})
	return out
}

func tagParallelGroups(steps []planmodel.ExecutionStep, groups []analyze.ParallelGroup) {
	groupOf := map[string]int{}
	for i, g := range groups {
		for _, id := range g.StepIDs {
			groupOf[id] = i
		}
	}
	for i := range steps {
		if groupIdx, ok := groupOf[steps[i].StepID]; ok {
			steps[i].Tags = append(steps[i].Tags, fmt.Sprintf("parallel-group-%d", groupIdx))
		}
	}
}

func widenBottleneckTimeouts(steps []planmodel.ExecutionStep, groups []analyze.ParallelGroup) {
	bottleneck := map[string]bool{}
	for _, g := range groups {
		for _, id := range g.StepIDs {
			bottleneck[id] = true
		}
	}
	for i := range steps {
		if bottleneck[steps[i].StepID] && steps[i].Timeout < bottleneckTimeoutSeconds {
			steps[i].Timeout = bottleneckTimeoutSeconds
		}
	}
}
