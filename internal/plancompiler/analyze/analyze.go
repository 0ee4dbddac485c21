// Package analyze builds a DAG over a flow's steps and computes critical
// paths, parallelization opportunities, execution levels, and complexity
// metrics, per the design's dependency-analysis paragraph. Grounded on the
// graph/scope-expansion patterns of internal/safety/blastradius/blastradius.go,
// re-targeted at step dependency graphs instead of blast-radius scope
// expansion.
package analyze

import (
	"fmt"
	"sort"

	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

// exclusiveTools triggers a serialization edge between any two steps
// using the same tool, to reflect contention for a shared resource.
var exclusiveTools = map[string]struct{}{
	"database": {}, "file_system": {}, "network": {},
}

// durationCost is the per step_type/tool base duration (seconds) and
// cost ($) table from the design.
type durationCost struct {
	duration float64
	cost     float64
}

var baseTable = map[string]durationCost{
	"action/database": {2.5, 0.02},
	"action/http":      {10, 0.015},
	"action/compute":    {15, 0.05},
	"action/other":      {5, 0.01},
	"condition":         {1, 0.001},
	"parallel":          {10, 0.02},
	"transform":         {3, 0.005},
}

// EstimateStep returns (duration seconds, cost $) for a step per the base table.
func EstimateStep(step planmodel.ExecutionStep) (float64, float64) {
	switch step.StepType {
	case "loop":
		iterations := float64(step.Iterations)
		if iterations <= 0 {
			iterations = 1
		}
		return iterations * 5, iterations * 0.01
	case "condition":
		return baseTable["condition"].duration, baseTable["condition"].cost
	case "parallel":
		return baseTable["parallel"].duration, baseTable["parallel"].cost
	case "transform":
		return baseTable["transform"].duration, baseTable["transform"].cost
	case "action":
		key := "action/" + step.Tool
		if dc, ok := baseTable[key]; ok {
			return dc.duration, dc.cost
		}
		return baseTable["action/other"].duration, baseTable["action/other"].cost
	default:
		return baseTable["action/other"].duration, baseTable["action/other"].cost
	}
}

// edge is a directed edge with a contribution weight toward path length.
type edge struct {
	from, to string
	weight   float64
}

// Result is the output of analyzing one flow's step graph.
type Result struct {
	CriticalPath                 []string
	CriticalPathDuration         float64
	CriticalPathCost             float64
	ParallelizationOpportunities []ParallelGroup
	ExecutionLevels               [][]string
	NodeCount                     int
	EdgeCount                     int
	Density                       float64
	AverageDegree                 float64
	MaxDepth                      int
	Width                         int
	ParallelizationRatio          float64
}

// ParallelGroup is one topological generation with more than one node.
type ParallelGroup struct {
	StepIDs []string
	Speedup float64
}

// Analyze builds the dependency graph for a flow's steps and computes
// critical paths, parallelization opportunities, execution levels, and
// complexity metrics.
func Analyze(steps []planmodel.ExecutionStep) (*Result, error) {
	byID := map[string]planmodel.ExecutionStep{}
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
		order = append(order, s.StepID)
	}

	edges := buildEdges(steps)
	levels, err := topologicalLevels(order, edges)
	if err != nil {
		return nil, err
	}

	path, duration, cost := criticalPath(order, edges, byID)

	var groups []ParallelGroup
	for _, level := range levels {
		if len(level) <= 1 {
			continue
		}
		var durations []float64
		for _, id := range level {
			d, _ := EstimateStep(byID[id])
			durations = append(durations, d)
		}
		sum, max := 0.0, 0.0
		for _, d := range durations {
			sum += d
			if d > max {
				max = d
			}
		}
		speedup := 1.0
		if max > 0 {
			speedup = sum / max
		}
		groups = append(groups, ParallelGroup{StepIDs: level, Speedup: speedup})
	}

	nodeCount := len(order)
	edgeCount := len(edges)
	maxPossibleEdges := nodeCount * (nodeCount - 1)
	density := 0.0
	if maxPossibleEdges > 0 {
		density = float64(edgeCount) / float64(maxPossibleEdges)
	}
	avgDegree := 0.0
	if nodeCount > 0 {
		avgDegree = float64(2*edgeCount) / float64(nodeCount)
	}
	width := 0
	for _, level := range levels {
		if len(level) > width {
			width = len(level)
		}
	}
	parallelNodes := 0
	for _, level := range levels {
		if len(level) > 1 {
			parallelNodes += len(level)
		}
	}
	ratio := 0.0
	if nodeCount > 0 {
		ratio = float64(parallelNodes) / float64(nodeCount)
	}

	return &Result{
		CriticalPath:                  path,
		CriticalPathDuration:          duration,
		CriticalPathCost:              cost,
		ParallelizationOpportunities:  groups,
		ExecutionLevels:               levels,
		NodeCount:                     nodeCount,
		EdgeCount:                     edgeCount,
		Density:                       density,
		AverageDegree:                 avgDegree,
		MaxDepth:                      len(levels),
		Width:                         width,
		ParallelizationRatio:          ratio,
	}, nil
}

// buildEdges produces explicit depends_on edges, data-flow edges (weight
// 0.5) between steps whose outputs feed another step's inputs, and
// exclusive-tool serialization edges (weight 0.3) ordered by step id.
func buildEdges(steps []planmodel.ExecutionStep) []edge {
	var edges []edge

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			edges = append(edges, edge{from: dep, to: s.StepID, weight: 1.0})
		}
	}

	producers := map[string]string{} // output var name -> producing step id
	for _, s := range steps {
		for _, outVar := range s.Outputs {
			producers[outVar] = s.StepID
		}
	}
	for _, s := range steps {
		for _, inVar := range s.Inputs {
			if name, ok := inVar.(string); ok {
				if producer, ok := producers[name]; ok && producer != s.StepID {
					edges = append(edges, edge{from: producer, to: s.StepID, weight: 0.5})
				}
			}
		}
	}

	byTool := map[string][]string{}
	for _, s := range steps {
		if _, exclusive := exclusiveTools[s.Tool]; exclusive {
			byTool[s.Tool] = append(byTool[s.Tool], s.StepID)
		}
	}
	for _, ids := range byTool {
		sort.Strings(ids)
		for i := 1; i < len(ids); i++ {
			edges = append(edges, edge{from: ids[i-1], to: ids[i], weight: 0.3})
		}
	}

	return edges
}

func topologicalLevels(order []string, edges []edge) ([][]string, error) {
	inDegree := map[string]int{}
	adj := map[string][]string{}
	for _, id := range order {
		inDegree[id] = 0
	}
	for _, e := range edges {
		adj[e.from] = append(adj[e.from], e.to)
		inDegree[e.to]++
	}

	remaining := map[string]int{}
	for k, v := range inDegree {
		remaining[k] = v
	}

	var levels [][]string
	processed := 0
	frontier := []string{}
	for _, id := range order {
		if remaining[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		sort.Strings(frontier)
		levels = append(levels, frontier)
		processed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, to := range adj[id] {
				remaining[to]--
				if remaining[to] == 0 {
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	if processed != len(order) {
		return nil, fmt.Errorf("dependency cycle detected among steps")
	}
	return levels, nil
}

func criticalPath(order []string, edges []edge, byID map[string]planmodel.ExecutionStep) ([]string, float64, float64) {
	incoming := map[string][]edge{}
	for _, e := range edges {
		incoming[e.to] = append(incoming[e.to], e)
	}

	type best struct {
		duration float64
		cost     float64
		prev     string
		hasPrev  bool
	}
	bestOf := map[string]best{}

	levels, err := topologicalLevels(order, edges)
	if err != nil {
		return nil, 0, 0
	}

	for _, level := range levels {
		for _, id := range level {
			d, c := EstimateStep(byID[id])
			b := best{duration: d, cost: c}
			for _, e := range incoming[id] {
				if prior, ok := bestOf[e.from]; ok {
					candidate := prior.duration + e.weight + d
					if candidate > b.duration {
						b = best{duration: candidate, cost: prior.cost + c, prev: e.from, hasPrev: true}
					}
				}
			}
			bestOf[id] = b
		}
	}

	var endID string
	var endBest best
	for id, b := range bestOf {
		if b.duration > endBest.duration || endID == "" {
			endID, endBest = id, b
		}
	}
	if endID == "" {
		return nil, 0, 0
	}

	var path []string
	cursor, hasPrev := endID, true
	for hasPrev {
		path = append([]string{cursor}, path...)
		b := bestOf[cursor]
		cursor, hasPrev = b.prev, b.hasPrev
	}
	return path, endBest.duration, endBest.cost
}
