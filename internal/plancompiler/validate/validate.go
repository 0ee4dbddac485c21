// Package validate implements PlanValidator from the design: structural,
// DAG-cycle, tool-allowlist, timeout/retry, and resource-string checks
// over a compiled ExecutablePlan, raised to stricter requirements at the
// "strict" and "security-focused" levels. Grounded on
// original_source/services/plan-compiler/src/validator.py.
package validate

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

// Level is a validation strictness tier.
type Level string

const (
	LevelStandard        Level = "standard"
	LevelStrict          Level = "strict"
	LevelSecurityFocused Level = "security-focused"
)

// defaultAllowedTools is the tool allow set used unless the caller
// overrides it with an explicit list.
var defaultAllowedTools = map[string]struct{}{
	"http": {}, "api": {}, "database": {}, "sql": {}, "file": {}, "compute": {},
	"transform": {}, "notification": {}, "email": {}, "slack": {}, "webhook": {},
	"schedule": {}, "timer": {}, "validator": {}, "fraud_detector": {}, "payment_gateway": {},
}

var cpuPattern = regexp.MustCompile(`^\d+m?$`)
var memoryPattern = regexp.MustCompile(`^\d+(Mi|Gi|Ki)?$`)

var sensitiveTools = map[string]struct{}{
	"payment_gateway": {}, "database": {}, "sql": {},
}

// Result is the outcome of validating a plan.
type Result struct {
	Valid               bool
	Errors               []string
	Warnings             []string
	SecurityIssues       []string
	ResourceIssues       []string
	DependencyIssues     []string
	PerformanceWarnings  []string
}

// Options configures the validation run.
type Options struct {
	Level        Level
	AllowedTools []string // overrides defaultAllowedTools when non-empty
}

// Validate checks plan against the design's PlanValidator rules at the
// requested strictness level.
func Validate(plan *planmodel.ExecutablePlan, opts Options) Result {
	var r Result

	if plan.Name == "" {
		r.Errors = append(r.Errors, "plan name is required")
	}
	if plan.Version == "" {
		r.Errors = append(r.Errors, "plan version is required")
	} else if _, err := semver.NewVersion(plan.Version); err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("plan version %q is not valid semver", plan.Version))
	}

	mainFlowExists := false
	flowWithSteps := false
	for _, f := range plan.Flows {
		if f.FlowID == plan.MainFlow {
			mainFlowExists = true
		}
		if len(f.Steps) > 0 {
			flowWithSteps = true
		}
		validateFlow(f, opts, &r)
	}
	if !mainFlowExists {
		r.Errors = append(r.Errors, fmt.Sprintf("main flow %q does not exist", plan.MainFlow))
	}
	if !flowWithSteps {
		r.Errors = append(r.Errors, "plan must have at least one flow with at least one step")
	}

	validateSecurity(plan, opts, &r)

	r.Valid = len(r.Errors) == 0
	if opts.Level == LevelStrict || opts.Level == LevelSecurityFocused {
		r.Valid = r.Valid && len(r.SecurityIssues) == 0
	}
	return r
}

func validateFlow(f planmodel.ExecutionFlow, opts Options, r *Result) {
	allowed := defaultAllowedTools
	if len(opts.AllowedTools) > 0 {
		allowed = map[string]struct{}{}
		for _, t := range opts.AllowedTools {
			allowed[t] = struct{}{}
		}
	}

	ids := map[string]bool{}
	for _, s := range f.Steps {
		if ids[s.StepID] {
			r.Errors = append(r.Errors, fmt.Sprintf("duplicate step id %q in flow %q", s.StepID, f.FlowID))
		}
		ids[s.StepID] = true
	}

	for _, s := range f.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				r.Errors = append(r.Errors, fmt.Sprintf("step %q depends on unknown step %q in flow %q", s.StepID, dep, f.FlowID))
			}
		}

		if s.Tool != "" {
			if _, ok := allowed[s.Tool]; !ok {
				r.SecurityIssues = append(r.SecurityIssues, fmt.Sprintf("step %q uses disallowed tool %q", s.StepID, s.Tool))
			}
		}

		if s.Timeout < 0 {
			r.Errors = append(r.Errors, fmt.Sprintf("step %q has a negative timeout", s.StepID))
		}
		if s.RetryPolicy != nil {
			if s.RetryPolicy.MaxAttempts <= 0 {
				r.Errors = append(r.Errors, fmt.Sprintf("step %q retry policy must have max_attempts > 0", s.StepID))
			}
			switch s.RetryPolicy.Backoff {
			case "fixed", "exponential", "linear":
			default:
				r.Errors = append(r.Errors, fmt.Sprintf("step %q retry policy has unknown backoff %q", s.StepID, s.RetryPolicy.Backoff))
			}
		}

		if opts.Level == LevelSecurityFocused {
			if _, sensitive := sensitiveTools[s.Tool]; sensitive {
				r.SecurityIssues = append(r.SecurityIssues, fmt.Sprintf("step %q uses sensitive tool %q and should require approval", s.StepID, s.Tool))
			}
		}
	}

	if hasCycle(f.Steps) {
		r.Errors = append(r.Errors, fmt.Sprintf("flow %q contains a dependency cycle", f.FlowID))
	}
}

func validateSecurity(plan *planmodel.ExecutablePlan, opts Options, r *Result) {
	if plan.ResourceRequirements.CPU != "" && !cpuPattern.MatchString(plan.ResourceRequirements.CPU) {
		r.ResourceIssues = append(r.ResourceIssues, fmt.Sprintf("invalid cpu requirement %q", plan.ResourceRequirements.CPU))
	}
	if plan.ResourceRequirements.Memory != "" && !memoryPattern.MatchString(plan.ResourceRequirements.Memory) {
		r.ResourceIssues = append(r.ResourceIssues, fmt.Sprintf("invalid memory requirement %q", plan.ResourceRequirements.Memory))
	}

	allowedTools := map[string]struct{}{}
	for _, t := range plan.SecurityContext.AllowedTools {
		allowedTools[t] = struct{}{}
	}
	if len(allowedTools) > 0 {
		for _, f := range plan.Flows {
			for _, s := range f.Steps {
				if s.Tool == "" {
					continue
				}
				if _, ok := allowedTools[s.Tool]; !ok {
					r.SecurityIssues = append(r.SecurityIssues, fmt.Sprintf("step %q tool %q not in plan's allowed_tools", s.StepID, s.Tool))
				}
			}
		}
	}

	if opts.Level == LevelStrict || opts.Level == LevelSecurityFocused {
		if len(plan.SecurityContext.AllowedTools) == 0 {
			r.SecurityIssues = append(r.SecurityIssues, "strict validation requires an explicit allowed_tools list")
		}
		if len(plan.SecurityContext.RequiredCapabilities) == 0 {
			r.SecurityIssues = append(r.SecurityIssues, "strict validation requires explicit required_capabilities")
		}
	}
	if opts.Level == LevelSecurityFocused && !plan.SecurityContext.RequiresApproval {
		for _, f := range plan.Flows {
			for _, s := range f.Steps {
				if _, sensitive := sensitiveTools[s.Tool]; sensitive {
					r.SecurityIssues = append(r.SecurityIssues, "security-focused validation requires approval when sensitive tools are used")
					return
				}
			}
		}
	}
}

func hasCycle(steps []planmodel.ExecutionStep) bool {
	adj := map[string][]string{}
	for _, s := range steps {
		adj[s.StepID] = append(adj[s.StepID], s.DependsOn...)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range adj[id] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, s := range steps {
		if color[s.StepID] == white {
			if visit(s.StepID) {
				return true
			}
		}
	}
	return false
}
