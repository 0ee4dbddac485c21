// Package plancompiler turns a capsule definition into a hash-stable
// ExecutablePlan through a fixed sequential pipeline: dependency
// resolution, flow transformation, security/resource extraction, plan
// construction, optimization, hashing, and validation. Grounded on
// original_source/services/plan-compiler/src/{models,compiler}.py, with
// the pipeline staging style and graph/scope-expansion patterns carried
// over from internal/assembler/assembler.go and
// internal/safety/blastradius/blastradius.go.
package plancompiler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/plancompiler/dependency"
	"github.com/anumate/capcore/internal/plancompiler/flow"
	"github.com/anumate/capcore/internal/plancompiler/optimize"
	"github.com/anumate/capcore/internal/plancompiler/planmodel"
	"github.com/anumate/capcore/internal/plancompiler/validate"
	"github.com/anumate/capcore/internal/telemetry"
)

// CompilerVersion is stamped into every compiled plan's metadata and
// participates in the hash-stability invariant: two compilations of the
// same capsule at the same compiler version and optimization level must
// hash identically.
const CompilerVersion = "1.0.0"

// Request configures one compilation.
type Request struct {
	TenantID          uuid.UUID
	CompiledBy        uuid.UUID
	OptimizationLevel string // none | basic | standard | aggressive; defaults to standard
	ValidationLevel   validate.Level
	AllowedTools      []string
	Variables         map[string]any
	Configuration     map[string]any
}

// CompilationResult is the outcome of Compile.
type CompilationResult struct {
	Success                bool
	Plan                   *planmodel.ExecutablePlan
	Errors                 []string
	Warnings               []string
	CompilationTime        time.Duration
	ResolvedDependencies   []planmodel.ResolvedDependency
	UnresolvedDependencies []string
	DependencyConflicts    []string
}

// Compiler runs capsules through the dependency/flow/optimize/validate
// pipeline of the design.
type Compiler struct {
	registry dependency.Registry
}

// New returns a Compiler resolving capsule dependencies against registry.
func New(registry dependency.Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile runs the full pipeline over capsule and returns the compiled,
// hash-stable, optimized, validated plan.
func (c *Compiler) Compile(ctx context.Context, capsule planmodel.Capsule, checksum string, req Request) (result *CompilationResult, err error) {
	ctx, span := telemetry.StartPlanCompileSpan(ctx, req.TenantID.String(), checksum)
	defer func() {
		stepCount := 0
		if result != nil && result.Plan != nil {
			stepCount = len(result.Plan.Flows)
		}
		telemetry.EndPlanCompileSpan(span, result != nil && result.Success, stepCount)
	}()

	start := time.Now()
	result = &CompilationResult{}

	optimizationLevel := req.OptimizationLevel
	if optimizationLevel == "" {
		optimizationLevel = optimize.LevelStandard
	}

	// Stage 1: dependency resolution.
	var resolvedDeps []planmodel.ResolvedDependency
	if len(capsule.Dependencies) > 0 && c.registry != nil {
		depResult, err := dependency.Resolve(ctx, capsule.Dependencies, c.registry)
		if err != nil {
			result.CompilationTime = time.Since(start)
			return result, fmt.Errorf("resolve dependencies: %w", err)
		}
		result.UnresolvedDependencies = depResult.Unresolved
		result.DependencyConflicts = depResult.Conflicts
		if !depResult.Success {
			result.Errors = append(result.Errors, "dependency resolution failed")
			result.CompilationTime = time.Since(start)
			return result, nil
		}
		for _, d := range depResult.Resolved {
			resolvedDeps = append(resolvedDeps, planmodel.ResolvedDependency{
				Name: d.Name, Version: d.Version, CapsuleID: d.CapsuleID, Optional: d.Optional, Checksum: d.Checksum,
			})
		}
		result.ResolvedDependencies = resolvedDeps
	}

	// Stage 2: flow transformation.
	flows, mainFlow := flow.Transform(capsule.Automation)

	// Stage 3 & 4: security/resource extraction.
	securityContext := extractSecurityContext(capsule)
	resourceReqs := extractResourceRequirements(capsule)

	// Stage 5 & 6: metadata + plan construction (hash computed below).
	metadata := planmodel.PlanMetadata{
		SourceCapsuleName:     capsule.Name,
		SourceCapsuleVersion:  capsule.Version,
		SourceCapsuleChecksum: checksum,
		CompiledAt:            time.Now(),
		CompiledBy:            req.CompiledBy,
		CompilerVersion:       CompilerVersion,
		ResolvedDependencies:  resolvedDeps,
		OptimizationLevel:     optimizationLevel,
		ValidationStatus:      "valid",
	}

	plan := &planmodel.ExecutablePlan{
		PlanID:               uuid.New(),
		TenantID:             req.TenantID,
		Name:                 capsule.Name,
		Version:              capsule.Version,
		Description:          capsule.Description,
		Flows:                flows,
		MainFlow:             mainFlow,
		ResourceRequirements: resourceReqs,
		SecurityContext:      securityContext,
		Metadata:             metadata,
		Configuration:        req.Configuration,
		Variables:            req.Variables,
	}

	// Stage 7: optimization.
	optimizedFlows, notes, err := optimize.Plan(plan.Flows, optimizationLevel)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.CompilationTime = time.Since(start)
		return result, nil
	}
	plan.Flows = optimizedFlows
	plan.Metadata.OptimizationNotes = notes

	hash, err := plan.CalculateHash()
	if err != nil {
		result.CompilationTime = time.Since(start)
		return result, fmt.Errorf("calculate plan hash: %w", err)
	}
	plan.PlanHash = hash

	// Stage 8: validation.
	validationLevel := req.ValidationLevel
	if validationLevel == "" {
		validationLevel = validate.LevelStandard
	}
	validation := validate.Validate(plan, validate.Options{Level: validationLevel, AllowedTools: req.AllowedTools})
	plan.Metadata.ValidationWarnings = validation.Warnings
	if !validation.Valid {
		plan.Metadata.ValidationStatus = "invalid"
		result.Errors = append(result.Errors, validation.Errors...)
		result.Warnings = append(result.Warnings, validation.Warnings...)
		result.CompilationTime = time.Since(start)
		return result, nil
	}

	result.Success = true
	result.Plan = plan
	result.Warnings = validation.Warnings
	result.CompilationTime = time.Since(start)
	return result, nil
}

func extractSecurityContext(capsule planmodel.Capsule) planmodel.SecurityContext {
	sc := planmodel.SecurityContext{
		AllowedTools: capsule.Tools,
		PolicyRefs:   capsule.Policies,
	}
	if caps, ok := capsule.Metadata["required_capabilities"].([]string); ok {
		sc.RequiredCapabilities = caps
	}
	if b, ok := capsule.Metadata["requires_approval"].(bool); ok {
		sc.RequiresApproval = b
	}
	if rules, ok := capsule.Metadata["approval_rules"].([]string); ok {
		sc.ApprovalRules = rules
	}
	if dc, ok := capsule.Metadata["data_classification"].(string); ok {
		sc.DataClassification = dc
	}
	if pii, ok := capsule.Metadata["pii_handling"].(string); ok {
		sc.PIIHandling = pii
	}
	return sc
}

func extractResourceRequirements(capsule planmodel.Capsule) planmodel.ResourceRequirement {
	rr := planmodel.ResourceRequirement{NetworkAccess: true}
	resources, ok := capsule.Metadata["resources"].(map[string]any)
	if !ok {
		return rr
	}
	if cpu, ok := resources["cpu"].(string); ok {
		rr.CPU = cpu
	}
	if mem, ok := resources["memory"].(string); ok {
		rr.Memory = mem
	}
	if storage, ok := resources["storage"].(string); ok {
		rr.Storage = storage
	}
	if runtime, ok := resources["runtime"].(string); ok {
		rr.Runtime = runtime
	}
	if caps, ok := resources["capabilities"].([]string); ok {
		rr.Capabilities = caps
	}
	return rr
}
