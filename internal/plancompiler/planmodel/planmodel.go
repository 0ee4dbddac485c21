// Package planmodel holds the shared plan domain types — the step,
// flow, resource, security, and metadata shapes every stage of the
// compiler pipeline reads or writes — plus the canonical-JSON hashing
// that gives a compiled plan its hash-stability invariant. Grounded on
// original_source/services/plan-compiler/src/models.py.
package planmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ExecutionStep is one step of a compiled flow.
type ExecutionStep struct {
	StepID      string            `json:"step_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	StepType    string            `json:"step_type"`
	Action      string            `json:"action,omitempty"`
	Tool        string            `json:"tool,omitempty"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Conditions  []string          `json:"conditions,omitempty"`
	RetryPolicy *RetryPolicy      `json:"retry_policy,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Tags        []string          `json:"tags,omitempty"`

	// Iterations is consulted only for step_type == "loop" duration/cost estimation.
	Iterations int `json:"iterations,omitempty"`
}

// RetryPolicy configures step retry behavior.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff"` // fixed | exponential | linear
}

// ExecutionFlow is a named sequence of steps.
type ExecutionFlow struct {
	FlowID            string          `json:"flow_id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Steps             []ExecutionStep `json:"steps"`
	ParallelExecution bool            `json:"parallel_execution"`
	MaxConcurrency    int             `json:"max_concurrency,omitempty"`
	OnFailure         string          `json:"on_failure"`
	RollbackSteps     []string        `json:"rollback_steps,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

// ResourceRequirement is the resource envelope for plan execution.
type ResourceRequirement struct {
	CPU              string   `json:"cpu,omitempty"`
	Memory           string   `json:"memory,omitempty"`
	Storage          string   `json:"storage,omitempty"`
	NetworkAccess    bool     `json:"network_access"`
	ExternalServices []string `json:"external_services,omitempty"`
	Runtime          string   `json:"runtime,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

// SecurityContext is the security envelope for plan execution.
type SecurityContext struct {
	AllowedTools         []string `json:"allowed_tools,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	PolicyRefs           []string `json:"policy_refs,omitempty"`
	RequiresApproval     bool     `json:"requires_approval"`
	ApprovalRules        []string `json:"approval_rules,omitempty"`
	DataClassification   string   `json:"data_classification,omitempty"`
	PIIHandling          string   `json:"pii_handling,omitempty"`
}

// PlanMetadata carries compilation provenance. Only SourceCapsuleChecksum,
// ResolvedDependencies and OptimizationLevel are canonical (hashed);
// everything else is informational.
type PlanMetadata struct {
	SourceCapsuleID       uuid.UUID `json:"source_capsule_id"`
	SourceCapsuleName     string    `json:"source_capsule_name"`
	SourceCapsuleVersion  string    `json:"source_capsule_version"`
	SourceCapsuleChecksum string    `json:"source_capsule_checksum"`

	CompiledAt      time.Time `json:"compiled_at"`
	CompiledBy      uuid.UUID `json:"compiled_by"`
	CompilerVersion string    `json:"compiler_version"`

	ResolvedDependencies []ResolvedDependency `json:"resolved_dependencies,omitempty"`
	DependencyTree       map[string]any       `json:"dependency_tree,omitempty"`

	OptimizationLevel string   `json:"optimization_level"`
	OptimizationNotes []string `json:"optimization_notes,omitempty"`

	ValidationStatus   string   `json:"validation_status"`
	ValidationWarnings []string `json:"validation_warnings,omitempty"`

	EstimatedDuration int     `json:"estimated_duration,omitempty"`
	EstimatedCost     float64 `json:"estimated_cost,omitempty"`

	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ResolvedDependency is one resolved capsule dependency.
type ResolvedDependency struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	CapsuleID uuid.UUID `json:"capsule_id"`
	Optional  bool      `json:"optional"`
	Checksum  string    `json:"checksum,omitempty"`
}

// ExecutablePlan is the compiled, hash-stable output of the pipeline.
type ExecutablePlan struct {
	PlanID   uuid.UUID `json:"plan_id"`
	PlanHash string    `json:"plan_hash"`
	TenantID uuid.UUID `json:"tenant_id"`

	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`

	Flows    []ExecutionFlow `json:"flows"`
	MainFlow string          `json:"main_flow"`

	ResourceRequirements ResourceRequirement `json:"resource_requirements"`
	SecurityContext      SecurityContext     `json:"security_context"`

	Metadata PlanMetadata `json:"metadata"`

	Configuration map[string]any `json:"configuration,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Capsule is the pipeline's input: an automation definition plus its
// tool/policy/dependency/resource declarations.
type Capsule struct {
	Name         string
	Version      string
	Description  string
	Automation   map[string]any
	Tools        []string
	Policies     []string
	Dependencies []string
	Metadata     map[string]any
}

// hashableContent mirrors ExecutablePlan._get_hashable_content: every
// field except plan_id and metadata, plus the three canonical metadata
// fields, serialized as canonical (sorted-key) JSON.
type hashableContent struct {
	TenantID             uuid.UUID           `json:"tenant_id"`
	Name                 string              `json:"name"`
	Version              string              `json:"version"`
	Description          string              `json:"description,omitempty"`
	Flows                []ExecutionFlow     `json:"flows"`
	MainFlow             string              `json:"main_flow"`
	ResourceRequirements ResourceRequirement `json:"resource_requirements"`
	SecurityContext      SecurityContext     `json:"security_context"`
	Configuration        map[string]any      `json:"configuration,omitempty"`
	Variables            map[string]any      `json:"variables,omitempty"`
	Metadata             canonicalMetadata   `json:"metadata"`
}

type canonicalMetadata struct {
	SourceCapsuleChecksum string               `json:"source_capsule_checksum"`
	ResolvedDependencies  []ResolvedDependency `json:"resolved_dependencies"`
	OptimizationLevel     string               `json:"optimization_level"`
}

// CalculateHash computes the plan's canonical SHA-256 hash. Two
// compilations of the same capsule with the same compiler version and
// optimization level must yield the same hash — plan_id and the bulk of
// metadata are excluded from the hashed content for exactly that reason.
func (p *ExecutablePlan) CalculateHash() (string, error) {
	content := hashableContent{
		TenantID: p.TenantID, Name: p.Name, Version: p.Version, Description: p.Description,
		Flows: p.Flows, MainFlow: p.MainFlow,
		ResourceRequirements: p.ResourceRequirements, SecurityContext: p.SecurityContext,
		Configuration: p.Configuration, Variables: p.Variables,
		Metadata: canonicalMetadata{
			SourceCapsuleChecksum: p.Metadata.SourceCapsuleChecksum,
			ResolvedDependencies:  p.Metadata.ResolvedDependencies,
			OptimizationLevel:     p.Metadata.OptimizationLevel,
		},
	}
	encoded, err := canonicalJSON(content)
	if err != nil {
		return "", fmt.Errorf("canonicalize plan content: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v with object keys sorted, matching Python's
// json.dumps(..., sort_keys=True) used for the reference hash.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, _ := json.Marshal(k)
			out = append(out, keyJSON...)
			out = append(out, ':')
			valJSON, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, valJSON...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}
