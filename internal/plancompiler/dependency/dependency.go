// Package dependency resolves capsule dependency specs ("name@constraint
// [?optional]") against a capsule registry using semver constraint
// matching, grounded on
// original_source/services/plan-compiler/src/dependency_resolver.py.
package dependency

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Spec is a parsed dependency specification.
type Spec struct {
	Name              string
	VersionConstraint string
	Optional          bool
}

// ParseSpec parses "name@constraint" or "name@constraint?optional"
// ("*" is the implicit constraint when "@constraint" is omitted).
func ParseSpec(depString string) Spec {
	optional := strings.HasSuffix(depString, "?optional")
	if optional {
		depString = strings.TrimSuffix(depString, "?optional")
	}

	name, constraint, found := strings.Cut(depString, "@")
	if !found {
		constraint = "*"
	}

	return Spec{
		Name:              strings.TrimSpace(name),
		VersionConstraint: strings.TrimSpace(constraint),
		Optional:          optional,
	}
}

// CapsuleVersion is one version of a named capsule available in the registry.
type CapsuleVersion struct {
	Version   string
	CapsuleID uuid.UUID
	Checksum  string
}

// Registry looks up available versions of a named capsule.
type Registry interface {
	AvailableVersions(ctx context.Context, name string) ([]CapsuleVersion, error)
}

// Resolved is one successfully resolved dependency.
type Resolved struct {
	Name      string
	Version   string
	CapsuleID uuid.UUID
	Optional  bool
	Checksum  string
}

// Result is the outcome of resolving a capsule's full dependency list.
type Result struct {
	Success      bool
	Resolved     []Resolved
	Unresolved   []string
	Conflicts    []string
}

// Resolve resolves every dependency string against registry, matching
// the design step 1: fails with an unresolved entry when a non-optional
// spec has no matching version, and records a conflict when two specs
// resolve the same capsule name to different versions.
func Resolve(ctx context.Context, deps []string, registry Registry) (*Result, error) {
	var resolved []Resolved
	var unresolved []string

	for _, depString := range deps {
		spec := ParseSpec(depString)

		versions, err := registry.AvailableVersions(ctx, spec.Name)
		if err != nil {
			return nil, fmt.Errorf("list versions for %s: %w", spec.Name, err)
		}
		if len(versions) == 0 {
			if !spec.Optional {
				unresolved = append(unresolved, fmt.Sprintf("%s@%s", spec.Name, spec.VersionConstraint))
			}
			continue
		}

		best, err := bestMatch(spec.VersionConstraint, versions)
		if err != nil || best == nil {
			if !spec.Optional {
				unresolved = append(unresolved, fmt.Sprintf("%s@%s", spec.Name, spec.VersionConstraint))
			}
			continue
		}

		resolved = append(resolved, Resolved{
			Name: spec.Name, Version: best.Version, CapsuleID: best.CapsuleID,
			Optional: spec.Optional, Checksum: best.Checksum,
		})
	}

	conflicts := detectConflicts(resolved)

	return &Result{
		Success:    len(unresolved) == 0 && len(conflicts) == 0,
		Resolved:   resolved,
		Unresolved: unresolved,
		Conflicts:  conflicts,
	}, nil
}

// bestMatch returns the highest available version satisfying constraint.
// "*" matches anything; otherwise the leading operator (=, >, >=, <, <=,
// ~, ^) is parsed and every candidate version is checked against it.
// ~ means same-minor-and->=; ^ means same-major-and->=, matching the design.
func bestMatch(constraint string, versions []CapsuleVersion) (*CapsuleVersion, error) {
	if constraint == "*" || constraint == "" {
		return highest(versions)
	}

	op, targetStr := splitOperator(constraint)
	target, err := semver.NewVersion(targetStr)
	if err != nil {
		return nil, fmt.Errorf("invalid constraint version %q: %w", targetStr, err)
	}

	var matches []CapsuleVersion
	for _, v := range versions {
		candidate, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		if versionMatches(candidate, op, target) {
			matches = append(matches, v)
		}
	}
	return highest(matches)
}

func splitOperator(constraint string) (op, version string) {
	for _, candidate := range []string{">=", "<=", ">", "<", "~", "^", "="} {
		if strings.HasPrefix(constraint, candidate) {
			return candidate, strings.TrimSpace(strings.TrimPrefix(constraint, candidate))
		}
	}
	return "=", constraint
}

func versionMatches(version *semver.Version, op string, target *semver.Version) bool {
	switch op {
	case "=", "":
		return version.Equal(target)
	case ">":
		return version.GreaterThan(target)
	case ">=":
		return version.GreaterThan(target) || version.Equal(target)
	case "<":
		return version.LessThan(target)
	case "<=":
		return version.LessThan(target) || version.Equal(target)
	case "~":
		return version.Major() == target.Major() && version.Minor() == target.Minor() &&
			(version.GreaterThan(target) || version.Equal(target))
	case "^":
		return version.Major() == target.Major() && (version.GreaterThan(target) || version.Equal(target))
	default:
		return false
	}
}

func highest(versions []CapsuleVersion) (*CapsuleVersion, error) {
	if len(versions) == 0 {
		return nil, nil
	}
	best := versions[0]
	bestSemver, err := semver.NewVersion(best.Version)
	if err != nil {
		return nil, err
	}
	for _, v := range versions[1:] {
		candidate, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		if candidate.GreaterThan(bestSemver) {
			best = v
			bestSemver = candidate
		}
	}
	return &best, nil
}

func detectConflicts(resolved []Resolved) []string {
	var conflicts []string
	seen := map[string]string{}
	for _, dep := range resolved {
		if existing, ok := seen[dep.Name]; ok {
			if existing != dep.Version {
				conflicts = append(conflicts, fmt.Sprintf("version conflict for %s: %s vs %s", dep.Name, existing, dep.Version))
			}
		} else {
			seen[dep.Name] = dep.Version
		}
	}
	return conflicts
}
