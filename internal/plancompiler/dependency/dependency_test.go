package dependency

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

type fakeRegistry struct {
	versions map[string][]CapsuleVersion
}

func (f *fakeRegistry) AvailableVersions(ctx context.Context, name string) ([]CapsuleVersion, error) {
	return f.versions[name], nil
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		want Spec
	}{
		{"foo@>=1.0.0", Spec{Name: "foo", VersionConstraint: ">=1.0.0"}},
		{"foo", Spec{Name: "foo", VersionConstraint: "*"}},
		{"foo@~1.2.0?optional", Spec{Name: "foo", VersionConstraint: "~1.2.0", Optional: true}},
	}
	for _, tt := range tests {
		got := ParseSpec(tt.in)
		if got != tt.want {
			t.Errorf("ParseSpec(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestResolveExactAndRange(t *testing.T) {
	id := uuid.New()
	registry := &fakeRegistry{versions: map[string][]CapsuleVersion{
		"payment-processor": {
			{Version: "1.0.0", CapsuleID: id},
			{Version: "1.1.0", CapsuleID: id},
			{Version: "2.0.0", CapsuleID: id},
		},
	}}

	result, err := Resolve(context.Background(), []string{"payment-processor@^1.0.0"}, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || len(result.Resolved) != 1 {
		t.Fatalf("expected successful resolution, got %+v", result)
	}
	if result.Resolved[0].Version != "1.1.0" {
		t.Errorf("expected ^1.0.0 to resolve to highest 1.x (1.1.0), got %s", result.Resolved[0].Version)
	}
}

func TestResolveTildeSameMinor(t *testing.T) {
	registry := &fakeRegistry{versions: map[string][]CapsuleVersion{
		"notification-sender": {
			{Version: "1.0.0"}, {Version: "1.0.1"}, {Version: "1.1.0"},
		},
	}}
	result, err := Resolve(context.Background(), []string{"notification-sender@~1.0.0"}, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Resolved[0].Version != "1.0.1" {
		t.Errorf("expected ~1.0.0 to stay within 1.0.x (1.0.1), got %s", result.Resolved[0].Version)
	}
}

func TestResolveUnresolvedWhenNoMatch(t *testing.T) {
	registry := &fakeRegistry{versions: map[string][]CapsuleVersion{
		"data-validator": {{Version: "1.0.0"}},
	}}
	result, err := Resolve(context.Background(), []string{"data-validator@>=2.0.0"}, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected resolution to fail")
	}
	if len(result.Unresolved) != 1 {
		t.Errorf("expected 1 unresolved dependency, got %v", result.Unresolved)
	}
}

func TestResolveOptionalMissingDoesNotFail(t *testing.T) {
	registry := &fakeRegistry{versions: map[string][]CapsuleVersion{}}
	result, err := Resolve(context.Background(), []string{"ghost@*?optional"}, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Errorf("expected optional missing dependency to still succeed, got %+v", result)
	}
}

func TestDetectConflicts(t *testing.T) {
	resolved := []Resolved{
		{Name: "foo", Version: "1.0.0"},
		{Name: "foo", Version: "2.0.0"},
	}
	conflicts := detectConflicts(resolved)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %v", conflicts)
	}
}
