// Package policy manages reusable tool allow-list rule templates used to
// bootstrap a new tenant's capcheck.Rule set. Grounded on the reference implementation's
// fleet-wide policy template store (same in-memory-plus-SQLite Store
// shape, same built-in starter set), generalized from probe capability
// levels to tenant tool allow-list tiers and from protocol.PolicyUpdatePayload
// to capcheck.Rule rows.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/anumate/capcore/internal/capcheck"
)

// Tier is a coarse starting point for a tenant's tool allow-list.
type Tier string

const (
	// TierObserveOnly allows only read/inspection tools.
	TierObserveOnly Tier = "observe_only"
	// TierDiagnose additionally allows read-only diagnostic tooling.
	TierDiagnose Tier = "diagnose"
	// TierFullRemediate allows mutating tools, typically paired with an
	// approval gate in the compiled plan.
	TierFullRemediate Tier = "full_remediate"
)

// Template defines a named, reusable tool allow-list configuration.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tier        Tier      `json:"tier"`
	Allowed     []string  `json:"allowed,omitempty"`
	Blocked     []string  `json:"blocked,omitempty"`
	Paths       []string  `json:"paths,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PolicyManager is the interface used by handlers for policy CRUD.
type PolicyManager interface {
	List() []*Template
	Get(id string) (*Template, bool)
	Create(name, description string, tier Tier, allowed, blocked, paths []string) *Template
	Update(id string, name, description string, tier Tier, allowed, blocked, paths []string) (*Template, error)
	Delete(id string) error
}

// Store manages policy templates.
type Store struct {
	templates map[string]*Template // keyed by ID
	mu        sync.RWMutex
	nextID    int
}

// NewStore creates a policy template store with built-in defaults.
func NewStore() *Store {
	s := &Store{
		templates: make(map[string]*Template),
		nextID:    100,
	}
	// Built-in templates
	now := time.Now().UTC()
	s.templates["observe-only"] = &Template{
		ID:          "observe-only",
		Name:        "Observe Only",
		Description: "Read-only tools. No capability token issued under this tier may mutate tenant state.",
		Tier:        TierObserveOnly,
		Allowed:     []string{"*.get", "*.list", "*.describe", "*.status"},
		Blocked:     []string{"*.delete", "*.update", "*.create", "*_mcp_*"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.templates["diagnose"] = &Template{
		ID:          "diagnose",
		Name:        "Diagnose",
		Description: "Read access plus diagnostic tools. Still excludes payment and refund MCP engines.",
		Tier:        TierDiagnose,
		Allowed:     []string{"*.get", "*.list", "*.describe", "*.status", "*.trace", "*.logs"},
		Blocked:     []string{"*.delete", "razorpay_mcp_payment_link", "razorpay_mcp_refund"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.templates["full-remediate"] = &Template{
		ID:          "full-remediate",
		Name:        "Full Remediate",
		Description: "Full mutating access including the Razorpay MCP engine. Pair with require_approval in the compiled plan.",
		Tier:        TierFullRemediate,
		Allowed:     []string{"*"},
		Blocked:     []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s
}

// List returns all templates.
func (s *Store) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

// Get returns a template by ID.
func (s *Store) Get(id string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	return t, ok
}

// Create adds a new template.
func (s *Store) Create(name, description string, tier Tier, allowed, blocked, paths []string) *Template {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := fmt.Sprintf("pol-%d", s.nextID)
	now := time.Now().UTC()
	t := &Template{
		ID:          id,
		Name:        name,
		Description: description,
		Tier:        tier,
		Allowed:     allowed,
		Blocked:     blocked,
		Paths:       paths,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.templates[id] = t
	return t
}

// Update modifies an existing template.
func (s *Store) Update(id string, name, description string, tier Tier, allowed, blocked, paths []string) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", id)
	}
	t.Name = name
	t.Description = description
	t.Tier = tier
	t.Allowed = allowed
	t.Blocked = blocked
	t.Paths = paths
	t.UpdatedAt = time.Now().UTC()
	return t, nil
}

// Delete removes a template.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("template not found: %s", id)
	}
	delete(s.templates, id)
	return nil
}

// ToRules expands a template into the capcheck.Rule rows that bootstrap a
// tenant's tool allow-list: one allow rule per allowed pattern at a low
// priority, one deny rule per blocked pattern at a higher priority so it
// overrides a broader allow (capcheck walks rules ascending by priority
// and lets a later deny override an earlier allow).
func (t *Template) ToRules(tenantID string) []capcheck.Rule {
	rules := make([]capcheck.Rule, 0, len(t.Allowed)+len(t.Blocked))
	for i, pattern := range t.Allowed {
		rules = append(rules, capcheck.Rule{
			RuleID:      fmt.Sprintf("%s-allow-%d", t.ID, i),
			TenantID:    tenantID,
			ToolPattern: pattern,
			RuleType:    "allow",
			PatternType: "glob",
			Priority:    100 + i,
			IsActive:    true,
			Description: fmt.Sprintf("from template %q", t.Name),
		})
	}
	for i, pattern := range t.Blocked {
		rules = append(rules, capcheck.Rule{
			RuleID:      fmt.Sprintf("%s-deny-%d", t.ID, i),
			TenantID:    tenantID,
			ToolPattern: pattern,
			RuleType:    "deny",
			PatternType: "glob",
			Priority:    900 + i,
			IsActive:    true,
			Description: fmt.Sprintf("from template %q", t.Name),
		})
	}
	return rules
}
