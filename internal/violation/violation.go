// Package violation persists CapabilityViolation rows and derives
// statistics (the design's violation types). Grounded on the reference implementation's
// internal/controlplane/audit append-only log pattern, generalized to a
// SQL-backed, tenant-scoped, immutable-once-written table.
package violation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/shared/security"
)

// Type enumerates violation_type values referenced throughout the design.
type Type string

const (
	TypeInvalidToken      Type = "INVALID_TOKEN"
	TypeExpiredToken      Type = "EXPIRED_TOKEN"
	TypeMalformedRequest  Type = "MALFORMED_REQUEST"
	TypeInsufficientCap   Type = "INSUFFICIENT_CAPABILITY"
	TypeToolBlocked       Type = "TOOL_BLOCKED"
	TypeReplayAttack      Type = "REPLAY_ATTACK"
	TypeRateLimitExceeded Type = "RATE_LIMIT_EXCEEDED"
)

// Severity bands, derived from Type per the design.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor implements the design's violation-severity derivation table.
func SeverityFor(t Type) Severity {
	switch t {
	case TypeReplayAttack, TypeMalformedRequest:
		return SeverityCritical
	case TypeInvalidToken, TypeRateLimitExceeded:
		return SeverityHigh
	case TypeInsufficientCap, TypeToolBlocked:
		return SeverityMedium
	case TypeExpiredToken:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Violation is a CapabilityViolation row (the design). Immutable once written.
type Violation struct {
	ViolationID          string
	TenantID             string
	ViolationType        Type
	AttemptedAction      string
	RequiredCapability   string
	ProvidedCapabilities []string
	Endpoint             string
	Method               string
	IP                   string
	Agent                string
	Subject              string
	Severity             Severity
	Context              map[string]any
	CreatedAt            time.Time
}

// Store persists and queries violations.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record writes an immutable violation row. Severity is derived from Type
// when the caller leaves it empty.
func (s *Store) Record(ctx context.Context, v Violation) (string, error) {
	if v.ViolationID == "" {
		v.ViolationID = uuid.NewString()
	}
	if v.Severity == "" {
		v.Severity = SeverityFor(v.ViolationType)
	}
	now := time.Now().UTC()
	ctxJSON, err := json.Marshal(security.SanitizeContext(v.Context))
	if err != nil {
		return "", fmt.Errorf("violation: marshal context: %w", err)
	}
	providedJSON, _ := json.Marshal(v.ProvidedCapabilities)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capability_violations
			(violation_id, tenant_id, violation_type, attempted_action, required_capability,
			 provided_capabilities, endpoint, method, ip, agent, subject, severity,
			 context_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ViolationID, v.TenantID, string(v.ViolationType), v.AttemptedAction, v.RequiredCapability,
		string(providedJSON), v.Endpoint, v.Method, v.IP, v.Agent, v.Subject, string(v.Severity),
		string(ctxJSON), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("violation: record: %w", err)
	}
	return v.ViolationID, nil
}

// List returns violations for a tenant created within the last `hours`,
// newest first. hours<=0 means no time filter.
func (s *Store) List(ctx context.Context, tenant string, hours int) ([]Violation, error) {
	since := ""
	if hours > 0 {
		since = time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339Nano)
	}
	query := `SELECT violation_id, tenant_id, violation_type, attempted_action, required_capability,
		provided_capabilities, endpoint, method, ip, agent, subject, severity, context_json, created_at
		FROM capability_violations WHERE tenant_id = ?`
	args := []any{tenant}
	if since != "" {
		query += " AND created_at >= ?"
		args = append(args, since)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("violation: list: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var violationType, severity, createdAt, providedJSON string
		var attemptedAction, requiredCap, endpoint, method, ip, agent, subject, ctxJSON sql.NullString
		if err := rows.Scan(&v.ViolationID, &v.TenantID, &violationType, &attemptedAction, &requiredCap,
			&providedJSON, &endpoint, &method, &ip, &agent, &subject, &severity, &ctxJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("violation: scan: %w", err)
		}
		v.ViolationType = Type(violationType)
		v.Severity = Severity(severity)
		v.AttemptedAction = attemptedAction.String
		v.RequiredCapability = requiredCap.String
		v.Endpoint = endpoint.String
		v.Method = method.String
		v.IP = ip.String
		v.Agent = agent.String
		v.Subject = subject.String
		_ = json.Unmarshal([]byte(providedJSON), &v.ProvidedCapabilities)
		if ctxJSON.Valid {
			_ = json.Unmarshal([]byte(ctxJSON.String), &v.Context)
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, v)
	}
	return out, nil
}

// Stats is the violations/stats aggregate.
type Stats struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
}

// Stats computes violation aggregates for a tenant over the last `hours`.
func (s *Store) Stats(ctx context.Context, tenant string, hours int) (*Stats, error) {
	violations, err := s.List(ctx, tenant, hours)
	if err != nil {
		return nil, err
	}
	stats := &Stats{BySeverity: map[string]int{}, ByType: map[string]int{}}
	for _, v := range violations {
		stats.Total++
		stats.BySeverity[string(v.Severity)]++
		stats.ByType[string(v.ViolationType)]++
	}
	return stats, nil
}
