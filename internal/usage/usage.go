// Package usage records per-action TokenUsageTracking rows (the design) and
// computes the aggregates behind /v1/capabilities/usage/stats (the design).
// Grounded on the reference implementation's internal/controlplane/audit append-only log
// pattern, generalized to a SQL-backed, tenant-scoped table.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/shared/security"
)

// Record is a TokenUsageTracking row.
type Record struct {
	UsageID          string
	TenantID         string
	TokenID          string
	ActionPerformed  string
	CapabilitiesUsed []string
	Success          bool
	ResponseTimeMS   int64
	Context          map[string]any
	CreatedAt        time.Time
}

// Store persists and aggregates usage records.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record writes one usage row.
func (s *Store) Record(ctx context.Context, r Record) (string, error) {
	if r.UsageID == "" {
		r.UsageID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	capsJSON, _ := json.Marshal(r.CapabilitiesUsed)
	ctxJSON, err := json.Marshal(security.SanitizeContext(r.Context))
	if err != nil {
		return "", fmt.Errorf("usage: marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO token_usage_tracking
			(usage_id, tenant_id, token_id, action_performed, capabilities_used,
			 success, response_time_ms, context_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UsageID, r.TenantID, r.TokenID, r.ActionPerformed, string(capsJSON),
		boolToInt(r.Success), r.ResponseTimeMS, string(ctxJSON), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("usage: record: %w", err)
	}
	return r.UsageID, nil
}

// List returns a tenant's usage records within the last `hours`, newest
// first. hours<=0 means no time filter.
func (s *Store) List(ctx context.Context, tenant string, hours int) ([]Record, error) {
	query := `SELECT usage_id, tenant_id, token_id, action_performed, capabilities_used,
		success, response_time_ms, context_json, created_at
		FROM token_usage_tracking WHERE tenant_id = ?`
	args := []any{tenant}
	if hours > 0 {
		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339Nano)
		query += " AND created_at >= ?"
		args = append(args, since)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var capsJSON, createdAt string
		var ctxJSON sql.NullString
		var success int
		if err := rows.Scan(&r.UsageID, &r.TenantID, &r.TokenID, &r.ActionPerformed, &capsJSON,
			&success, &r.ResponseTimeMS, &ctxJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("usage: scan: %w", err)
		}
		r.Success = success != 0
		_ = json.Unmarshal([]byte(capsJSON), &r.CapabilitiesUsed)
		if ctxJSON.Valid {
			_ = json.Unmarshal([]byte(ctxJSON.String), &r.Context)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, nil
}

// Stats is the usage/stats aggregate.
type Stats struct {
	Total             int            `json:"total"`
	Successful        int            `json:"successful"`
	Failed            int            `json:"failed"`
	AvgResponseTimeMS float64        `json:"avg_response_time_ms"`
	ByAction          map[string]int `json:"by_action"`
}

// Stats computes usage aggregates for a tenant over the last `hours`.
func (s *Store) Stats(ctx context.Context, tenant string, hours int) (*Stats, error) {
	records, err := s.List(ctx, tenant, hours)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByAction: map[string]int{}}
	var totalMS int64
	for _, r := range records {
		stats.Total++
		if r.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}
		stats.ByAction[r.ActionPerformed]++
		totalMS += r.ResponseTimeMS
	}
	if stats.Total > 0 {
		stats.AvgResponseTimeMS = float64(totalMS) / float64(stats.Total)
	}
	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
