package captoken

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const timeLayout = time.RFC3339Nano

// sqlStore persists CapabilityToken rows and token_audit_logs entries
// against the schema created by internal/store.Migrate, grounded on the
// teacher's internal/controlplane/api/token_store.go SQLite pattern.
type sqlStore struct {
	db *sql.DB
}

func newSQLStore(db *sql.DB) *sqlStore {
	return &sqlStore{db: db}
}

func (s *sqlStore) insert(ctx context.Context, t *Token) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_tokens
			(token_id, jti, tenant_id, subject, capabilities, issued_at, expires_at,
			 revoked_at, active, usage_count, token_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 1, 0, ?, ?, ?)`,
		t.TokenID, t.JTI, t.TenantID, t.Subject, strings.Join(t.Capabilities, ","),
		t.IssuedAt.UTC().Format(timeLayout), t.ExpiresAt.UTC().Format(timeLayout),
		t.TokenHash, now, now,
	)
	if err != nil {
		return fmt.Errorf("captoken: insert token: %w", err)
	}
	return nil
}

func (s *sqlStore) getByID(ctx context.Context, tokenID string) (*Token, error) {
	return s.scanOne(ctx, `SELECT token_id, jti, tenant_id, subject, capabilities, issued_at,
		expires_at, revoked_at, active, usage_count, token_hash
		FROM capability_tokens WHERE token_id = ?`, tokenID)
}

func (s *sqlStore) getByJTI(ctx context.Context, jti string) (*Token, error) {
	return s.scanOne(ctx, `SELECT token_id, jti, tenant_id, subject, capabilities, issued_at,
		expires_at, revoked_at, active, usage_count, token_hash
		FROM capability_tokens WHERE jti = ?`, jti)
}

func (s *sqlStore) scanOne(ctx context.Context, query string, arg string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var t Token
	var caps, issuedAt, expiresAt, tokenHash string
	var revokedAt sql.NullString
	var active int
	if err := row.Scan(&t.TokenID, &t.JTI, &t.TenantID, &t.Subject, &caps, &issuedAt,
		&expiresAt, &revokedAt, &active, &t.UsageCount, &tokenHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("captoken: scan token: %w", err)
	}
	t.Capabilities = strings.Split(caps, ",")
	t.IssuedAt, _ = time.Parse(timeLayout, issuedAt)
	t.ExpiresAt, _ = time.Parse(timeLayout, expiresAt)
	t.Active = active != 0
	t.TokenHash = tokenHash
	if revokedAt.Valid {
		rt, _ := time.Parse(timeLayout, revokedAt.String)
		t.RevokedAt = &rt
	}
	return &t, nil
}

func (s *sqlStore) revoke(ctx context.Context, tokenID string) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE capability_tokens SET active = 0, revoked_at = ?, updated_at = ?
		WHERE token_id = ? AND active = 1`, now, now, tokenID)
	if err != nil {
		return false, fmt.Errorf("captoken: revoke: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("captoken: revoke rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) incrementUsage(ctx context.Context, tokenID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE capability_tokens SET usage_count = usage_count + 1, updated_at = ?
		WHERE token_id = ?`, now, tokenID)
	if err != nil {
		return fmt.Errorf("captoken: increment usage: %w", err)
	}
	return nil
}

// deleteExpiredBatch deletes up to batchSize tokens whose expires_at is
// older than cutoff, cascading to the audit, usage and replay-protection
// rows that reference them. Violation rows carry no token id and are not
// deleted. It returns the number of token rows deleted.
func (s *sqlStore) deleteExpiredBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id FROM capability_tokens WHERE expires_at < ? LIMIT ?`,
		cutoff.UTC().Format(timeLayout), batchSize)
	if err != nil {
		return 0, fmt.Errorf("captoken: select expired batch: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("captoken: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("captoken: begin cleanup tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := "(" + strings.Join(placeholders, ",") + ")"

	for _, table := range []string{"token_audit_logs", "token_usage_tracking"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE token_id IN "+in, args...); err != nil {
			return 0, fmt.Errorf("captoken: cascade delete from %s: %w", table, err)
		}
	}
	jtiRows, err := tx.QueryContext(ctx, "SELECT jti FROM capability_tokens WHERE token_id IN "+in, args...)
	if err != nil {
		return 0, fmt.Errorf("captoken: select jtis for cascade: %w", err)
	}
	var jtis []string
	for jtiRows.Next() {
		var j string
		if err := jtiRows.Scan(&j); err != nil {
			jtiRows.Close()
			return 0, err
		}
		jtis = append(jtis, j)
	}
	jtiRows.Close()
	if len(jtis) > 0 {
		jPlaceholders := make([]string, len(jtis))
		jArgs := make([]any, len(jtis))
		for i, j := range jtis {
			jPlaceholders[i] = "?"
			jArgs[i] = j
		}
		jIn := "(" + strings.Join(jPlaceholders, ",") + ")"
		if _, err := tx.ExecContext(ctx, "DELETE FROM replay_protection WHERE jti IN "+jIn, jArgs...); err != nil {
			return 0, fmt.Errorf("captoken: cascade delete replay: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM capability_tokens WHERE token_id IN "+in, args...); err != nil {
		return 0, fmt.Errorf("captoken: delete tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("captoken: commit cleanup: %w", err)
	}
	return len(ids), nil
}

// writeAudit is best-effort: its own failures are logged by the caller and
// never fail the primary operation.
func (s *sqlStore) writeAudit(ctx context.Context, entry auditEntry) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_audit_logs
			(audit_id, tenant_id, token_id, operation, status, request_json,
			 response_json, error, duration_ms, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AuditID, entry.TenantID, entry.TokenID, entry.Operation, entry.Status,
		entry.RequestJSON, entry.ResponseJSON, entry.Error,
		entry.DurationMS, entry.CorrelationID, now, now,
	)
	if err != nil {
		return fmt.Errorf("captoken: write audit: %w", err)
	}
	return nil
}

type auditEntry struct {
	AuditID       string
	TenantID      string
	TokenID       string
	Operation     string // issue|verify|refresh|revoke|cleanup
	Status        string // success|failure|warning
	RequestJSON   string
	ResponseJSON  string
	Error         string
	DurationMS    int64
	CorrelationID string
}
