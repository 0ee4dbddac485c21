package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const timeLayout = time.RFC3339Nano

// SQLStore is the durable replay_protection table backend. It is always
// available and is the store of record for cleanup accounting.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-migrated *sql.DB (see internal/store).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) CheckAndRecord(ctx context.Context, jti, tokenHash string, expiresAt time.Time, firstSeenIP string) (*Result, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("replay: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, insertErr := tx.ExecContext(ctx, `
		INSERT INTO replay_protection
			(jti, token_hash, expires_at, first_seen_ip, usage_count, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		jti, tokenHash, expiresAt.UTC().Format(timeLayout), firstSeenIP,
		now.Format(timeLayout), now.Format(timeLayout), now.Format(timeLayout),
	)
	if insertErr == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("replay: commit insert: %w", err)
		}
		return &Result{IsReplay: false, UsageCount: 1, FirstSeenAt: now, LastUsedAt: now}, nil
	}

	// jti already present: this is a replay. Increment atomically within
	// the same transaction so concurrent verifications of the same jti
	// serialize on the row.
	if _, err := tx.ExecContext(ctx, `
		UPDATE replay_protection
		SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE jti = ?`,
		now.Format(timeLayout), now.Format(timeLayout), jti,
	); err != nil {
		return nil, fmt.Errorf("replay: increment: %w", err)
	}

	var usageCount int
	var createdAtStr string
	if err := tx.QueryRowContext(ctx, `
		SELECT usage_count, created_at FROM replay_protection WHERE jti = ?`, jti,
	).Scan(&usageCount, &createdAtStr); err != nil {
		return nil, fmt.Errorf("replay: read after increment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("replay: commit increment: %w", err)
	}

	firstSeenAt, _ := time.Parse(timeLayout, createdAtStr)
	return &Result{IsReplay: true, UsageCount: usageCount, FirstSeenAt: firstSeenAt, LastUsedAt: now}, nil
}

func (s *SQLStore) Cleanup(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_protection WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("replay: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("replay: cleanup rows affected: %w", err)
	}
	return int(n), nil
}
