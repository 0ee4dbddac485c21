package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const timeLayout = time.RFC3339Nano

// Store provides query/export/retention access to token_audit_logs,
// refreshing an in-memory cache of recent rows for fast reads. It shares
// the *sql.DB that captoken.Service writes through — it never opens its
// own database connection.
type Store struct {
	db          *sql.DB
	log         *Log
	memoryLimit int
	mu          sync.Mutex
}

// NewStore wraps an already-migrated *sql.DB and loads the memoryLimit most
// recent audit entries into its cache.
func NewStore(db *sql.DB, memoryLimit int) (*Store, error) {
	if memoryLimit <= 0 {
		memoryLimit = 1000
	}
	s := &Store{db: db, log: NewLog(memoryLimit), memoryLimit: memoryLimit}
	if err := s.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh reloads the in-memory cache from the persisted table. Call this
// periodically (PurgeLoop does, once per interval) since Store never
// observes writes captoken.Service makes directly against the database.
func (s *Store) Refresh(ctx context.Context) error {
	events, err := s.QueryPersisted(ctx, Filter{Limit: s.memoryLimit})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := NewLog(s.memoryLimit)
	// events arrive newest-first; load oldest-first so the ring buffer
	// keeps chronological order.
	ordered := make([]Event, len(events))
	for i, e := range events {
		ordered[len(events)-1-i] = e
	}
	fresh.reset(ordered, s.memoryLimit)
	s.log = fresh
	return nil
}

// Recent returns the N most recently cached events (fast path, no query).
func (s *Store) Recent(n int) []Event {
	s.mu.Lock()
	l := s.log
	s.mu.Unlock()
	return l.Recent(n)
}

// Count returns the total persisted row count for a tenant (all tenants if
// tenantID is empty).
func (s *Store) Count(ctx context.Context, tenantID string) (int, error) {
	query := "SELECT COUNT(*) FROM token_audit_logs"
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return count, nil
}

// QueryPersisted searches token_audit_logs directly, newest first.
func (s *Store) QueryPersisted(ctx context.Context, f Filter) ([]Event, error) {
	query, args, err := s.buildQuery(f, true, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// StreamJSONL streams matching events as newline-delimited JSON.
func (s *Store) StreamJSONL(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(f, true, false)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("audit: stream jsonl: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamCSV streams matching events as CSV.
func (s *Store) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(f, true, false)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("audit: stream csv: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"audit_id", "timestamp", "tenant_id", "token_id", "operation", "status", "duration_ms"}); err != nil {
		return err
	}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := cw.Write([]string{
			evt.AuditID, evt.Timestamp.Format(timeLayout), evt.TenantID, evt.TokenID,
			string(evt.Operation), evt.Status, fmt.Sprintf("%d", evt.DurationMS),
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Purge deletes persisted events older than now - olderThan and returns the
// deleted row count.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("audit: olderThan must be >= 0")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM token_audit_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	return res.RowsAffected()
}

// PurgeLoop runs an "@every interval" cron schedule that purges rows past
// retention and refreshes the in-memory cache, until ctx is canceled.
func (s *Store) PurgeLoop(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		_, _ = s.Purge(ctx, retention)
		_ = s.Refresh(ctx)
	})
	if err != nil {
		return
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (s *Store) buildQuery(f Filter, includeLimit, _ bool) (string, []any, error) {
	query := `SELECT audit_id, tenant_id, token_id, operation, status, error, duration_ms, correlation_id, created_at
		FROM token_audit_logs WHERE 1=1`
	var args []any

	if f.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.TokenID != "" {
		query += " AND token_id = ?"
		args = append(args, f.TokenID)
	}
	if f.Operation != "" {
		query += " AND operation = ?"
		args = append(args, string(f.Operation))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	if f.Cursor != "" {
		var cursorTS string
		err := s.db.QueryRow("SELECT created_at FROM token_audit_logs WHERE audit_id = ?", f.Cursor).Scan(&cursorTS)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				query += " AND 1=0"
			} else {
				return "", nil, err
			}
		} else {
			query += " AND (created_at < ? OR (created_at = ? AND audit_id < ?))"
			args = append(args, cursorTS, cursorTS, f.Cursor)
		}
	}

	query += " ORDER BY created_at DESC, audit_id DESC"
	if includeLimit && f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(scanner rowScanner) (Event, error) {
	var evt Event
	var tokenID, errMsg, ts sql.NullString
	if err := scanner.Scan(&evt.AuditID, &evt.TenantID, &tokenID, &evt.Operation, &evt.Status,
		&errMsg, &evt.DurationMS, &evt.CorrelationID, &ts); err != nil {
		return Event{}, err
	}
	evt.TokenID = tokenID.String
	evt.Error = errMsg.String
	evt.Timestamp, _ = time.Parse(timeLayout, ts.String)
	return evt, nil
}
