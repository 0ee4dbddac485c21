package audit

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anumate/capcore/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatal(err)
	}
	return db
}

// insertRow simulates a captoken.Service audit write directly against
// token_audit_logs, the way the real writer does.
func insertRow(t *testing.T, db *sql.DB, evt Event) {
	t.Helper()
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := db.Exec(`
		INSERT INTO token_audit_logs
			(audit_id, tenant_id, token_id, operation, status, request_json,
			 response_json, error, duration_ms, correlation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '{}', '{}', ?, ?, ?, ?, ?)`,
		evt.AuditID, evt.TenantID, evt.TokenID, string(evt.Operation), evt.Status,
		evt.Error, evt.DurationMS, evt.CorrelationID, ts.Format(timeLayout), ts.Format(timeLayout),
	)
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreQueryPersisted(t *testing.T) {
	db := openTestDB(t)
	insertRow(t, db, Event{AuditID: "a1", TenantID: "acme", TokenID: "tok-1", Operation: OpIssue, Status: "success"})
	insertRow(t, db, Event{AuditID: "a2", TenantID: "acme", TokenID: "tok-2", Operation: OpVerify, Status: "success"})
	insertRow(t, db, Event{AuditID: "a3", TenantID: "globex", TokenID: "tok-3", Operation: OpIssue, Status: "failure"})

	s, err := NewStore(db, 100)
	if err != nil {
		t.Fatal(err)
	}

	events, err := s.QueryPersisted(context.Background(), Filter{TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for acme, got %d", len(events))
	}

	events, err = s.QueryPersisted(context.Background(), Filter{Operation: OpVerify})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 verify event, got %d", len(events))
	}

	events, err = s.QueryPersisted(context.Background(), Filter{Status: "failure"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(events))
	}
}

func TestStoreRefreshPopulatesCache(t *testing.T) {
	db := openTestDB(t)
	insertRow(t, db, Event{AuditID: "a1", TenantID: "acme", Operation: OpIssue, Status: "success"})
	insertRow(t, db, Event{AuditID: "a2", TenantID: "acme", Operation: OpVerify, Status: "success"})

	s, err := NewStore(db, 100)
	if err != nil {
		t.Fatal(err)
	}

	if got := len(s.Recent(10)); got != 2 {
		t.Fatalf("expected 2 cached events after construction, got %d", got)
	}

	insertRow(t, db, Event{AuditID: "a3", TenantID: "acme", Operation: OpRevoke, Status: "success"})
	if got := len(s.Recent(10)); got != 2 {
		t.Fatalf("cache should not see rows inserted after construction before Refresh, got %d", got)
	}

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Recent(10)); got != 3 {
		t.Fatalf("expected 3 cached events after Refresh, got %d", got)
	}
}

func TestStoreCount(t *testing.T) {
	db := openTestDB(t)
	insertRow(t, db, Event{AuditID: "a1", TenantID: "acme", Operation: OpIssue, Status: "success"})
	insertRow(t, db, Event{AuditID: "a2", TenantID: "globex", Operation: OpIssue, Status: "success"})

	s, err := NewStore(db, 100)
	if err != nil {
		t.Fatal(err)
	}

	total, err := s.Count(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("expected 2 total rows, got %d", total)
	}

	acme, err := s.Count(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if acme != 1 {
		t.Fatalf("expected 1 row for acme, got %d", acme)
	}
}

func TestStoreQueryPersistedCursorPagination(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		insertRow(t, db, Event{
			AuditID:   fmt.Sprintf("evt-%d", i),
			TenantID:  "acme",
			Operation: OpVerify,
			Status:    "success",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	s, err := NewStore(db, 100)
	if err != nil {
		t.Fatal(err)
	}

	page1, err := s.QueryPersisted(context.Background(), Filter{TenantID: "acme", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected first page size 2, got %d", len(page1))
	}
	if page1[0].AuditID != "evt-5" || page1[1].AuditID != "evt-4" {
		t.Fatalf("unexpected first page IDs: %s, %s", page1[0].AuditID, page1[1].AuditID)
	}

	page2, err := s.QueryPersisted(context.Background(), Filter{TenantID: "acme", Cursor: page1[1].AuditID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected second page size 2, got %d", len(page2))
	}
	if page2[0].AuditID != "evt-3" || page2[1].AuditID != "evt-2" {
		t.Fatalf("unexpected second page IDs: %s, %s", page2[0].AuditID, page2[1].AuditID)
	}
}

func TestStorePurge(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	insertRow(t, db, Event{AuditID: "old-1", TenantID: "acme", Operation: OpIssue, Status: "success", Timestamp: now.Add(-72 * time.Hour)})
	insertRow(t, db, Event{AuditID: "old-2", TenantID: "acme", Operation: OpIssue, Status: "success", Timestamp: now.Add(-48 * time.Hour)})
	insertRow(t, db, Event{AuditID: "new-1", TenantID: "acme", Operation: OpIssue, Status: "success", Timestamp: now.Add(-1 * time.Hour)})

	s, err := NewStore(db, 100)
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := s.Purge(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}

	events, err := s.QueryPersisted(context.Background(), Filter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after purge, got %d", len(events))
	}
	if events[0].AuditID != "new-1" {
		t.Fatalf("expected remaining event new-1, got %s", events[0].AuditID)
	}
}
