package captoken

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anumate/capcore/internal/replay"
	"github.com/anumate/capcore/internal/shared/signing"
	"github.com/anumate/capcore/internal/telemetry"
)

// Service implements the capability token lifecycle's four operations.
// Audit writes are best-effort: their failures are logged and never fail
// the primary operation.
type Service struct {
	store  *sqlStore
	signer *signing.Signer
	replay replay.Store
	log    *zap.Logger
}

// NewService wires the Token Service against a migrated *sql.DB, an
// Ed25519 signer, and a replay store (typically a replay.Fallback).
func NewService(db *sql.DB, signer *signing.Signer, replayStore replay.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: newSQLStore(db), signer: signer, replay: replayStore, log: log}
}

// IssueResult is returned by Issue.
type IssueResult struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Issue creates and signs a new capability token.
func (s *Service) Issue(ctx context.Context, subject string, capabilities []string, ttlSeconds int, tenant string) (result *IssueResult, err error) {
	ctx, span := telemetry.StartTokenSpan(ctx, "issue", tenant)
	defer func() {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		telemetry.EndTokenSpan(span, err == nil, msg)
	}()

	start := time.Now()
	tokenID := uuid.NewString()

	if subject == "" || len(capabilities) == 0 || tenant == "" {
		return nil, fmt.Errorf("captoken: subject, at least one capability, and tenant are required")
	}
	if ttlSeconds < 1 || ttlSeconds > 300 {
		return nil, fmt.Errorf("captoken: ttl_seconds must be in [1,300], got %d", ttlSeconds)
	}

	now := time.Now().UTC()
	exp := now.Add(time.Duration(ttlSeconds) * time.Second)

	payload := Payload{
		Sub:    subject,
		Cap:    capabilities,
		Iat:    now.Unix(),
		Exp:    exp.Unix(),
		Jti:    tokenID,
		Tenant: tenant,
	}

	unsigned, err := encodeUnsigned(payload)
	if err != nil {
		s.auditFailure(ctx, tenant, tokenID, "issue", start, err)
		return nil, fmt.Errorf("captoken: INTERNAL_ERROR: %w", err)
	}
	sig := s.signer.Sign([]byte(unsigned))
	token := signToken(unsigned, sig)

	row := &Token{
		TokenID:      tokenID,
		JTI:          tokenID,
		TenantID:     tenant,
		Subject:      subject,
		Capabilities: capabilities,
		IssuedAt:     now,
		ExpiresAt:    exp,
		Active:       true,
		TokenHash:    signing.HashToken(token),
	}
	if err := s.store.insert(ctx, row); err != nil {
		s.auditFailure(ctx, tenant, tokenID, "issue", start, err)
		return nil, fmt.Errorf("captoken: INTERNAL_ERROR: %w", err)
	}

	s.audit(ctx, auditEntry{
		AuditID:       uuid.NewString(),
		TenantID:      tenant,
		TokenID:       tokenID,
		Operation:     "issue",
		Status:        "success",
		DurationMS:    time.Since(start).Milliseconds(),
		CorrelationID: uuid.NewString(),
	})

	return &IssueResult{Token: token, TokenID: tokenID, ExpiresAt: exp, IssuedAt: now}, nil
}

// VerifyResult is returned by Verify.
type VerifyResult struct {
	Valid   bool
	Payload *Payload
	Error   string
}

// Verify checks a token against every step of the design's verify pipeline.
// Verification never mutates the token row except for usage_count and the
// replay-protection record.
func (s *Service) Verify(ctx context.Context, token, tenant string) (result *VerifyResult, err error) {
	ctx, span := telemetry.StartTokenSpan(ctx, "verify", tenant)
	defer func() {
		valid := result != nil && result.Valid
		reason := ""
		if result != nil {
			reason = result.Error
		}
		telemetry.EndTokenSpan(span, valid, reason)
	}()

	start := time.Now()
	correlationID := uuid.NewString()

	fail := func(reason string) *VerifyResult {
		s.audit(ctx, auditEntry{
			AuditID: uuid.NewString(), TenantID: tenant, Operation: "verify",
			Status: "failure", Error: reason, DurationMS: time.Since(start).Milliseconds(),
			CorrelationID: correlationID,
		})
		return &VerifyResult{Valid: false, Error: reason}
	}

	_, payload, unsigned, sig, err := decodeToken(token)
	if err != nil {
		return fail(err.Error()), nil
	}

	// 1. signature check
	if !s.signer.Verify([]byte(unsigned), sig) {
		return fail("invalid signature"), nil
	}

	// 2. exp > now
	now := time.Now().UTC()
	if now.Unix() >= payload.Exp {
		return fail("token expired"), nil
	}

	// 3. tenant match
	if payload.Tenant != tenant {
		return fail("tenant mismatch"), nil
	}

	// 4. row exists, active, not revoked
	row, err := s.store.getByJTI(ctx, payload.Jti)
	if err != nil {
		return fail("lookup error"), fmt.Errorf("captoken: INTERNAL_ERROR: %w", err)
	}
	if row == nil || !row.Active || row.RevokedAt != nil {
		return fail("token not active"), nil
	}

	// 5. replay check — reported but verification still returns valid=true.
	if s.replay != nil {
		rr, err := s.replay.CheckAndRecord(ctx, payload.Jti, row.TokenHash, row.ExpiresAt, "")
		if err == nil && rr.IsReplay {
			s.log.Warn("replay detected", zap.String("jti", payload.Jti), zap.String("tenant", tenant), zap.Int("usage_count", rr.UsageCount))
			s.audit(ctx, auditEntry{
				AuditID: uuid.NewString(), TenantID: tenant, TokenID: row.TokenID,
				Operation: "verify", Status: "warning", Error: "replay detected",
				DurationMS: time.Since(start).Milliseconds(), CorrelationID: correlationID,
			})
		}
	}

	if err := s.store.incrementUsage(ctx, row.TokenID); err != nil {
		s.log.Error("increment usage failed (best-effort)", zap.Error(err))
	}

	respJSON, _ := json.Marshal(payload)
	s.audit(ctx, auditEntry{
		AuditID: uuid.NewString(), TenantID: tenant, TokenID: row.TokenID,
		Operation: "verify", Status: "success", ResponseJSON: string(respJSON),
		DurationMS: time.Since(start).Milliseconds(), CorrelationID: correlationID,
	})

	return &VerifyResult{Valid: true, Payload: &payload}, nil
}

// Revoke sets revoked_at/active=false. Idempotent: the second call on an
// already-revoked token returns false.
func (s *Service) Revoke(ctx context.Context, tokenID, revokedBy string) (revoked bool, err error) {
	ctx, span := telemetry.StartTokenSpan(ctx, "revoke", "")
	defer func() {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		telemetry.EndTokenSpan(span, err == nil, msg)
	}()

	start := time.Now()
	ok, err := s.store.revoke(ctx, tokenID)
	status := "success"
	var errMsg string
	if err != nil {
		status = "failure"
		errMsg = err.Error()
	}
	s.audit(ctx, auditEntry{
		AuditID: uuid.NewString(), TokenID: tokenID, Operation: "revoke", Status: status,
		Error: errMsg, DurationMS: time.Since(start).Milliseconds(), CorrelationID: uuid.NewString(),
	})
	if err != nil {
		return false, fmt.Errorf("captoken: revoke: %w", err)
	}
	return ok, nil
}

// Refresh verifies an existing token, then issues a replacement token with
// the same subject/capabilities/tenant and revokes the original — the
// caller ends up holding exactly one active token for that principal.
func (s *Service) Refresh(ctx context.Context, token, tenant string, ttlSeconds int) (result *IssueResult, err error) {
	ctx, span := telemetry.StartTokenSpan(ctx, "refresh", tenant)
	defer func() {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		telemetry.EndTokenSpan(span, err == nil, msg)
	}()

	start := time.Now()

	verifyResult, err := s.Verify(ctx, token, tenant)
	if err != nil {
		s.auditFailure(ctx, tenant, "", "refresh", start, err)
		return nil, fmt.Errorf("captoken: refresh verify: %w", err)
	}
	if !verifyResult.Valid || verifyResult.Payload == nil {
		s.audit(ctx, auditEntry{
			AuditID: uuid.NewString(), TenantID: tenant, Operation: "refresh",
			Status: "failure", Error: "token not valid for refresh",
			DurationMS: time.Since(start).Milliseconds(), CorrelationID: uuid.NewString(),
		})
		return nil, fmt.Errorf("captoken: token is not valid for refresh: %s", verifyResult.Error)
	}

	issued, err := s.Issue(ctx, verifyResult.Payload.Sub, verifyResult.Payload.Cap, ttlSeconds, tenant)
	if err != nil {
		s.auditFailure(ctx, tenant, verifyResult.Payload.Jti, "refresh", start, err)
		return nil, fmt.Errorf("captoken: refresh issue: %w", err)
	}

	if _, err := s.Revoke(ctx, verifyResult.Payload.Jti, "refresh"); err != nil {
		s.log.Error("refresh: revoke of prior token failed (best-effort)", zap.Error(err))
	}

	s.audit(ctx, auditEntry{
		AuditID: uuid.NewString(), TenantID: tenant, TokenID: issued.TokenID,
		Operation: "refresh", Status: "success", DurationMS: time.Since(start).Milliseconds(),
		CorrelationID: uuid.NewString(),
	})

	return issued, nil
}

// CleanupStats summarizes a Cleanup run.
type CleanupStats struct {
	JobID             string
	Status            string // running|completed|failed
	TokensProcessed   int
	TokensCleaned     int
	ErrorsEncountered int
	DurationSeconds   float64
	DryRun            bool
}

// Cleanup deletes expired tokens in batches, cascading to referencing
// rows, per the design. On dry_run it counts only, matching the job's
// tokens_processed without deleting.
func (s *Service) Cleanup(ctx context.Context, batchSize int, maxAgeDays int, dryRun bool) (*CleanupStats, error) {
	start := time.Now()
	stats := &CleanupStats{JobID: uuid.NewString(), Status: "running", DryRun: dryRun}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	const maxConsecutiveErrors = 5
	consecutiveErrors := 0

	for {
		var n int
		var err error
		if dryRun {
			n, err = s.countExpiredBatch(ctx, cutoff, batchSize)
		} else {
			n, err = s.store.deleteExpiredBatch(ctx, cutoff, batchSize)
		}
		if err != nil {
			stats.ErrorsEncountered++
			consecutiveErrors++
			s.log.Error("cleanup batch failed", zap.Error(err))
			if consecutiveErrors >= maxConsecutiveErrors {
				stats.Status = "failed"
				break
			}
			continue
		}
		consecutiveErrors = 0
		stats.TokensProcessed += n
		if !dryRun {
			stats.TokensCleaned += n
		}
		if n < batchSize {
			break
		}
	}

	if stats.Status == "running" {
		stats.Status = "completed"
	}
	stats.DurationSeconds = time.Since(start).Seconds()
	return stats, nil
}

func (s *Service) countExpiredBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT token_id FROM capability_tokens WHERE expires_at < ? LIMIT ?`,
		cutoff.UTC().Format(timeLayout), batchSize)
	if err != nil {
		return 0, fmt.Errorf("captoken: count expired: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, nil
}

func (s *Service) audit(ctx context.Context, entry auditEntry) {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	if err := s.store.writeAudit(ctx, entry); err != nil {
		s.log.Error("audit write failed (best-effort)", zap.Error(err))
	}
}

func (s *Service) auditFailure(ctx context.Context, tenant, syntheticTokenID, op string, start time.Time, cause error) {
	s.audit(ctx, auditEntry{
		AuditID: uuid.NewString(), TenantID: tenant, TokenID: syntheticTokenID,
		Operation: op, Status: "failure", Error: cause.Error(),
		DurationMS: time.Since(start).Milliseconds(), CorrelationID: uuid.NewString(),
	})
}
