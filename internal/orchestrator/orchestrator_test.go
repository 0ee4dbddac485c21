/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/anumate/capcore/internal/events"
	"github.com/anumate/capcore/internal/orchestrator/engine"
	"github.com/anumate/capcore/internal/plancompiler"
	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

// fakeTokenVerifier always returns the configured result.
type fakeTokenVerifier struct {
	valid bool
	caps  []string
	err   error
}

func (f *fakeTokenVerifier) Verify(ctx context.Context, token, tenant string) (bool, []string, error) {
	return f.valid, f.caps, f.err
}

// fakeExecutor runs a run straight to COMPLETED with no clarifications.
type fakeExecutor struct {
	status        string
	clarification *Clarification
	respondedWith string
}

func (f *fakeExecutor) CreatePlan(ctx context.Context, plan *planmodel.ExecutablePlan) (string, error) {
	return "plan-1", nil
}

func (f *fakeExecutor) StartRun(ctx context.Context, planID string) (string, error) {
	return "run-1", nil
}

func (f *fakeExecutor) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	return &RunStatus{Status: f.status}, nil
}

func (f *fakeExecutor) ListClarifications(ctx context.Context, runID string) ([]Clarification, error) {
	if f.clarification == nil {
		return nil, nil
	}
	return []Clarification{*f.clarification}, nil
}

func (f *fakeExecutor) RespondClarification(ctx context.Context, runID, clarificationID, response string) error {
	f.respondedWith = response
	f.clarification = nil
	f.status = "COMPLETED"
	return nil
}

func (f *fakeExecutor) PauseRun(ctx context.Context, runID string) (bool, error)  { return true, nil }
func (f *fakeExecutor) ResumeRun(ctx context.Context, runID string) (bool, error) { return true, nil }
func (f *fakeExecutor) CancelRun(ctx context.Context, runID string) (bool, error) {
	f.status = "CANCELLED"
	return true, nil
}

type fakeApprovals struct {
	decision string
}

func (f *fakeApprovals) Open(ctx context.Context, clarification, tenant, actor string) (string, error) {
	return "approval-1", nil
}

func (f *fakeApprovals) Wait(ctx context.Context, approvalID string, timeoutS, pollS int) (string, error) {
	return f.decision, nil
}

type fakeReceipts struct {
	written []Receipt
}

func (f *fakeReceipts) Write(ctx context.Context, receipt Receipt) (string, error) {
	f.written = append(f.written, receipt)
	return "receipt-1", nil
}

func newTestCompiler() *plancompiler.Compiler {
	return plancompiler.New(nil)
}

func TestExecute_SucceedsWithNoClarifications(t *testing.T) {
	executor := &fakeExecutor{status: "COMPLETED"}
	receipts := &fakeReceipts{}
	o := New(&fakeTokenVerifier{valid: true}, newTestCompiler(), executor, &fakeApprovals{}, receipts, events.NewBus())

	result, err := o.Execute(context.Background(), Request{Tenant: "tenant-1", Actor: "actor-1", RequestFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != OutcomeSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", result.Status)
	}
	if result.ReceiptID != "receipt-1" {
		t.Fatalf("expected a written receipt, got %q", result.ReceiptID)
	}
	if len(receipts.written) != 1 {
		t.Fatalf("expected exactly one receipt write, got %d", len(receipts.written))
	}
}

func TestExecute_IdempotentOnFingerprint(t *testing.T) {
	executor := &fakeExecutor{status: "COMPLETED"}
	o := New(&fakeTokenVerifier{valid: true}, newTestCompiler(), executor, &fakeApprovals{}, &fakeReceipts{}, events.NewBus())

	req := Request{Tenant: "tenant-1", Actor: "actor-1", RequestFingerprint: "fp-shared"}
	first, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.PlanRunID != second.PlanRunID {
		t.Fatalf("expected cached result on repeat fingerprint, got %q vs %q", first.PlanRunID, second.PlanRunID)
	}
}

func TestExecute_DryRunBypassesIdempotency(t *testing.T) {
	o := New(&fakeTokenVerifier{valid: true}, newTestCompiler(), &fakeExecutor{status: "COMPLETED"}, &fakeApprovals{}, &fakeReceipts{}, events.NewBus())

	req := Request{Tenant: "tenant-1", Actor: "actor-1", RequestFingerprint: "fp-dry", DryRun: true}
	if _, err := o.Execute(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, ok := o.idempotency.get("tenant-1", "fp-dry"); ok {
		t.Fatal("dry-run request should not populate the idempotency cache")
	}
}

func TestExecute_RejectsWhenTokenMissingCapability(t *testing.T) {
	o := New(&fakeTokenVerifier{valid: true, caps: []string{"something.else"}}, newTestCompiler(), &fakeExecutor{status: "COMPLETED"}, &fakeApprovals{}, &fakeReceipts{}, events.NewBus())

	result, err := o.Execute(context.Background(), Request{CapabilityToken: "tok", Tenant: "tenant-1", Actor: "actor-1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != OutcomeRejected {
		t.Fatalf("expected REJECTED, got %s", result.Status)
	}
}

func TestExecute_ClarificationRejectedStopsRun(t *testing.T) {
	executor := &fakeExecutor{status: "RUNNING", clarification: &Clarification{ID: "c-1", Status: "pending", Message: "confirm refund"}}
	o := New(&fakeTokenVerifier{valid: true}, newTestCompiler(), executor, &fakeApprovals{decision: "rejected"}, &fakeReceipts{}, events.NewBus())

	result, err := o.Execute(context.Background(), Request{Tenant: "tenant-1", Actor: "actor-1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != OutcomeRejected {
		t.Fatalf("expected REJECTED after a rejected clarification, got %s", result.Status)
	}
	if executor.respondedWith != "rejected" {
		t.Fatalf("expected the executor to be told rejected, got %q", executor.respondedWith)
	}
}

func TestExecute_ClarificationApprovedContinuesToCompletion(t *testing.T) {
	executor := &fakeExecutor{status: "RUNNING", clarification: &Clarification{ID: "c-1", Status: "pending", Message: "confirm refund"}}
	o := New(&fakeTokenVerifier{valid: true}, newTestCompiler(), executor, &fakeApprovals{decision: "approved"}, &fakeReceipts{}, events.NewBus())

	result, err := o.Execute(context.Background(), Request{Tenant: "tenant-1", Actor: "actor-1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != OutcomeSucceeded {
		t.Fatalf("expected SUCCEEDED after an approved clarification, got %s", result.Status)
	}
	if result.ApprovalsCount != 1 {
		t.Fatalf("expected one recorded approval, got %d", result.ApprovalsCount)
	}
}

func TestExecute_RazorpayEngineDispatchSkipsCompilation(t *testing.T) {
	o := New(&fakeTokenVerifier{valid: true, caps: []string{"payments.execute"}}, newTestCompiler(), &fakeExecutor{status: "COMPLETED"}, &fakeApprovals{}, &fakeReceipts{}, events.NewBus())
	o.EnableRazorpayMCP = false // dispatcher nil, should reject cleanly rather than panic

	result, err := o.Execute(context.Background(), Request{
		CapabilityToken: "tok",
		Tenant:          "tenant-1",
		Actor:           "actor-1",
		Engine:          engine.ToolRefund,
		EngineParams:    EngineParams{PaymentID: "pay_123"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != OutcomeRejected {
		t.Fatalf("expected REJECTED when the MCP dispatcher is disabled, got %s", result.Status)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := defaultRetryPolicy
	if p.backoff(1) != p.InitialBackoff {
		t.Fatalf("expected first backoff to equal InitialBackoff, got %s", p.backoff(1))
	}
	if p.backoff(10) > p.MaxBackoff {
		t.Fatalf("expected backoff to clamp at MaxBackoff, got %s", p.backoff(10))
	}
}

func TestWithRetry_StopsOnNonTransient(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), defaultRetryPolicy, func(ctx context.Context) (bool, error) {
		attempts++
		return false, context.Canceled
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a non-transient failure, got %d", attempts)
	}
}

func TestWithRetry_ExhaustsTransientAttempts(t *testing.T) {
	attempts := 0
	policy := retryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	err := withRetry(context.Background(), policy, func(ctx context.Context) (bool, error) {
		attempts++
		return true, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != policy.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", policy.MaxAttempts, attempts)
	}
}
