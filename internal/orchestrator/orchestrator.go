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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/capcore/internal/events"
	"github.com/anumate/capcore/internal/metrics"
	"github.com/anumate/capcore/internal/orchestrator/engine"
	"github.com/anumate/capcore/internal/plancompiler"
	"github.com/anumate/capcore/internal/plancompiler/planmodel"
	"github.com/anumate/capcore/internal/safety/blastradius"
	"github.com/anumate/capcore/internal/shared/ratelimit"
	"github.com/anumate/capcore/internal/telemetry"
	"github.com/anumate/capcore/internal/tenant"
)

// clarificationPollInterval and clarificationTimeout are the design's
// defaults for the approval wait loop (poll 3s, timeout 300s).
const (
	clarificationPollInterval = 3 * time.Second
	clarificationTimeout      = 300 * time.Second

	// monitorPollInterval is how often the run-status poll loop checks
	// the executor (the design's monitor cadence).
	monitorPollInterval = 5 * time.Second
)

// requiredCapability returns the capability a request's token must carry.
func requiredCapability(engineName string) string {
	if engineName != "" {
		return "payments.execute"
	}
	return "plan_execution"
}

// Orchestrator wires together the external clients, the plan compiler, and
// the event bus into the design's end-to-end run pipeline.
type Orchestrator struct {
	Tokens    TokenVerifier
	Compiler  *plancompiler.Compiler
	Executor  ExecutorClient
	Approvals ApprovalsClient
	Receipts  ReceiptsClient
	Bus       *events.Bus
	Razorpay  *engine.Dispatcher
	Quotas    *tenant.QuotaEnforcer
	RateLimit *ratelimit.Limiter
	Blast     blastradius.Scorer

	EnableRazorpayMCP bool

	idempotency *idempotencyCache
}

// New wires an Orchestrator from its collaborators.
func New(tokens TokenVerifier, compiler *plancompiler.Compiler, executor ExecutorClient, approvals ApprovalsClient, receipts ReceiptsClient, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		Tokens:      tokens,
		Compiler:    compiler,
		Executor:    executor,
		Approvals:   approvals,
		Receipts:    receipts,
		Bus:         bus,
		idempotency: newIdempotencyCache(5 * time.Minute),
	}
}

// WithRazorpayDispatcher enables the direct MCP engine dispatch path.
func (o *Orchestrator) WithRazorpayDispatcher(d *engine.Dispatcher) *Orchestrator {
	o.Razorpay = d
	o.EnableRazorpayMCP = true
	return o
}

// WithQuotas enables per-tenant concurrent-run quota enforcement.
func (o *Orchestrator) WithQuotas(q *tenant.QuotaEnforcer) *Orchestrator {
	o.Quotas = q
	return o
}

// WithRateLimit enables sliding-window per-tenant/global run-rate limiting,
// layered on top of the simple counter-based Quotas check.
func (o *Orchestrator) WithRateLimit(l *ratelimit.Limiter) *Orchestrator {
	o.RateLimit = l
	return o
}

// WithBlastRadius enables a pre-dispatch safety assessment on every
// Razorpay MCP engine call, beyond whatever confirmation the plan itself
// already requires.
func (o *Orchestrator) WithBlastRadius(s blastradius.Scorer) *Orchestrator {
	o.Blast = s
	return o
}

// Execute runs the design's six-step pipeline for one request.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (result *Result, err error) {
	ctx, span := telemetry.StartOrchestratorRunSpan(ctx, req.Tenant, req.Engine)
	spanStatus := "failed"
	defer func() { telemetry.EndOrchestratorRunSpan(span, spanStatus) }()

	if !req.DryRun && req.RequestFingerprint != "" {
		if cached, ok := o.idempotency.get(req.Tenant, req.RequestFingerprint); ok {
			spanStatus = "cached"
			return cached, nil
		}
	}

	if o.Quotas != nil && !req.DryRun {
		if err := o.Quotas.CheckCanStartRun(req.Tenant); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		o.Quotas.RecordRunStart(req.Tenant)
		defer o.Quotas.RecordRunEnd(req.Tenant)
	}

	if o.RateLimit != nil {
		if d := o.RateLimit.Allow(req.Tenant, req.DryRun); !d.Allowed {
			spanStatus = "rate_limited"
			return nil, fmt.Errorf("orchestrator: rate limited: %s", d.Reason)
		}
		o.RateLimit.RecordStart(req.Tenant)
		defer o.RateLimit.RecordComplete(req.Tenant)
	}

	start := time.Now()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	result, err = o.execute(ctx, req, start)
	if err != nil {
		return nil, err
	}

	if !req.DryRun && req.RequestFingerprint != "" {
		o.idempotency.put(req.Tenant, req.RequestFingerprint, result)
	}

	spanStatus = "failed"
	switch result.Status {
	case OutcomeSucceeded:
		spanStatus = "succeeded"
	case OutcomeRejected:
		spanStatus = "rejected"
	}
	metrics.RecordOrchestratorRun(req.Tenant, spanStatus, time.Since(start))

	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request, start time.Time) (*Result, error) {
	// Step 1: verify the capability token, if present.
	if req.CapabilityToken != "" {
		required := requiredCapability(req.Engine)
		valid, caps, err := o.Tokens.Verify(ctx, req.CapabilityToken, req.Tenant)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: verify token: %w", err)
		}
		if !valid || !hasCapability(caps, required) {
			return o.finishRejected(ctx, req, start, nil, nil, "capability token missing required capability "+required)
		}
	}

	// Step 2: recognized MCP engine — validate params, dispatch, skip compilation.
	if req.Engine == engine.ToolPaymentLink || req.Engine == engine.ToolRefund {
		return o.dispatchEngine(ctx, req, start)
	}

	// Step 3: compile the capsule and start a run.
	plan, planID, runID, err := o.compileAndStart(ctx, req)
	if err != nil {
		return nil, err
	}

	// Step 4: poll the run, bridging clarifications to approvals.
	approvals, finalStatus, err := o.pollRun(ctx, req, runID)
	if err != nil {
		return nil, err
	}

	if finalStatus == StatusFailed && anyRejected(approvals) {
		return o.finishRejected(ctx, req, start, &planID, &runID, "a clarification was rejected")
	}

	outcome := OutcomeSucceeded
	if finalStatus != StatusCompleted {
		outcome = OutcomeFailed
	}

	// Step 5/6: write the receipt and assemble the result.
	return o.finish(ctx, req, start, plan.PlanHash, planID, runID, outcome, approvals, nil)
}

func (o *Orchestrator) compileAndStart(ctx context.Context, req Request) (*planmodel.ExecutablePlan, string, string, error) {
	tenantID, err := uuid.Parse(req.Tenant)
	if err != nil {
		tenantID = uuid.New()
	}

	compileStart := time.Now()
	result, err := o.Compiler.Compile(ctx, planmodel.Capsule{}, req.PlanHash, plancompiler.Request{
		TenantID:          tenantID,
		CompiledBy:        tenantID,
		OptimizationLevel: "standard",
	})
	if err != nil || result == nil || !result.Success {
		metrics.RecordPlanCompilation(req.Tenant, "failure", time.Since(compileStart))
		if err != nil {
			return nil, "", "", fmt.Errorf("orchestrator: compile: %w", err)
		}
		return nil, "", "", fmt.Errorf("orchestrator: compile failed: %v", result.Errors)
	}
	metrics.RecordPlanCompilation(req.Tenant, "success", time.Since(compileStart))

	plan := result.Plan
	if req.RequireApproval {
		injectApprovalGate(plan)
	}

	var planID, runID string
	err = withRetry(ctx, defaultRetryPolicy, func(ctx context.Context) (bool, error) {
		id, err := o.Executor.CreatePlan(ctx, plan)
		if err != nil {
			return true, err
		}
		planID = id
		return false, nil
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("orchestrator: create plan: %w", err)
	}

	err = withRetry(ctx, defaultRetryPolicy, func(ctx context.Context) (bool, error) {
		id, err := o.Executor.StartRun(ctx, planID)
		if err != nil {
			return true, err
		}
		runID = id
		return false, nil
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("orchestrator: start run: %w", err)
	}

	o.publish(ctx, req, "execution.status_changed", events.SeverityInfo, fmt.Sprintf("run %s started", runID))
	return plan, planID, runID, nil
}

// injectApprovalGate sets the plan's security context to require approval;
// the compiled plan's main flow is expected to already carry whatever
// clarification step the Plan Compiler injects for a require_approval
// request — this only stamps the flag the executor and receipt read.
func injectApprovalGate(plan *planmodel.ExecutablePlan) {
	plan.SecurityContext.RequiresApproval = true
}

func hasCapability(caps []string, required string) bool {
	for _, c := range caps {
		if c == required {
			return true
		}
	}
	return false
}

func anyRejected(approvals []ApprovalRecord) bool {
	for _, a := range approvals {
		if a.Status == "rejected" {
			return true
		}
	}
	return false
}

// pollRun drives the run's state machine: PENDING -> RUNNING ->
// (PAUSED <-> RUNNING)* -> COMPLETED | FAILED | CANCELLED, bridging each
// pending clarification to the Approvals client as it appears.
func (o *Orchestrator) pollRun(ctx context.Context, req Request, runID string) ([]ApprovalRecord, Status, error) {
	var approvals []ApprovalRecord
	handled := make(map[string]bool)
	ticker := time.NewTicker(monitorPollInterval)
	defer ticker.Stop()

	for {
		run, err := o.Executor.GetRun(ctx, runID)
		if err != nil {
			return approvals, StatusFailed, fmt.Errorf("orchestrator: get run: %w", err)
		}

		status := Status(run.Status)
		if status == StatusCompleted || status == StatusFailed || status == StatusCancelled {
			o.publishTerminal(ctx, req, runID, status)
			return approvals, status, nil
		}

		clars, err := o.Executor.ListClarifications(ctx, runID)
		if err != nil {
			return approvals, StatusFailed, fmt.Errorf("orchestrator: list clarifications: %w", err)
		}

		handledThisRound := false
		for _, c := range clars {
			if c.Status != "pending" || handled[c.ID] {
				continue
			}
			handled[c.ID] = true
			handledThisRound = true

			metrics.ApprovalsRequestedTotal.Inc()
			approvalID, err := o.Approvals.Open(ctx, c.Message, req.Tenant, req.Actor)
			if err != nil {
				return approvals, StatusFailed, fmt.Errorf("orchestrator: open approval: %w", err)
			}

			decision, err := o.Approvals.Wait(ctx, approvalID, int(clarificationTimeout.Seconds()), int(clarificationPollInterval.Seconds()))
			if err != nil {
				return approvals, StatusFailed, fmt.Errorf("orchestrator: wait approval: %w", err)
			}
			metrics.RecordApprovalOutcome(decision)
			approvals = append(approvals, ApprovalRecord{ApprovalID: approvalID, Status: decision})

			if err := o.Executor.RespondClarification(ctx, runID, c.ID, decision); err != nil {
				return approvals, StatusFailed, fmt.Errorf("orchestrator: respond clarification: %w", err)
			}

			if decision == "rejected" {
				_, _ = o.Executor.CancelRun(ctx, runID)
				return approvals, StatusFailed, nil
			}
		}

		if handledThisRound {
			// A clarification was just resolved; recheck the run's status
			// immediately instead of waiting out a full poll interval.
			continue
		}

		select {
		case <-ctx.Done():
			return approvals, StatusFailed, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) dispatchEngine(ctx context.Context, req Request, start time.Time) (*Result, error) {
	if !o.EnableRazorpayMCP || o.Razorpay == nil {
		return o.finishRejected(ctx, req, start, nil, nil, "Razorpay MCP engine is disabled")
	}

	if o.Blast != nil {
		assessment := o.Blast.Assess(blastradiusInput(req))
		if assessment.Decision == blastradius.DecisionDeny {
			return o.finishRejected(ctx, req, start, nil, nil, "blast radius assessment denied dispatch: "+strings.Join(assessment.Reasons, ", "))
		}
	}

	params := engine.Params{
		Amount:    req.EngineParams.Amount,
		Currency:  req.EngineParams.Currency,
		PaymentID: req.EngineParams.PaymentID,
		Notes:     req.EngineParams.Notes,
	}

	dispatchResult, err := o.Razorpay.Dispatch(ctx, req.Engine, params)
	if err != nil {
		return o.finishRejected(ctx, req, start, nil, nil, err.Error())
	}

	mcpResult := &MCPResult{Engine: req.Engine, Success: dispatchResult.Success, Output: dispatchResult.Output, Error: dispatchResult.Error}
	outcome := OutcomeSucceeded
	if !dispatchResult.Success {
		outcome = OutcomeFailed
	}
	return o.finish(ctx, req, start, "", "", "", outcome, nil, mcpResult)
}

// blastradiusInput maps a recognized MCP engine request onto the safety
// assessment's input shape: refunds are a destructive/data mutation,
// payment links a service mutation, both against the single payment target
// the request names.
func blastradiusInput(req Request) blastradius.Input {
	tier := blastradius.ActionTierServiceMutation
	depth := blastradius.MutationDepthService
	if req.Engine == engine.ToolRefund {
		tier = blastradius.ActionTierDestructiveMutation
		depth = blastradius.MutationDepthData
	}

	var roles []string
	if req.Actor != "" {
		roles = []string{req.Actor}
	}

	return blastradius.Input{
		Tier:          tier,
		MutationDepth: depth,
		ActorRoles:    roles,
		Targets: []blastradius.Target{{
			Kind:        "payment",
			Name:        req.EngineParams.PaymentID,
			Environment: "prod",
			Domain:      "http",
		}},
	}
}

func (o *Orchestrator) finishRejected(ctx context.Context, req Request, start time.Time, planID, runID *string, reason string) (*Result, error) {
	o.publish(ctx, req, "execution.failed", events.SeverityWarning, reason)
	var pid, rid string
	if planID != nil {
		pid = *planID
	}
	if runID != nil {
		rid = *runID
	}
	return o.finish(ctx, req, start, "", pid, rid, OutcomeRejected, nil, nil)
}

func (o *Orchestrator) finish(ctx context.Context, req Request, start time.Time, planHash, planID, runID string, outcome Outcome, approvals []ApprovalRecord, mcpResult *MCPResult) (*Result, error) {
	completedAt := time.Now()
	duration := completedAt.Sub(start)

	receipt := Receipt{
		PlanHash:        planHash,
		PlanID:          planID,
		PlanRunID:       runID,
		Status:          outcome,
		Approvals:       approvals,
		Actor:           req.Actor,
		Tenant:          req.Tenant,
		StartedAt:       start,
		CompletedAt:     completedAt,
		DurationSeconds: duration.Seconds(),
		Engine:          req.Engine,
		EngineResult:    mcpResult,
	}

	var receiptID string
	if o.Receipts != nil {
		id, err := o.Receipts.Write(ctx, receipt)
		if err != nil {
			// Receipt writes are best-effort; the run's own outcome is not
			// affected by a failure to persist its receipt.
			receiptID = ""
		} else {
			receiptID = id
		}
	}

	if outcome == OutcomeSucceeded {
		o.publish(ctx, req, "execution.completed", events.SeverityInfo, fmt.Sprintf("run %s completed in %s", runID, duration))
	}

	return &Result{
		PlanRunID:       runID,
		Status:          outcome,
		ReceiptID:       receiptID,
		ApprovalsCount:  len(approvals),
		DurationSeconds: duration.Seconds(),
		MCP:             mcpResult,
	}, nil
}

func (o *Orchestrator) publish(ctx context.Context, req Request, eventType string, severity events.Severity, summary string) {
	if o.Bus == nil {
		return
	}
	_, _ = o.Bus.Publish(ctx, events.PublishParams{
		Source:    "orchestrator",
		EventType: eventType,
		Severity:  severity,
		Summary:   summary,
		Labels:    map[string]string{"tenant": req.Tenant},
	})
}

func (o *Orchestrator) publishTerminal(ctx context.Context, req Request, runID string, status Status) {
	eventType := "execution.completed"
	severity := events.SeverityInfo
	if status != StatusCompleted {
		eventType = "execution.failed"
		severity = events.SeverityWarning
	}
	o.publish(ctx, req, eventType, severity, fmt.Sprintf("run %s reached terminal status %s", runID, status))
}

// idempotencyCache is a simple TTL-only cache keyed on (tenant,
// request_fingerprint), simpler than internal/plancache since it needs
// no LRU/size bound — idempotent responses are small and short-lived.
type idempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
}

type idempotencyEntry struct {
	result    *Result
	expiresAt time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{ttl: ttl, entries: make(map[string]idempotencyEntry)}
}

func (c *idempotencyCache) key(tenant, fingerprint string) string {
	return tenant + "/" + fingerprint
}

func (c *idempotencyCache) get(tenant, fingerprint string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.key(tenant, fingerprint)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.result, true
}

func (c *idempotencyCache) put(tenant, fingerprint string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(tenant, fingerprint)] = idempotencyEntry{result: result, expiresAt: time.Now().Add(c.ttl)}
}
