/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package orchestrator drives plan execution end to end: capability-token
// verification, MCP engine short-circuit dispatch, plan compilation,
// run polling against an external executor, the clarification/approval
// loop, and receipt writing. Grounded on the reference implementation's job run state
// machine and lifecycle-event shape (internal/controlplane/jobs, since
// superseded — see DESIGN.md) and on internal/controlplane/approval's
// Open/Wait bridge, which the orchestrator's own Approvals client
// contract mirrors exactly.
package orchestrator

import (
	"time"
)

// Status is a run's terminal or in-flight state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Outcome is the result status returned to the caller, distinct from the
// run's internal Status: a rejected clarification ends the run FAILED
// internally but is reported to the caller as REJECTED.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeRejected  Outcome = "REJECTED"
)

// EngineParams carries the parameters for a direct MCP engine dispatch,
// validated per-engine before the call (step 2 of the pipeline).
type EngineParams struct {
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Request is one orchestrator invocation.
type Request struct {
	CapsuleYAML      string
	CapsuleID        string
	PlanHash         string
	RequireApproval  bool
	CapabilityToken  string
	Tenant           string
	Actor            string
	Engine           string // "" | razorpay_mcp_payment_link | razorpay_mcp_refund
	EngineParams     EngineParams
	DryRun           bool
	RequestFingerprint string
}

// MCPResult is the subset of an MCP engine dispatch surfaced to callers.
type MCPResult struct {
	Engine  string `json:"engine"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the pipeline's final return value (step 6).
type Result struct {
	PlanRunID      string     `json:"plan_run_id"`
	Status         Outcome    `json:"status"`
	ReceiptID      string     `json:"receipt_id,omitempty"`
	ApprovalsCount int        `json:"approvals_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	MCP            *MCPResult `json:"mcp,omitempty"`
}

// RunStatus mirrors the executor's get_run response.
type RunStatus struct {
	Status        string
	Progress      float64
	CurrentStep   string
	Results        map[string]any
	ErrorMessage  string
}

// Clarification mirrors one entry of the executor's list_clarifications response.
type Clarification struct {
	ID      string
	Status  string
	Message string
}

// Receipt is the payload written via the Receipts client on a terminal
// status (pipeline step 5).
type Receipt struct {
	PlanHash         string             `json:"plan_hash"`
	PlanID           string             `json:"plan_id"`
	PlanRunID        string             `json:"plan_run_id"`
	Status           Outcome            `json:"status"`
	Approvals        []ApprovalRecord   `json:"approvals"`
	Actor            string             `json:"actor"`
	Tenant           string             `json:"tenant"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      time.Time          `json:"completed_at"`
	DurationSeconds  float64            `json:"duration_seconds"`
	Engine           string             `json:"engine,omitempty"`
	EngineResult     *MCPResult         `json:"engine_result,omitempty"`
}

// ApprovalRecord is one clarification's resolved outcome, recorded on the receipt.
type ApprovalRecord struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"` // approved|rejected|timeout
}
