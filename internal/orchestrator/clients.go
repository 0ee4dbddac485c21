/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

// defaultClientTimeout is the deadline every external call honors (the
// design's 30s default for executor/approvals/receipts), grounded on
// internal/notify/channels.go's http.Client{Timeout: ...} pattern.
const defaultClientTimeout = 30 * time.Second

// TokenVerifier verifies a capability token and reports whether it
// carries a required capability. Satisfied by CapTokenVerifier, which
// adapts internal/captoken.Service.
type TokenVerifier interface {
	Verify(ctx context.Context, token, tenant string) (valid bool, capabilities []string, err error)
}

// ApprovalsClient is the design's Approvals client contract:
// open(clarification, tenant, actor) -> approval_id;
// wait(approval_id, timeout_s, poll_s) -> "approved"|"rejected"|"timeout".
type ApprovalsClient interface {
	Open(ctx context.Context, clarification, tenant, actor string) (approvalID string, err error)
	Wait(ctx context.Context, approvalID string, timeoutS, pollS int) (string, error)
}

// ReceiptsClient writes a terminal-run receipt.
type ReceiptsClient interface {
	Write(ctx context.Context, receipt Receipt) (receiptID string, err error)
}

// ExecutorClient is the opaque "Portia" executor contract.
type ExecutorClient interface {
	CreatePlan(ctx context.Context, plan *planmodel.ExecutablePlan) (planID string, err error)
	StartRun(ctx context.Context, planID string) (runID string, err error)
	GetRun(ctx context.Context, runID string) (*RunStatus, error)
	ListClarifications(ctx context.Context, runID string) ([]Clarification, error)
	RespondClarification(ctx context.Context, runID, clarificationID, response string) error
	PauseRun(ctx context.Context, runID string) (bool, error)
	ResumeRun(ctx context.Context, runID string) (bool, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
}

// httpJSONClient is the shared request/response plumbing every HTTP-backed
// client below uses: marshal a JSON body, POST/GET it with a bearer-less
// bearer-free request (auth is carried via X-Tenant-Id the same way the
// core's own HTTP surface expects it), decode the JSON response.
type httpJSONClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPJSONClient(baseURL string) httpJSONClient {
	return httpJSONClient{baseURL: baseURL, client: &http.Client{Timeout: defaultClientTimeout}}
}

func (h httpJSONClient) do(ctx context.Context, method, path string, tenant string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant-Id", tenant)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Approvals ---

// HTTPApprovalsClient calls an external Approvals service at ApprovalsBaseURL.
type HTTPApprovalsClient struct {
	http httpJSONClient
}

// NewHTTPApprovalsClient builds an Approvals client against baseURL.
func NewHTTPApprovalsClient(baseURL string) *HTTPApprovalsClient {
	return &HTTPApprovalsClient{http: newHTTPJSONClient(baseURL)}
}

func (c *HTTPApprovalsClient) Open(ctx context.Context, clarification, tenant, actor string) (string, error) {
	var out struct {
		ApprovalID string `json:"approval_id"`
	}
	body := map[string]string{"clarification": clarification, "tenant": tenant, "actor": actor}
	if err := c.http.do(ctx, http.MethodPost, "/v1/approvals", tenant, body, &out); err != nil {
		return "", err
	}
	return out.ApprovalID, nil
}

func (c *HTTPApprovalsClient) Wait(ctx context.Context, approvalID string, timeoutS, pollS int) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/v1/approvals/%s/wait?timeout_s=%d&poll_s=%d", approvalID, timeoutS, pollS)
	if err := c.http.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// --- Receipts ---

// HTTPReceiptsClient calls an external Receipts service at ReceiptsBaseURL.
type HTTPReceiptsClient struct {
	http httpJSONClient
}

// NewHTTPReceiptsClient builds a Receipts client against baseURL.
func NewHTTPReceiptsClient(baseURL string) *HTTPReceiptsClient {
	return &HTTPReceiptsClient{http: newHTTPJSONClient(baseURL)}
}

func (c *HTTPReceiptsClient) Write(ctx context.Context, receipt Receipt) (string, error) {
	var out struct {
		ReceiptID string `json:"receipt_id"`
	}
	if err := c.http.do(ctx, http.MethodPost, "/v1/receipts", receipt.Tenant, receipt, &out); err != nil {
		return "", err
	}
	return out.ReceiptID, nil
}

// --- Executor (Portia) ---

// HTTPExecutorClient calls the external Portia executor at its base URL.
// The API key it is built with is kept on the client but is not sent with
// any request.
type HTTPExecutorClient struct {
	http   httpJSONClient
	apiKey string
}

// NewHTTPExecutorClient builds an Executor client against baseURL.
func NewHTTPExecutorClient(baseURL, apiKey string) *HTTPExecutorClient {
	return &HTTPExecutorClient{http: newHTTPJSONClient(baseURL), apiKey: apiKey}
}

func (c *HTTPExecutorClient) CreatePlan(ctx context.Context, plan *planmodel.ExecutablePlan) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.http.do(ctx, http.MethodPost, "/v1/plans", "", plan, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPExecutorClient) StartRun(ctx context.Context, planID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/v1/plans/%s/runs", planID)
	if err := c.http.do(ctx, http.MethodPost, path, "", nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPExecutorClient) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	var out RunStatus
	path := fmt.Sprintf("/v1/runs/%s", runID)
	if err := c.http.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPExecutorClient) ListClarifications(ctx context.Context, runID string) ([]Clarification, error) {
	var out []Clarification
	path := fmt.Sprintf("/v1/runs/%s/clarifications", runID)
	if err := c.http.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPExecutorClient) RespondClarification(ctx context.Context, runID, clarificationID, response string) error {
	path := fmt.Sprintf("/v1/runs/%s/clarifications/%s", runID, clarificationID)
	return c.http.do(ctx, http.MethodPost, path, "", map[string]string{"response": response}, nil)
}

func (c *HTTPExecutorClient) PauseRun(ctx context.Context, runID string) (bool, error) {
	return c.runAction(ctx, runID, "pause")
}

func (c *HTTPExecutorClient) ResumeRun(ctx context.Context, runID string) (bool, error) {
	return c.runAction(ctx, runID, "resume")
}

func (c *HTTPExecutorClient) CancelRun(ctx context.Context, runID string) (bool, error) {
	return c.runAction(ctx, runID, "cancel")
}

func (c *HTTPExecutorClient) runAction(ctx context.Context, runID, action string) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	path := fmt.Sprintf("/v1/runs/%s/%s", runID, action)
	if err := c.http.do(ctx, http.MethodPost, path, "", nil, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}
