/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient talks to a running captokenserver instance, following a
// doJSON request/response plumbing pattern for bearer-authenticated
// REST calls.
type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

// APIError is the server's JSON error body shape.
type APIError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// NewAPIClient builds a client against server, defaulting to localhost.
func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = "http://localhost:8080"
	}
	return &APIClient{server: server, apiKey: apiKey, http: &http.Client{Timeout: 10 * time.Second}}
}

// IssueResponse mirrors internal/captoken.IssueResult's JSON shape.
type IssueResponse struct {
	Token     string    `json:"Token"`
	TokenID   string    `json:"TokenID"`
	ExpiresAt time.Time `json:"ExpiresAt"`
	IssuedAt  time.Time `json:"IssuedAt"`
}

// VerifyResponse mirrors internal/captoken.VerifyResult's JSON shape.
type VerifyResponse struct {
	Valid bool `json:"Valid"`
	Error string `json:"Error"`
}

func (c *APIClient) IssueToken(ctx context.Context, subject string, capabilities []string, ttlSeconds int, tenant string) (*IssueResponse, error) {
	var out IssueResponse
	payload := map[string]any{
		"subject":      subject,
		"capabilities": capabilities,
		"ttl_seconds":  ttlSeconds,
		"tenant":       tenant,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tokens", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) VerifyToken(ctx context.Context, token, tenant string) (*VerifyResponse, error) {
	var out VerifyResponse
	payload := map[string]string{"token": token, "tenant": tenant}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tokens/verify", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RevokeToken(ctx context.Context, tokenID, revokedBy string) error {
	var out map[string]bool
	payload := map[string]string{"revoked_by": revokedBy}
	return c.doJSON(ctx, http.MethodPost, "/v1/tokens/"+tokenID+"/revoke", payload, &out)
}

func (c *APIClient) ListPolicyTemplates(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/v1/policy/templates", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupResponse mirrors internal/captoken.CleanupStats's JSON shape.
type CleanupResponse struct {
	JobID             string  `json:"JobID"`
	Status            string  `json:"Status"`
	TokensProcessed   int     `json:"TokensProcessed"`
	TokensCleaned     int     `json:"TokensCleaned"`
	ErrorsEncountered int     `json:"ErrorsEncountered"`
	DurationSeconds   float64 `json:"DurationSeconds"`
	DryRun            bool    `json:"DryRun"`
}

func (c *APIClient) CleanupTokens(ctx context.Context, batchSize, maxAgeDays int, dryRun bool) (*CleanupResponse, error) {
	var out CleanupResponse
	payload := map[string]any{
		"batch_size":   batchSize,
		"max_age_days": maxAgeDays,
		"dry_run":      dryRun,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tokens/cleanup", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rule mirrors internal/capcheck.Rule's JSON shape.
type Rule struct {
	RuleID         string `json:"RuleID"`
	TenantID       string `json:"TenantID"`
	CapabilityName string `json:"CapabilityName"`
	ToolPattern    string `json:"ToolPattern"`
	ActionPattern  string `json:"ActionPattern"`
	RuleType       string `json:"RuleType"`
	PatternType    string `json:"PatternType"`
	Priority       int    `json:"Priority"`
	IsActive       bool   `json:"IsActive"`
	Description    string `json:"Description"`
}

func (c *APIClient) ListRules(ctx context.Context, tenant string) ([]Rule, error) {
	var out []Rule
	if err := c.doJSON(ctx, http.MethodGet, "/v1/rules?tenant="+tenant, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) ApplyPolicyTemplate(ctx context.Context, templateID, tenant string) ([]string, error) {
	var out struct {
		AppliedRuleIDs []string `json:"applied_rule_ids"`
	}
	payload := map[string]string{"tenant": tenant}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/policy/templates/"+templateID+"/apply", payload, &out); err != nil {
		return nil, err
	}
	return out.AppliedRuleIDs, nil
}

func (c *APIClient) CreateRule(ctx context.Context, rule Rule) (string, error) {
	var out struct {
		RuleID string `json:"rule_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/rules", rule, &out); err != nil {
		return "", err
	}
	return out.RuleID, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
