/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package engine implements the orchestrator's direct MCP engine dispatch
// path (pipeline step 2): a fixed pair of named Razorpay tools, called
// straight through the MCP Go SDK's ClientSession rather than through a
// general discovery/registry layer, since this surface never grows beyond
// "payment link" and "refund". Grounded on the mechanism of the reference implementation's
// (now-deleted) internal/mcp/client.go — mcpsdk.NewClient,
// StreamableClientTransport, ClientSession.CallTool — narrowed to two
// named tools with hand-validated parameters instead of a discovered,
// open-ended tool registry.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ToolPaymentLink = "razorpay_mcp_payment_link"
	ToolRefund      = "razorpay_mcp_refund"
)

// allowedCurrencies is the design's fixed currency allow-list for payment
// links (the design's §4.9 step 2).
var allowedCurrencies = map[string]bool{"INR": true, "USD": true, "EUR": true}

// Params is the subset of orchestrator.EngineParams this package needs;
// kept separate from the orchestrator package to avoid a cyclic import
// between orchestrator and engine.
type Params struct {
	Amount    int64
	Currency  string
	PaymentID string
	Notes     string
}

// Result is the outcome of one engine dispatch.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// ValidateParams enforces the design's per-engine parameter rules before
// any network call is made: payment links require amount>0 and a
// supported currency; refunds require a "pay_"-prefixed payment_id and,
// if present, amount>0.
func ValidateParams(toolName string, p Params) error {
	switch toolName {
	case ToolPaymentLink:
		if p.Amount <= 0 {
			return fmt.Errorf("%s: amount must be > 0", toolName)
		}
		if !allowedCurrencies[p.Currency] {
			return fmt.Errorf("%s: currency %q is not one of INR, USD, EUR", toolName, p.Currency)
		}
	case ToolRefund:
		if !strings.HasPrefix(p.PaymentID, "pay_") {
			return fmt.Errorf("%s: payment_id must start with \"pay_\"", toolName)
		}
		if p.Amount != 0 && p.Amount <= 0 {
			return fmt.Errorf("%s: amount must be > 0 when present", toolName)
		}
	default:
		return fmt.Errorf("unrecognized MCP engine %q", toolName)
	}
	return nil
}

// Dispatcher calls a Razorpay MCP engine over a StreamableHTTP MCP
// transport reachable at Endpoint.
type Dispatcher struct {
	Endpoint string
	Mode     string // remote|stdio; stdio transports are not wired, see DESIGN.md
	client   *http.Client
}

// NewDispatcher builds a Dispatcher against a remote MCP endpoint.
func NewDispatcher(endpoint, mode string) *Dispatcher {
	return &Dispatcher{Endpoint: endpoint, Mode: mode, client: http.DefaultClient}
}

// Dispatch validates params, opens a short-lived MCP session, and calls
// toolName with the params as tool arguments.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, p Params) (*Result, error) {
	if err := ValidateParams(toolName, p); err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}

	impl := &mcpsdk.Implementation{Name: "capcore-orchestrator", Version: "1.0.0"}
	client := mcpsdk.NewClient(impl, nil)

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:             d.Endpoint,
		HTTPClient:           d.client,
		DisableStandaloneSSE: true,
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	defer session.Close()

	args := toolArguments(toolName, p)
	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", toolName, err)
	}

	output := extractText(callResult)
	if callResult.IsError {
		return &Result{Success: false, Output: output, Error: output}, nil
	}
	return &Result{Success: true, Output: output}, nil
}

func toolArguments(toolName string, p Params) map[string]any {
	switch toolName {
	case ToolPaymentLink:
		args := map[string]any{"amount": p.Amount, "currency": p.Currency}
		if p.Notes != "" {
			args["notes"] = p.Notes
		}
		return args
	case ToolRefund:
		args := map[string]any{"payment_id": p.PaymentID}
		if p.Amount > 0 {
			args["amount"] = p.Amount
		}
		return args
	default:
		return nil
	}
}

func extractText(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
