/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anumate/capcore/internal/violationreport"
)

func testAlert(severity string) violationreport.Alert {
	return violationreport.Alert{
		Kind:     "policy_violation",
		Severity: severity,
		Message:  "test message",
		Violation: violationreport.Violation{
			PolicyName: "prod-billing",
			RuleName:   "r1",
			Subject:    "alice",
			Timestamp:  time.Date(2026, 2, 20, 22, 0, 0, 0, time.UTC),
		},
	}
}

func TestSlackChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#alerts")
	err := ch.Send(context.Background(), testAlert("CRITICAL"))

	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["channel"] != "#alerts" {
		t.Errorf("channel = %v, want #alerts", received["channel"])
	}
	text, _ := received["text"].(string)
	if text == "" {
		t.Error("expected text in payload")
	}
}

func TestTelegramChannel_Type(t *testing.T) {
	ch := &TelegramChannel{BotToken: "fake-token", ChatID: "12345", client: &http.Client{Timeout: 5 * time.Second}}
	if ch.Type() != "telegram" {
		t.Errorf("Type() = %q, want telegram", ch.Type())
	}
}

func TestWebhookChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)

		if r.Header.Get("X-Custom") != "test-value" {
			t.Errorf("missing custom header")
		}

		w.WriteHeader(200)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, map[string]string{"X-Custom": "test-value"})
	err := ch.Send(context.Background(), testAlert("HIGH"))

	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["policy"] != "prod-billing" {
		t.Errorf("policy = %v, want prod-billing", received["policy"])
	}
	if received["severity"] != "HIGH" {
		t.Errorf("severity = %v, want HIGH", received["severity"])
	}
}

func TestWebhookChannel_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte("internal error"))
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, nil)
	err := ch.Send(context.Background(), testAlert("LOW"))

	if err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("watchman") {
			t.Errorf("call %d should be allowed", i+1)
		}
	}

	if rl.Allow("watchman") {
		t.Error("4th call should be rate-limited")
	}

	if !rl.Allow("forge") {
		t.Error("different key should be allowed")
	}
}

func TestRateLimiter_PerKey(t *testing.T) {
	rl := NewRateLimiter(1)

	rl.Allow("agent-a")
	rl.Allow("agent-b")

	if rl.Allow("agent-a") {
		t.Error("agent-a should be rate-limited")
	}
	if rl.Allow("agent-b") {
		t.Error("agent-b should be rate-limited")
	}
}

type countingChannel struct {
	typ   string
	calls int
}

func (c *countingChannel) Type() string { return c.typ }
func (c *countingChannel) Send(ctx context.Context, alert violationreport.Alert) error {
	c.calls++
	return nil
}

func TestRateLimitedChannel_DropsOverBudget(t *testing.T) {
	inner := &countingChannel{typ: "fake"}
	rl := NewRateLimiter(2)
	ch := NewRateLimitedChannel(inner, rl)

	for i := 0; i < 5; i++ {
		if err := ch.Send(context.Background(), testAlert("HIGH")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if inner.calls != 2 {
		t.Errorf("expected inner channel to receive only 2 calls, got %d", inner.calls)
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"CRITICAL", "\U0001F534"},
		{"HIGH", "\U0001F7E0"},
		{"MEDIUM", "\U0001F7E1"},
		{"LOW", "\U0001F535"},
		{"unknown", "\U0001F535"},
	}
	for _, tt := range tests {
		got := severityEmoji(tt.severity)
		if got != tt.want {
			t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	input := "Hello *world* [test](link) _under_"
	escaped := escapeMarkdown(input)
	if escaped == input {
		t.Error("expected markdown to be escaped")
	}
	if !contains(escaped, "\\*") {
		t.Error("expected * to be escaped")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
