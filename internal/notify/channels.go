/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify implements the concrete delivery channels used by
// internal/violationreport to dispatch policy-violation alerts to Slack,
// Telegram, email, and generic webhooks. Its Channel/RateLimiter shape is
// carried over from the agent-finding notification system this module
// started as; routing and escalation now live in violationreport.AlertRule,
// so only delivery and rate limiting remain here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/anumate/capcore/internal/violationreport"
)

// --- Slack ---

// SlackChannel sends violation alerts to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string // optional override
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert violationreport.Alert) error {
	emoji := severityEmoji(alert.Severity)
	text := fmt.Sprintf("%s *[%s] %s* — %s", emoji, strings.ToUpper(alert.Severity), alert.Violation.PolicyName, alert.Message)

	payload := map[string]interface{}{
		"text": text,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- Telegram ---

// TelegramChannel sends violation alerts via Telegram Bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	client   *http.Client
}

// NewTelegramChannel creates a Telegram notification channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Type() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, alert violationreport.Alert) error {
	emoji := severityEmoji(alert.Severity)
	text := fmt.Sprintf("%s *\\[%s\\] %s*\n%s",
		emoji,
		strings.ToUpper(escapeMarkdown(alert.Severity)),
		escapeMarkdown(alert.Violation.PolicyName),
		escapeMarkdown(alert.Message),
	)

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	payload := map[string]interface{}{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- Email ---

// EmailChannel sends violation alerts via SMTP.
type EmailChannel struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(host string, port int, from string, to []string, username, password string) *EmailChannel {
	return &EmailChannel{
		Host:     host,
		Port:     port,
		From:     from,
		To:       to,
		Username: username,
		Password: password,
	}
}

func (e *EmailChannel) Type() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, alert violationreport.Alert) error {
	subject := fmt.Sprintf("[capcore %s] %s — %s", strings.ToUpper(alert.Severity), alert.Violation.PolicyName, alert.AlertRuleName)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\n\nPolicy: %s\nRule: %s\nSubject: %s\nTime: %s",
		e.From,
		strings.Join(e.To, ","),
		subject,
		alert.Message,
		alert.Violation.PolicyName,
		alert.Violation.RuleName,
		alert.Violation.Subject,
		alert.Violation.Timestamp.Format(time.RFC3339),
	)

	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	return smtp.SendMail(addr, auth, e.From, e.To, []byte(body))
}

// --- Webhook ---

// WebhookChannel sends JSON violation alerts to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string // optional auth headers
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, alert violationreport.Alert) error {
	payload := map[string]interface{}{
		"kind":        alert.Kind,
		"severity":    alert.Severity,
		"policy":      alert.Violation.PolicyName,
		"rule":        alert.Violation.RuleName,
		"subject":     alert.Violation.Subject,
		"tenant_id":   alert.Violation.TenantID,
		"message":     alert.Message,
		"alert_rule":  alert.AlertRuleName,
		"escalation":  alert.EscalationInfo,
		"timestamp":   alert.Violation.Timestamp.Format(time.RFC3339),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- Rate limiting wrapper ---

// RateLimiter caps how often a given key (e.g. a channel name or alert
// rule ID) may fire within a rolling hour, independent of any rate limit
// configured on the owning AlertRule — a second line of defense against
// a misconfigured rule flooding a channel.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per key.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
	}
}

// Allow reports whether key is still within its rolling-hour budget, and
// records the attempt if so.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0)
	for _, t := range rl.counts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		rl.counts[key] = recent
		return false
	}

	rl.counts[key] = append(recent, now)
	return true
}

// RateLimitedChannel wraps a Channel, dropping sends once its limiter's
// budget for the channel's Type() is exhausted for the hour.
type RateLimitedChannel struct {
	violationreport.Channel
	limiter *RateLimiter
}

// NewRateLimitedChannel wraps ch with limiter, keyed by ch.Type().
func NewRateLimitedChannel(ch violationreport.Channel, limiter *RateLimiter) *RateLimitedChannel {
	return &RateLimitedChannel{Channel: ch, limiter: limiter}
}

func (c *RateLimitedChannel) Send(ctx context.Context, alert violationreport.Alert) error {
	if !c.limiter.Allow(c.Channel.Type()) {
		return nil
	}
	return c.Channel.Send(ctx, alert)
}

// --- Helpers ---

func severityEmoji(severity string) string {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return "\U0001F534"
	case "HIGH":
		return "\U0001F7E0"
	case "MEDIUM":
		return "\U0001F7E1"
	default:
		return "\U0001F535"
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}
