/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package events

import (
	"context"
	"testing"
	"time"
)

func TestBusPublishSetsNewPhase(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	event, err := bus.Publish(ctx, PublishParams{
		Source:    "orchestrator",
		EventType: "execution.status_changed",
		Severity:  SeverityCritical,
		Summary:   "run moved to RUNNING",
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if event.Name == "" {
		t.Error("expected a generated event name")
	}
	if event.Phase != PhaseNew {
		t.Errorf("phase = %q, want new", event.Phase)
	}
}

func TestBusFindNewEventsReturnsAllUnconsumed(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	bus.Publish(ctx, PublishParams{Source: "orchestrator", EventType: "execution.status_changed", Severity: SeverityCritical, Summary: "a", TTL: time.Hour})
	bus.Publish(ctx, PublishParams{Source: "orchestrator", EventType: "execution.completed", Severity: SeverityWarning, Summary: "b", TTL: time.Hour})

	found, err := bus.FindNewEvents(ctx, SubscribeParams{ConsumerAgent: "receipts"})
	if err != nil {
		t.Fatalf("FindNewEvents error: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("found %d events, want 2", len(found))
	}
}

func TestBusFindNewEventsSeverityFilter(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	bus.Publish(ctx, PublishParams{Source: "orchestrator", EventType: "execution.failed", Severity: SeverityCritical, Summary: "critical", TTL: time.Hour})
	bus.Publish(ctx, PublishParams{Source: "orchestrator", EventType: "execution.status_changed", Severity: SeverityInfo, Summary: "info", TTL: time.Hour})

	found, err := bus.FindNewEvents(ctx, SubscribeParams{ConsumerAgent: "receipts", MinSeverity: SeverityWarning})
	if err != nil {
		t.Fatalf("FindNewEvents error: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("found %d events, want 1 (critical only)", len(found))
	}
}

func TestBusFindNewEventsExcludesAlreadyConsumed(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	event, _ := bus.Publish(ctx, PublishParams{Source: "orchestrator", EventType: "execution.completed", Severity: SeverityInfo, Summary: "done", TTL: time.Hour})

	if err := bus.Consume(ctx, event.Name, "receipts", "run-123"); err != nil {
		t.Fatalf("Consume error: %v", err)
	}

	found, err := bus.FindNewEvents(ctx, SubscribeParams{ConsumerAgent: "receipts"})
	if err != nil {
		t.Fatalf("FindNewEvents error: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("found %d events for receipts, want 0 (already consumed)", len(found))
	}

	found, err = bus.FindNewEvents(ctx, SubscribeParams{ConsumerAgent: "audit"})
	if err != nil {
		t.Fatalf("FindNewEvents error: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("found %d events for audit, want 1", len(found))
	}
}

func TestBusFindNewEventsRespectsTargetAgent(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	bus.Publish(ctx, PublishParams{
		Source: "orchestrator", EventType: "execution.failed", Severity: SeverityCritical,
		Summary: "needs rollback", TargetAgent: "receipts", TTL: time.Hour,
	})

	found, _ := bus.FindNewEvents(ctx, SubscribeParams{ConsumerAgent: "audit"})
	if len(found) != 0 {
		t.Errorf("audit found %d events, want 0 (targeted to receipts)", len(found))
	}

	found, _ = bus.FindNewEvents(ctx, SubscribeParams{ConsumerAgent: "receipts"})
	if len(found) != 1 {
		t.Errorf("receipts found %d events, want 1", len(found))
	}
}

func TestBusCleanExpiredRemovesOnlyExpiredEvents(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	bus.Publish(ctx, PublishParams{Source: "orchestrator", EventType: "execution.status_changed", Severity: SeverityInfo, Summary: "stale", TTL: time.Nanosecond})
	bus.Publish(ctx, PublishParams{Source: "orchestrator", EventType: "execution.status_changed", Severity: SeverityInfo, Summary: "fresh", TTL: time.Hour})

	time.Sleep(time.Millisecond)
	deleted, err := bus.CleanExpired(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanExpired error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}
}

func TestSeverityMeets(t *testing.T) {
	tests := []struct {
		actual, min Severity
		want        bool
	}{
		{SeverityCritical, SeverityCritical, true},
		{SeverityCritical, SeverityWarning, true},
		{SeverityCritical, SeverityInfo, true},
		{SeverityWarning, SeverityCritical, false},
		{SeverityInfo, SeverityWarning, false},
		{SeverityInfo, SeverityInfo, true},
	}
	for _, tt := range tests {
		got := severityMeets(tt.actual, tt.min)
		if got != tt.want {
			t.Errorf("severityMeets(%q, %q) = %v, want %v", tt.actual, tt.min, got, tt.want)
		}
	}
}
