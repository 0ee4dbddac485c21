/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package events implements the plan-execution event bus. The orchestrator
// publishes Event values (execution.status_changed, execution.completed,
// execution.failed, ...) as run state transitions; approval/notification
// consumers poll for events addressed to them and mark them consumed.
//
// Event lifecycle: New → Consumed → (TTL expiry → pruned). Grounded on
// internal/events/bus.go's Publish/Consume/FindNewEvents/CleanExpired shape,
// with the CRD-backed persistence replaced by an in-memory, mutex-protected
// slice since nothing in this module talks to a Kubernetes API server.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity ranks an event's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Phase tracks whether an event still needs delivery.
type Phase string

const (
	PhaseNew       Phase = "new"
	PhaseConsumed  Phase = "consumed"
	PhaseExpired   Phase = "expired"
)

// Consumer records that one named consumer has seen an event.
type Consumer struct {
	Name       string
	ConsumedAt time.Time
}

// Event is one published lifecycle notification.
type Event struct {
	Name        string
	EventType   string
	Severity    Severity
	Source      string // e.g. "orchestrator"
	TargetAgent string // empty = broadcast to all consumers
	Summary     string
	Detail      string
	Labels      map[string]string
	TTL         time.Duration
	CreatedAt   time.Time

	Phase         Phase
	ConsumedBy    []Consumer
	TriggeredRuns []string
}

// Bus is an in-process publish/subscribe store for plan-execution events.
type Bus struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{events: make(map[string]*Event)}
}

// PublishParams describes a new event to publish.
type PublishParams struct {
	Source      string
	EventType   string
	Severity    Severity
	Summary     string
	Detail      string
	TargetAgent string
	Labels      map[string]string
	TTL         time.Duration
}

// Publish records a new event and returns it.
func (b *Bus) Publish(_ context.Context, params PublishParams) (*Event, error) {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	event := &Event{
		Name:        fmt.Sprintf("%s-event-%s", params.Source, uuid.New().String()),
		EventType:   params.EventType,
		Severity:    params.Severity,
		Source:      params.Source,
		TargetAgent: params.TargetAgent,
		Summary:     params.Summary,
		Detail:      params.Detail,
		Labels:      params.Labels,
		TTL:         ttl,
		CreatedAt:   time.Now().UTC(),
		Phase:       PhaseNew,
	}

	b.mu.Lock()
	b.events[event.Name] = event
	b.mu.Unlock()

	return event, nil
}

// Consume marks event as seen by consumerAgent and optionally records the run it triggered.
func (b *Bus) Consume(_ context.Context, eventName, consumerAgent, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	event, ok := b.events[eventName]
	if !ok {
		return fmt.Errorf("event %s not found", eventName)
	}

	event.ConsumedBy = append(event.ConsumedBy, Consumer{Name: consumerAgent, ConsumedAt: time.Now().UTC()})
	if runID != "" {
		event.TriggeredRuns = append(event.TriggeredRuns, runID)
	}
	event.Phase = PhaseConsumed
	return nil
}

// SubscribeParams filters FindNewEvents.
type SubscribeParams struct {
	ConsumerAgent string
	EventType     string
	Source        string
	MinSeverity   Severity
}

// FindNewEvents returns events matching params that consumerAgent has not yet consumed.
func (b *Bus) FindNewEvents(_ context.Context, params SubscribeParams) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	var matched []Event
	for _, event := range b.events {
		if now.Sub(event.CreatedAt) > event.TTL {
			continue
		}
		if params.EventType != "" && event.EventType != params.EventType {
			continue
		}
		if params.Source != "" && event.Source != params.Source {
			continue
		}
		if event.TargetAgent != "" && event.TargetAgent != params.ConsumerAgent {
			continue
		}
		if params.MinSeverity != "" && !severityMeets(event.Severity, params.MinSeverity) {
			continue
		}

		alreadyConsumed := false
		for _, c := range event.ConsumedBy {
			if c.Name == params.ConsumerAgent {
				alreadyConsumed = true
				break
			}
		}
		if alreadyConsumed {
			continue
		}

		matched = append(matched, *event)
	}

	return matched, nil
}

// CleanExpired deletes events whose TTL has elapsed and returns the count removed.
func (b *Bus) CleanExpired(_ context.Context, defaultTTL time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	deleted := 0
	for name, event := range b.events {
		ttl := event.TTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		if now.Sub(event.CreatedAt) > ttl {
			delete(b.events, name)
			deleted++
		}
	}
	return deleted, nil
}

func severityMeets(actual, minimum Severity) bool {
	order := map[Severity]int{SeverityInfo: 0, SeverityWarning: 1, SeverityCritical: 2}
	return order[actual] >= order[minimum]
}
