package anomaly

import (
	"testing"
	"time"
)

func TestDetectAnomaliesScopeSpike(t *testing.T) {
	now := time.Now().UTC()
	history := []Invocation{
		{Subject: "watchman", Timestamp: now.Add(-10 * time.Minute), ToolCount: 2},
		{Subject: "watchman", Timestamp: now.Add(-8 * time.Minute), ToolCount: 3},
		{Subject: "watchman", Timestamp: now.Add(-6 * time.Minute), ToolCount: 2},
	}
	current := Invocation{Subject: "watchman", Timestamp: now, ToolCount: 10}

	signals := detectAnomalies(current, history, Config{
		Lookback:             1 * time.Hour,
		FrequencyWindow:      30 * time.Minute,
		FrequencyThreshold:   100,
		ScopeSpikeMultiplier: 2.0,
		MinScopeSpikeDelta:   3,
	})

	if !hasSignal(signals, "scope-spike") {
		t.Fatalf("expected scope-spike signal, got %#v", signals)
	}
}

func TestDetectAnomaliesTargetDrift(t *testing.T) {
	now := time.Now().UTC()
	history := []Invocation{
		{Subject: "watchman", Timestamp: now.Add(-50 * time.Minute), ToolNames: []string{"pods.list", "services.list"}},
		{Subject: "watchman", Timestamp: now.Add(-40 * time.Minute), ToolNames: []string{"pods.list"}},
		{Subject: "watchman", Timestamp: now.Add(-30 * time.Minute), ToolNames: []string{"deployments.list"}},
		{Subject: "watchman", Timestamp: now.Add(-20 * time.Minute), ToolNames: []string{"pods.list"}},
		{Subject: "watchman", Timestamp: now.Add(-10 * time.Minute), ToolNames: []string{"services.list"}},
	}
	current := Invocation{Subject: "watchman", Timestamp: now, ToolNames: []string{"database.query", "pods.list"}}

	signals := detectAnomalies(current, history, Config{
		Lookback:              2 * time.Hour,
		FrequencyWindow:       30 * time.Minute,
		FrequencyThreshold:    100,
		ScopeSpikeMultiplier:  100,
		MinScopeSpikeDelta:    100,
		TargetDriftMinSamples: 5,
	})

	if !hasSignal(signals, "target-drift") {
		t.Fatalf("expected target-drift signal, got %#v", signals)
	}
}

func TestDetectAnomaliesFrequencySpike(t *testing.T) {
	now := time.Now().UTC()
	history := []Invocation{
		{Subject: "watchman", Timestamp: now.Add(-20 * time.Minute)},
		{Subject: "watchman", Timestamp: now.Add(-10 * time.Minute)},
	}
	current := Invocation{Subject: "watchman", Timestamp: now}

	signals := detectAnomalies(current, history, Config{
		Lookback:           1 * time.Hour,
		FrequencyWindow:    30 * time.Minute,
		FrequencyThreshold: 2,
	})

	if !hasSignal(signals, "frequency-spike") {
		t.Fatalf("expected frequency-spike signal, got %#v", signals)
	}
}

func TestRecordInvocationDispatchesToHandler(t *testing.T) {
	var received []Signal
	d := New(Config{
		Lookback: time.Hour, FrequencyWindow: 30 * time.Minute, FrequencyThreshold: 2,
	}, func(s Signal) { received = append(received, s) })

	for i := 0; i < 4; i++ {
		d.RecordInvocation(Invocation{Subject: "watchman", ToolCount: 1})
	}

	if len(received) == 0 {
		t.Fatal("expected at least one dispatched signal after exceeding frequency threshold")
	}
}

func TestRecordInvocationHistoryIsBounded(t *testing.T) {
	d := New(Config{MaxHistoryPerSubject: 3}, nil)
	for i := 0; i < 10; i++ {
		d.RecordInvocation(Invocation{Subject: "watchman", ToolCount: 1})
	}
	if len(d.history["watchman"]) != 3 {
		t.Errorf("expected history capped at 3, got %d", len(d.history["watchman"]))
	}
}

func hasSignal(signals []Signal, typ string) bool {
	for _, signal := range signals {
		if signal.Type == typ {
			return true
		}
	}
	return false
}
