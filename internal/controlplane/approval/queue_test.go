package approval

import (
	"testing"
	"time"
)

func TestOpenAndGet(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	req, err := q.Open("confirm refund of 500 INR", "tenant-1", "actor-1", "run-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if req.Decision != DecisionPending {
		t.Fatalf("expected pending, got %s", req.Decision)
	}

	got, ok := q.Get(req.ID)
	if !ok {
		t.Fatal("expected to find request")
	}
	if got.Tenant != "tenant-1" {
		t.Fatalf("expected tenant-1, got %s", got.Tenant)
	}
}

func TestApprove(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	req, _ := q.Open("confirm refund", "tenant-1", "actor-1", "run-1", nil)
	decided, err := q.Decide(req.ID, DecisionApproved, "keith")
	if err != nil {
		t.Fatal(err)
	}
	if decided.Decision != DecisionApproved {
		t.Fatalf("expected approved, got %s", decided.Decision)
	}
	if decided.DecidedBy != "keith" {
		t.Fatalf("expected keith, got %s", decided.DecidedBy)
	}
}

func TestReject(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	req, _ := q.Open("confirm large payout", "tenant-1", "actor-1", "run-2", nil)
	decided, err := q.Decide(req.ID, DecisionRejected, "keith")
	if err != nil {
		t.Fatal(err)
	}
	if decided.Decision != DecisionRejected {
		t.Fatalf("expected rejected, got %s", decided.Decision)
	}
}

func TestExpiry(t *testing.T) {
	q := NewQueue(50*time.Millisecond, 100)

	req, _ := q.Open("confirm step", "tenant-1", "actor-1", "run-3", nil)

	time.Sleep(100 * time.Millisecond)

	// Trying to decide should fail with expiry.
	_, err := q.Decide(req.ID, DecisionApproved, "keith")
	if err == nil {
		t.Fatal("expected error for expired request")
	}

	got, ok := q.Get(req.ID)
	if !ok {
		t.Fatal("expected to find expired request")
	}
	if got.Decision != DecisionExpired {
		t.Fatalf("expected expired, got %s", got.Decision)
	}
}

func TestDoubleDecide(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	req, _ := q.Open("confirm step", "tenant-1", "actor-1", "run-4", nil)
	_, err := q.Decide(req.ID, DecisionApproved, "keith")
	if err != nil {
		t.Fatal(err)
	}

	_, err = q.Decide(req.ID, DecisionRejected, "someone-else")
	if err == nil {
		t.Fatal("expected error for double-decide")
	}
}

func TestPendingList(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	q.Open("step1", "tenant-1", "actor-1", "run-a", nil)
	q.Open("step2", "tenant-1", "actor-1", "run-b", nil)
	req3, _ := q.Open("step3", "tenant-1", "actor-1", "run-c", nil)

	q.Decide(req3.ID, DecisionApproved, "keith")

	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(5*time.Minute, 2)

	q.Open("step1", "tenant-1", "actor-1", "run-a", nil)
	q.Open("step2", "tenant-1", "actor-1", "run-b", nil)

	_, err := q.Open("step3", "tenant-1", "actor-1", "run-c", nil)
	if err == nil {
		t.Fatal("expected queue full error")
	}
}

func TestWaitApproved(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	req, _ := q.Open("confirm refund", "tenant-1", "actor-1", "run-5", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Decide(req.ID, DecisionApproved, "keith")
	}()

	result, err := q.Wait(req.ID, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if result != "approved" {
		t.Fatalf("expected approved, got %s", result)
	}
}

func TestWaitRejected(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	req, _ := q.Open("confirm refund", "tenant-1", "actor-1", "run-6", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Decide(req.ID, DecisionRejected, "keith")
	}()

	result, err := q.Wait(req.ID, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if result != "rejected" {
		t.Fatalf("expected rejected, got %s", result)
	}
}

func TestWaitTimesOut(t *testing.T) {
	q := NewQueue(5*time.Minute, 100)

	req, _ := q.Open("confirm refund", "tenant-1", "actor-1", "run-7", nil)

	result, err := q.Wait(req.ID, 50*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if result != "timeout" {
		t.Fatalf("expected timeout, got %s", result)
	}

	current, ok := q.Get(req.ID)
	if !ok {
		t.Fatal("request disappeared")
	}
	if current.Decision != DecisionPending {
		t.Fatalf("expected still pending after wait's own timeout, got %s", current.Decision)
	}
}

func TestWaitReturnsTimeoutWhenRequestItselfExpires(t *testing.T) {
	q := NewQueue(50*time.Millisecond, 100)

	req, _ := q.Open("confirm refund", "tenant-1", "actor-1", "run-8", nil)

	result, err := q.Wait(req.ID, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if result != "timeout" {
		t.Fatalf("expected timeout once the request's own TTL lapses, got %s", result)
	}
}
