package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/detectforge/responder/internal/actions"
)

func testDetails() Details {
	return Details{
		RequestID:   "req-1",
		ExecutionID: "exec-1",
		RunbookID:   "rb-contain",
		RunbookName: "Contain compromised host",
		StepID:      "isolate",
		StepName:    "Isolate workstation",
		Action:      actions.IsolateHost,
		Parameters:  map[string]any{"hostname": "ws-042"},
		RiskLevel:   "high",
		Message:     "isolate_host requires approval at L1",
	}
}

func TestRequestApproved(t *testing.T) {
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		if d.StepID != "isolate" {
			t.Errorf("prompt got step %q", d.StepID)
		}
		return Decision{Approved: true, Approver: "a", Reason: "confirmed"}, nil
	}

	rec, err := Request(context.Background(), testDetails(), prompt, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Status != StatusApproved {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.Approver != "a" || rec.Reason != "confirmed" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.RespondedAt.IsZero() {
		t.Fatal("responded_at not stamped")
	}
}

func TestRequestDenied(t *testing.T) {
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		return Decision{Approved: false, Approver: "b", Reason: "false positive"}, nil
	}

	rec, err := Request(context.Background(), testDetails(), prompt, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Status != StatusDenied {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.Approver != "b" {
		t.Fatalf("approver = %s", rec.Approver)
	}
}

func TestTimeoutHalt(t *testing.T) {
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}

	rec, err := Request(context.Background(), testDetails(), prompt, Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", rec.Status)
	}
	if rec.Reason != "halt" {
		t.Fatalf("reason = %q, want halt", rec.Reason)
	}
	if rec.DurationMS < 50 {
		t.Fatalf("duration_ms = %d, must cover the wait", rec.DurationMS)
	}
}

func TestTimeoutSkip(t *testing.T) {
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}

	rec, err := Request(context.Background(), testDetails(), prompt, Options{
		Timeout:  50 * time.Millisecond,
		Behavior: BehaviorSkip,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Status != StatusExpired || rec.Reason != "skip" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestTimeoutAutoApprove(t *testing.T) {
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}

	rec, err := Request(context.Background(), testDetails(), prompt, Options{
		Timeout:  50 * time.Millisecond,
		Behavior: BehaviorAutoApprove,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Status != StatusApproved {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.Approver != AutoApprover {
		t.Fatalf("approver = %q, want %q", rec.Approver, AutoApprover)
	}
}

func TestPromptErrorRethrown(t *testing.T) {
	boom := errors.New("slack transport down")
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		return Decision{}, boom
	}

	_, err := Request(context.Background(), testDetails(), prompt, Options{Timeout: time.Second})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want prompt error", err)
	}
}

func TestCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}

	done := make(chan struct{})
	var err error
	go func() {
		_, err = Request(ctx, testDetails(), prompt, Options{Timeout: time.Hour})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Request did not return on caller cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDecisionWinsRaceAgainstLateTimeout(t *testing.T) {
	prompt := func(ctx context.Context, d Details) (Decision, error) {
		time.Sleep(30 * time.Millisecond)
		return Decision{Approved: true, Approver: "a"}, nil
	}

	rec, err := Request(context.Background(), testDetails(), prompt, Options{Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Status != StatusApproved || rec.Approver != "a" {
		t.Fatalf("record = %+v", rec)
	}
}
