package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/detectforge/responder/internal/actions"
)

func newTestApproval(executionID string, expiresIn time.Duration) *ApprovalEntry {
	return &ApprovalEntry{
		RequestID:   uuid.NewString(),
		ExecutionID: executionID,
		RunbookID:   "rb-contain",
		StepID:      "isolate",
		StepName:    "Isolate workstation",
		Action:      actions.IsolateHost,
		Parameters:  map[string]any{"hostname": "ws-042"},
		RequestedAt: testStart,
		ExpiresAt:   testStart.Add(expiresIn),
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestApproval("exec-1", time.Hour)
	e.Simulation = map[string]any{"would_isolate": "ws-042"}
	if err := s.EnqueueApproval(ctx, e); err != nil {
		t.Fatalf("EnqueueApproval: %v", err)
	}

	got, err := s.GetApproval(ctx, e.RequestID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.Status != ApprovalPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Action != actions.IsolateHost {
		t.Fatalf("action = %s", got.Action)
	}
	if got.Parameters["hostname"] != "ws-042" {
		t.Fatalf("parameters = %+v", got.Parameters)
	}
	if got.Simulation["would_isolate"] != "ws-042" {
		t.Fatalf("simulation = %+v", got.Simulation)
	}
	if !got.ExpiresAt.Equal(testStart.Add(time.Hour)) {
		t.Fatalf("expires_at = %v", got.ExpiresAt)
	}
}

func TestApprovalKindPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gate := newTestApproval("exec-1", time.Hour)
	gate.Kind = ApprovalKindGate
	if err := s.EnqueueApproval(ctx, gate); err != nil {
		t.Fatalf("EnqueueApproval: %v", err)
	}

	// Entries that do not say otherwise are queued promotions.
	promo := newTestApproval("exec-1", time.Hour)
	if err := s.EnqueueApproval(ctx, promo); err != nil {
		t.Fatalf("EnqueueApproval: %v", err)
	}

	got, err := s.GetApproval(ctx, gate.RequestID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.Kind != ApprovalKindGate {
		t.Fatalf("kind = %s, want gate", got.Kind)
	}

	got, err = s.GetApproval(ctx, promo.RequestID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.Kind != ApprovalKindPromotion {
		t.Fatalf("kind = %s, want promotion", got.Kind)
	}
}

func TestGetApprovalNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetApproval(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDecideApprovalApprove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestApproval("exec-2", time.Hour)
	if err := s.EnqueueApproval(ctx, e); err != nil {
		t.Fatalf("EnqueueApproval: %v", err)
	}

	decided, err := s.DecideApproval(ctx, e.RequestID, true, "analyst@example.com", "confirmed malicious", testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}
	if decided.Status != ApprovalApproved {
		t.Fatalf("status = %s, want approved", decided.Status)
	}
	if decided.Approver != "analyst@example.com" {
		t.Fatalf("approver = %s", decided.Approver)
	}
	if decided.DecidedAt == nil {
		t.Fatal("decided_at not set")
	}

	// Second decision is rejected.
	_, err = s.DecideApproval(ctx, e.RequestID, false, "other", "", testStart.Add(2*time.Minute))
	if !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("err = %v, want ErrAlreadyDecided", err)
	}
}

func TestDecideApprovalDeny(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestApproval("exec-3", time.Hour)
	if err := s.EnqueueApproval(ctx, e); err != nil {
		t.Fatalf("EnqueueApproval: %v", err)
	}

	decided, err := s.DecideApproval(ctx, e.RequestID, false, "analyst", "false positive", testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}
	if decided.Status != ApprovalDenied {
		t.Fatalf("status = %s, want denied", decided.Status)
	}
	if decided.Reason != "false positive" {
		t.Fatalf("reason = %s", decided.Reason)
	}
}

func TestDecideApprovalAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestApproval("exec-4", time.Minute)
	if err := s.EnqueueApproval(ctx, e); err != nil {
		t.Fatalf("EnqueueApproval: %v", err)
	}

	// The decision arrives after expires_at: no effect, entry flips to expired.
	_, err := s.DecideApproval(ctx, e.RequestID, true, "late-analyst", "", testStart.Add(2*time.Minute))
	if !errors.Is(err, ErrApprovalExpired) {
		t.Fatalf("err = %v, want ErrApprovalExpired", err)
	}

	got, err := s.GetApproval(ctx, e.RequestID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.Status != ApprovalExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if got.Approver != "" {
		t.Fatalf("approver = %q, late decision must not be recorded", got.Approver)
	}
}

func TestExpireApprovalsSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestApproval("exec-5", time.Minute)
	fresh := newTestApproval("exec-5", time.Hour)
	for _, e := range []*ApprovalEntry{old, fresh} {
		if err := s.EnqueueApproval(ctx, e); err != nil {
			t.Fatalf("EnqueueApproval: %v", err)
		}
	}

	expired, err := s.ExpireApprovals(ctx, testStart.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ExpireApprovals: %v", err)
	}
	if len(expired) != 1 || expired[0].RequestID != old.RequestID {
		t.Fatalf("expired = %+v", expired)
	}

	pending, err := s.PendingApprovals(ctx)
	if err != nil {
		t.Fatalf("PendingApprovals: %v", err)
	}
	if len(pending) != 1 || pending[0].RequestID != fresh.RequestID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestListApprovalsOrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	second := newTestApproval("exec-6", time.Hour)
	second.RequestedAt = testStart.Add(time.Minute)
	first := newTestApproval("exec-6", time.Hour)

	if err := s.EnqueueApproval(ctx, second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if err := s.EnqueueApproval(ctx, first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}

	got, err := s.ListApprovals(ctx, ApprovalPending, 0)
	if err != nil {
		t.Fatalf("ListApprovals: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].RequestID != first.RequestID {
		t.Fatal("expected oldest request first")
	}
}

func TestMarkExecutedPromotesApprovedEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newTestApproval("exec-7", time.Hour)
	if err := s.EnqueueApproval(ctx, e); err != nil {
		t.Fatalf("EnqueueApproval: %v", err)
	}

	if _, err := s.MarkExecuted(ctx, e.RequestID, testStart.Add(time.Minute)); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("MarkExecuted on pending entry: err = %v, want ErrAlreadyDecided", err)
	}

	if _, err := s.DecideApproval(ctx, e.RequestID, true, "analyst@example.com", "", testStart.Add(time.Minute)); err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}

	promoted, err := s.MarkExecuted(ctx, e.RequestID, testStart.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	if promoted.Status != ApprovalExecuted {
		t.Fatalf("status = %s, want executed", promoted.Status)
	}
	if promoted.Approver != "analyst@example.com" {
		t.Fatalf("approver = %q, promotion must keep the decision record", promoted.Approver)
	}

	got, err := s.GetApproval(ctx, e.RequestID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.Status != ApprovalExecuted {
		t.Fatalf("persisted status = %s, want executed", got.Status)
	}
}
