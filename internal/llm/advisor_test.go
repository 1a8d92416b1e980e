package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/execution"
)

func testAlert(t *testing.T) *alert.Event {
	t.Helper()
	ev, err := alert.Parse([]byte(`{
		"@timestamp": "2026-03-01T10:00:00Z",
		"event": {"kind": "alert", "category": ["malware"], "severity": 80},
		"host": {"hostname": "ws-042"},
		"threat": {"framework": "MITRE ATT&CK", "technique": [{"id": "T1486"}]}
	}`))
	if err != nil {
		t.Fatalf("parse alert: %v", err)
	}
	return ev
}

func TestSuggestRunbookPicksCandidate(t *testing.T) {
	mock := NewMockProviderSimple("")
	mock.QueueResponse(&CompletionResponse{
		Content: "Here you go:\n```json\n{\"runbook_id\": \"rb-ransomware\", \"confidence\": \"high\", \"rationale\": \"encryption activity\"}\n```",
	})
	adv := NewAdvisor(mock, 256, nil, nil)

	got, err := adv.SuggestRunbook(context.Background(), testAlert(t), []Candidate{
		{ID: "rb-phishing", Name: "Phishing triage"},
		{ID: "rb-ransomware", Name: "Ransomware response", Techniques: []string{"T1486"}},
	})
	if err != nil {
		t.Fatalf("SuggestRunbook: %v", err)
	}
	if got.RunbookID != "rb-ransomware" || got.Confidence != "high" {
		t.Errorf("suggestion = %+v", got)
	}
	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "rb-ransomware") || !strings.Contains(calls[0].Prompt, "T1486") {
		t.Errorf("prompt missing candidate detail:\n%s", calls[0].Prompt)
	}
}

func TestSuggestRunbookRejectsUnknownPick(t *testing.T) {
	mock := NewMockProviderSimple("")
	mock.QueueResponse(&CompletionResponse{Content: `{"runbook_id": "rb-imaginary", "confidence": "high"}`})
	adv := NewAdvisor(mock, 256, nil, nil)

	_, err := adv.SuggestRunbook(context.Background(), testAlert(t), []Candidate{{ID: "rb-a", Name: "A"}})
	if err == nil || !strings.Contains(err.Error(), "unknown runbook") {
		t.Fatalf("err = %v", err)
	}
}

func TestSuggestRunbookNonePick(t *testing.T) {
	mock := NewMockProviderSimple("")
	mock.QueueResponse(&CompletionResponse{Content: `{"runbook_id": "none"}`})
	adv := NewAdvisor(mock, 256, nil, nil)

	_, err := adv.SuggestRunbook(context.Background(), testAlert(t), []Candidate{{ID: "rb-a", Name: "A"}})
	if err == nil {
		t.Fatal("expected error for none pick")
	}
}

func TestSuggestRunbookPropagatesProviderError(t *testing.T) {
	mock := NewMockProviderSimple("")
	mock.QueueError(&Error{Code: CodeRateLimit, Message: "429"})
	adv := NewAdvisor(mock, 256, nil, nil)

	_, err := adv.SuggestRunbook(context.Background(), testAlert(t), []Candidate{{ID: "rb-a", Name: "A"}})
	if err == nil || !strings.Contains(err.Error(), "rate_limit") {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizeExecution(t *testing.T) {
	mock := NewMockProviderSimple("")
	mock.QueueResponse(&CompletionResponse{Content: "  Host ws-042 was isolated after a ransomware alert.  "})
	adv := NewAdvisor(mock, 256, nil, nil)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	exec := execution.New("rb-ransomware", "1.2.0", "Ransomware response", actions.ModeProduction, actions.L1, nil, now)
	exec.Results = []execution.StepResult{
		{StepID: "isolate", Action: "isolate_host", Executor: "edr", Success: true},
		{StepID: "notify", Action: "send_notification", Executor: "slack", Success: false,
			Error: &execution.StepError{Message: "channel not found"}},
	}

	got, err := adv.SummarizeExecution(context.Background(), exec, testAlert(t))
	if err != nil {
		t.Fatalf("SummarizeExecution: %v", err)
	}
	if got != "Host ws-042 was isolated after a ransomware alert." {
		t.Errorf("summary = %q", got)
	}
	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "channel not found") {
		t.Errorf("prompt missing step failure:\n%s", calls[0].Prompt)
	}
}

func TestDisabledAdvisor(t *testing.T) {
	var adv *Advisor
	if adv.Enabled() {
		t.Error("nil advisor reported enabled")
	}
	if _, err := adv.SuggestRunbook(context.Background(), testAlert(t), []Candidate{{ID: "x"}}); err != ErrDisabled {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}
