package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/metrics"
)

// Candidate is one runbook the advisor may suggest.
type Candidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Techniques  []string `json:"techniques,omitempty"`
}

// Suggestion is the advisor's pick for an unmatched alert. It is advisory:
// the caller decides whether execution may proceed without confirmation.
type Suggestion struct {
	RunbookID  string `json:"runbook_id"`
	Confidence string `json:"confidence"`
	Rationale  string `json:"rationale"`
}

const suggestSystem = `You are a security operations assistant. Given a detection alert and a list of available response runbooks, pick the single most appropriate runbook. Respond with JSON only, no prose: {"runbook_id": "...", "confidence": "high|medium|low", "rationale": "one sentence"}. If none fit, use runbook_id "none".`

const summarizeSystem = `You are a security operations assistant. Summarize the following incident response execution for an analyst handoff note. Two to four sentences, plain text, no markdown. State what triggered it, what was done, and the outcome.`

// Advisor wraps a provider with the two advisory operations the engine
// uses. A nil Advisor is disabled; every method degrades to a no-op error.
type Advisor struct {
	provider  Provider
	maxTokens int
	logger    *zap.Logger
	metrics   *metrics.Set
}

// NewAdvisor builds an advisor around a provider. logger may be nil.
func NewAdvisor(provider Provider, maxTokens int, logger *zap.Logger, set *metrics.Set) *Advisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{provider: provider, maxTokens: maxTokens, logger: logger, metrics: set}
}

// Enabled reports whether the advisor can serve requests.
func (a *Advisor) Enabled() bool {
	return a != nil && a.provider != nil
}

// ErrDisabled is returned when no provider is configured.
var ErrDisabled = errors.New("llm advisor disabled")

// SuggestRunbook asks the provider to pick a runbook for an alert that had
// no direct match. The returned suggestion always names one of the given
// candidates.
func (a *Advisor) SuggestRunbook(ctx context.Context, ev *alert.Event, candidates []Candidate) (*Suggestion, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	if len(candidates) == 0 {
		return nil, errors.New("no candidates")
	}

	var prompt strings.Builder
	prompt.WriteString("Alert:\n")
	prompt.WriteString(compactAlert(ev))
	prompt.WriteString("\n\nAvailable runbooks:\n")
	for _, c := range candidates {
		fmt.Fprintf(&prompt, "- id=%s name=%q", c.ID, c.Name)
		if len(c.Techniques) > 0 {
			fmt.Fprintf(&prompt, " techniques=%s", strings.Join(c.Techniques, ","))
		}
		if c.Description != "" {
			fmt.Fprintf(&prompt, " description=%q", c.Description)
		}
		prompt.WriteString("\n")
	}

	resp, err := a.provider.Complete(ctx, &CompletionRequest{
		System:    suggestSystem,
		Prompt:    prompt.String(),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		a.record(err)
		return nil, err
	}

	var suggestion Suggestion
	if err := json.Unmarshal(extractJSON(resp.Content), &suggestion); err != nil {
		a.metrics.RecordLLMRequest("invalid")
		return nil, fmt.Errorf("parse suggestion: %w", err)
	}
	if suggestion.RunbookID == "" || suggestion.RunbookID == "none" {
		a.metrics.RecordLLMRequest("success")
		return nil, errors.New("no runbook suggested")
	}
	for _, c := range candidates {
		if c.ID == suggestion.RunbookID {
			a.metrics.RecordLLMRequest("success")
			a.logger.Info("llm suggested runbook",
				zap.String("runbook_id", suggestion.RunbookID),
				zap.String("confidence", suggestion.Confidence))
			return &suggestion, nil
		}
	}
	a.metrics.RecordLLMRequest("invalid")
	return nil, fmt.Errorf("suggested unknown runbook %q", suggestion.RunbookID)
}

// SummarizeExecution produces an analyst handoff note for a finished
// execution. ev is the triggering alert and may be nil. Failures are the
// caller's to swallow; summaries never gate control flow.
func (a *Advisor) SummarizeExecution(ctx context.Context, exec *execution.Execution, ev *alert.Event) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Runbook: %s (%s)\nFinal state: %s\nMode: %s\n", exec.RunbookName, exec.RunbookID, exec.State, exec.Mode)
	if exec.Error != "" {
		fmt.Fprintf(&prompt, "Error: %s\n", exec.Error)
	}
	if ev != nil {
		fmt.Fprintf(&prompt, "Alert:\n%s\n", compactAlert(ev))
	}
	prompt.WriteString("Steps:\n")
	for _, r := range exec.Results {
		outcome := "ok"
		switch {
		case r.Skipped:
			outcome = "skipped"
		case r.Rollback:
			outcome = "rolled back"
		case !r.Success:
			outcome = "failed"
			if r.Error != nil {
				outcome = "failed: " + r.Error.Message
			}
		}
		fmt.Fprintf(&prompt, "- %s (%s via %s): %s\n", r.StepID, r.Action, r.Executor, outcome)
	}

	resp, err := a.provider.Complete(ctx, &CompletionRequest{
		System:    summarizeSystem,
		Prompt:    prompt.String(),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		a.record(err)
		return "", err
	}
	a.metrics.RecordLLMRequest("success")
	return strings.TrimSpace(resp.Content), nil
}

func (a *Advisor) record(err error) {
	var lerr *Error
	if errors.As(err, &lerr) {
		a.metrics.RecordLLMRequest(lerr.Code)
		return
	}
	a.metrics.RecordLLMRequest(CodeUnavailable)
}

// compactAlert renders the fields a model needs for triage. The full raw
// document is too large and too noisy to ship in a prompt.
func compactAlert(ev *alert.Event) string {
	if ev == nil {
		return "(none)"
	}
	view := map[string]any{"@timestamp": ev.Timestamp}
	if ev.Event != nil {
		view["event"] = ev.Event
	}
	if ev.Host != nil {
		view["host"] = ev.Host
	}
	if ev.Process != nil {
		view["process"] = ev.Process
	}
	if ev.User != nil {
		view["user"] = ev.User
	}
	if ev.Threat != nil {
		view["threat"] = ev.Threat
	}
	if ev.Pipeline != nil {
		view["rule"] = ev.Pipeline
	}
	data, err := json.Marshal(view)
	if err != nil {
		return "(unrenderable)"
	}
	if len(data) > 2000 {
		data = data[:2000]
	}
	return string(data)
}

// extractJSON pulls the outermost JSON object out of a response that may
// be wrapped in code fences or prose.
func extractJSON(s string) []byte {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}
