// Package approval implements the human approval gate. A gated step hands
// the request details to an injected prompt transport (CLI, Slack, web UI)
// and races the human's decision against a timeout. The gate never chooses
// a transport itself.
package approval

import (
	"context"
	"time"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/execution"
)

// Approval statuses recorded on step results and queue entries.
const (
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// AutoApprover is the approver recorded for auto-approve timeouts.
const AutoApprover = "system:auto-approve"

// Behavior dictates what a timed-out request resolves to.
type Behavior string

const (
	// BehaviorHalt expires the request; the execution fails.
	BehaviorHalt Behavior = "halt"
	// BehaviorSkip expires the request; the step is skipped.
	BehaviorSkip Behavior = "skip"
	// BehaviorAutoApprove approves the request on timeout.
	BehaviorAutoApprove Behavior = "auto-approve"
)

// DefaultTimeout applies when options carry no timeout.
const DefaultTimeout = 5 * time.Minute

// Details describes the action awaiting approval.
type Details struct {
	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	RunbookID   string         `json:"runbook_id,omitempty"`
	RunbookName string         `json:"runbook_name,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	StepName    string         `json:"step_name,omitempty"`
	Action      actions.Action `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	RiskLevel   string         `json:"risk_level,omitempty"`
	Message     string         `json:"message,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Decision is what a prompt transport resolves to.
type Decision struct {
	Approved bool
	Approver string
	Reason   string
}

// PromptFunc delivers the request to a human and blocks until they decide.
// The context is cancelled when the gate times out or the execution aborts;
// implementations should return promptly on ctx.Done().
type PromptFunc func(ctx context.Context, d Details) (Decision, error)

// Options tune one gate invocation.
type Options struct {
	// Timeout bounds the wait for a decision (default 5 minutes).
	Timeout time.Duration
	// Behavior picks the timeout outcome (default halt).
	Behavior Behavior
	// Now is injectable for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Behavior == "" {
		o.Behavior = BehaviorHalt
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type promptResult struct {
	decision Decision
	err      error
}

// Request races prompt against the timeout and maps the outcome onto an
// ApprovalRecord. Timeouts resolve per opts.Behavior; prompt errors other
// than the races' own cancellation are returned to the caller.
func Request(ctx context.Context, d Details, prompt PromptFunc, opts Options) (*execution.ApprovalRecord, error) {
	opts = opts.withDefaults()
	start := opts.Now()

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so an abandoned prompt goroutine can still exit.
	results := make(chan promptResult, 1)
	go func() {
		decision, err := prompt(promptCtx, d)
		results <- promptResult{decision: decision, err: err}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	record := func(status, approver, reason string) *execution.ApprovalRecord {
		now := opts.Now()
		return &execution.ApprovalRecord{
			Status:      status,
			Approver:    approver,
			Reason:      reason,
			RespondedAt: now.UTC(),
			DurationMS:  now.Sub(start).Milliseconds(),
		}
	}

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		if res.decision.Approved {
			return record(StatusApproved, res.decision.Approver, res.decision.Reason), nil
		}
		return record(StatusDenied, res.decision.Approver, res.decision.Reason), nil

	case <-timer.C:
		cancel()
		switch opts.Behavior {
		case BehaviorAutoApprove:
			return record(StatusApproved, AutoApprover, "approval timeout, auto-approved"), nil
		case BehaviorSkip:
			return record(StatusExpired, "", "skip"), nil
		default:
			return record(StatusExpired, "", "halt"), nil
		}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
