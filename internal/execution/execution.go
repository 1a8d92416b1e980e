// Package execution defines the durable execution record, its lifecycle
// state machine, the layered copy-on-write context, and per-step results.
package execution

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/detectforge/responder/internal/actions"
)

// Execution is one alert→runbook run. Created when the orchestrator accepts
// an alert; mutated only through state transitions; never deleted.
type Execution struct {
	ID             string        `json:"execution_id"`
	RunbookID      string        `json:"runbook_id"`
	RunbookVersion string        `json:"runbook_version"`
	RunbookName    string        `json:"runbook_name"`
	State          State         `json:"state"`
	Mode           actions.Mode  `json:"mode"`
	Level          actions.Level `json:"level"`
	Context        *Context      `json:"-"`
	Results        []StepResult  `json:"results,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	DurationMS     int64         `json:"duration_ms,omitempty"`
}

// New creates an execution in the idle state with a fresh id.
func New(runbookID, runbookVersion, runbookName string, mode actions.Mode, level actions.Level, ctx *Context, now time.Time) *Execution {
	return &Execution{
		ID:             uuid.NewString(),
		RunbookID:      runbookID,
		RunbookVersion: runbookVersion,
		RunbookName:    runbookName,
		State:          StateIdle,
		Mode:           mode,
		Level:          level,
		Context:        ctx,
		StartedAt:      now.UTC(),
	}
}

// Transition moves the execution to next, stamping completion fields when
// next is terminal. Illegal transitions return a *TransitionError and leave
// the execution unchanged.
func (e *Execution) Transition(next State, now time.Time) error {
	if !Known(next) {
		return fmt.Errorf("unknown state %q", next)
	}
	if !CanTransition(e.State, next) {
		return &TransitionError{From: e.State, To: next}
	}
	e.State = next
	if next.Terminal() || next == StateFailed {
		t := now.UTC()
		e.CompletedAt = &t
		e.DurationMS = t.Sub(e.StartedAt).Milliseconds()
	}
	return nil
}

// Fail transitions to failed and records the error. The transition must be
// legal from the current state.
func (e *Execution) Fail(code, message string, now time.Time) error {
	if err := e.Transition(StateFailed, now); err != nil {
		return err
	}
	e.ErrorCode = code
	e.Error = message
	return nil
}

// RecordResult appends a step result and advances the context tip with the
// step's output when it succeeded.
func (e *Execution) RecordResult(res StepResult) {
	e.Results = append(e.Results, res)
	if res.Success && !res.Skipped && e.Context != nil {
		e.Context = e.Context.WithStepOutput(res.StepID, res.Output)
	}
}

// ResultFor returns the recorded result for a step id.
func (e *Execution) ResultFor(stepID string) (StepResult, bool) {
	for _, r := range e.Results {
		if r.StepID == stepID {
			return r, true
		}
	}
	return StepResult{}, false
}

// StepError is a step failure as data: a stable code, a human message, and
// whether the executor may retry.
type StepError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ApprovalRecord captures the human decision attached to a step.
type ApprovalRecord struct {
	Status      string    `json:"status"`
	Approver    string    `json:"approver,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// StepResult is the outcome of one step attempt sequence.
type StepResult struct {
	StepID      string          `json:"step_id"`
	Action      actions.Action  `json:"action"`
	Executor    string          `json:"executor"`
	Success     bool            `json:"success"`
	Skipped     bool            `json:"skipped,omitempty"`
	Rollback    bool            `json:"rollback,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMS  int64           `json:"duration_ms"`
	Output      any             `json:"output,omitempty"`
	Error       *StepError      `json:"error,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Approval    *ApprovalRecord `json:"approval,omitempty"`
}
