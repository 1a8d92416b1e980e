// Package adapter defines the contract every action adapter implements, the
// structured result and error shapes dispatch returns, and the registry that
// routes actions to adapters behind per-adapter circuit breakers and
// concurrency ceilings.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/detectforge/responder/internal/actions"
)

// Stable adapter error codes (component "adapter").
const (
	CodeAuth        = "auth"
	CodeTimeout     = "timeout"
	CodeRateLimit   = "rate_limit"
	CodeAPI         = "api"
	CodeNotFound    = "not_found"
	CodeUnknown     = "unknown"
	CodeCircuitOpen = "circuit_open"
	CodeBadParams   = "bad_parameters"
)

// Request is one action dispatch.
type Request struct {
	Action actions.Action `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	Mode   actions.Mode   `json:"mode"`
	StepID string         `json:"step_id,omitempty"`
}

// Error is a structured adapter failure. Errors are data: adapters return
// them inside Result rather than as Go errors, reserving the error return
// for transport-level surprises (which the executor treats as transient).
type Error struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Adapter      string         `json:"adapter"`
	Action       actions.Action `json:"action"`
	Retryable    bool           `json:"retryable"`
	StepID       string         `json:"step_id,omitempty"`
	RetryAfterMS int64          `json:"retry_after_ms,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s %s: %s", e.Adapter, e.Action, e.Code, e.Message)
}

// Result is the outcome of one adapter call.
type Result struct {
	Success    bool           `json:"success"`
	Action     actions.Action `json:"action"`
	Executor   string         `json:"executor"`
	DurationMS int64          `json:"duration_ms"`
	Output     any            `json:"output,omitempty"`
	Error      *Error         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Capabilities advertises what an adapter supports beyond the base contract.
type Capabilities struct {
	SupportsValidation bool `json:"supports_validation"`
	SupportsRollback   bool `json:"supports_rollback"`
	// MaxConcurrency is the per-adapter in-flight ceiling; 0 means unlimited.
	MaxConcurrency int `json:"max_concurrency"`
}

// Health status values.
const (
	Healthy       = "healthy"
	Degraded      = "degraded"
	Unhealthy     = "unhealthy"
	UnknownHealth = "unknown"
)

// Health is one health probe result.
type Health struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Adapter is the contract every executor target implements. Execute must
// honor the request mode: dry-run validates without external effect,
// simulation synthesizes plausible output without external effect, and
// production performs the action.
type Adapter interface {
	Name() string
	Version() string
	SupportedActions() []actions.Action
	Initialize(ctx context.Context, config map[string]any) error
	Execute(ctx context.Context, req Request) (*Result, error)
	ValidateParameters(action actions.Action, params map[string]any) error
	Capabilities() Capabilities
	HealthCheck(ctx context.Context) Health
}

// Rollbacker is implemented by adapters that can compensate completed
// actions.
type Rollbacker interface {
	Rollback(ctx context.Context, req Request) (*Result, error)
}

// Shutdowner is implemented by adapters that hold resources worth releasing.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Supports reports whether the adapter lists the action.
func Supports(a Adapter, action actions.Action) bool {
	for _, s := range a.SupportedActions() {
		if s == action {
			return true
		}
	}
	return false
}

// FailureResult builds a failed Result wrapping a structured error.
func FailureResult(executor string, req Request, err *Error) *Result {
	return &Result{
		Success:  false,
		Action:   req.Action,
		Executor: executor,
		Error:    err,
	}
}
