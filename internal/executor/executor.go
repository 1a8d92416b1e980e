// Package executor runs one playbook step end to end: condition check,
// parameter templating, adapter dispatch under a step timeout, and the retry
// loop. The orchestrator owns ordering, approvals, and state; this package
// owns a single step attempt sequence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/adapter"
	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/template"
)

// Stable engine-side step error codes.
const (
	CodeTimeout   = "timeout"
	CodeCancelled = "cancelled"
	CodeInternal  = "internal"
)

// RetryOptions tune the retry wrapper around adapter calls.
type RetryOptions struct {
	MaxAttempts int
	BackoffMS   int64
	// Exponential doubles the delay each attempt; otherwise it is constant.
	Exponential  bool
	MaxBackoffMS int64
}

// DefaultRetryOptions returns the stock retry tuning: three attempts,
// exponential from one second, capped at thirty.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		BackoffMS:    1000,
		Exponential:  true,
		MaxBackoffMS: 30000,
	}
}

// AuditFunc receives step lifecycle entries as they happen. Implementations
// append to the execution's audit chain.
type AuditFunc func(kind audit.Kind, payload map[string]any)

// Options configure an Executor.
type Options struct {
	Registry *adapter.Registry
	Retry    RetryOptions
	Logger   *zap.Logger
	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs steps against the adapter registry.
type Executor struct {
	registry *adapter.Registry
	retry    RetryOptions
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds an Executor. A zero Retry takes the defaults; a nil logger
// disables logging.
func New(opts Options) *Executor {
	if opts.Registry == nil {
		opts.Registry = adapter.Default()
	}
	if opts.Retry == (RetryOptions{}) {
		opts.Retry = DefaultRetryOptions()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = waitContext
	}
	return &Executor{
		registry: opts.Registry,
		retry:    opts.Retry,
		logger:   opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
}

// Run executes one step against the context snapshot. The returned
// StepResult is always populated; failures are data, never panics. Output
// publication back into the context belongs to the caller.
func (e *Executor) Run(ctx context.Context, step runbook.Step, ectx *execution.Context, mode actions.Mode, auditFn AuditFunc) execution.StepResult {
	return e.run(ctx, stepSpec{
		id:        step.ID,
		name:      step.Name,
		action:    step.Action,
		executor:  step.Executor,
		params:    step.Parameters,
		condition: step.Condition,
		timeout:   step.TimeoutDuration(),
	}, ectx, mode, auditFn)
}

// RunRollback executes a step's rollback block as an independent step. The
// result keeps the originating step's id and is marked as a rollback.
func (e *Executor) RunRollback(ctx context.Context, step runbook.Step, ectx *execution.Context, mode actions.Mode, auditFn AuditFunc) execution.StepResult {
	rb := step.Rollback
	if rb == nil {
		res := e.newResult(stepSpec{id: step.ID, executor: step.Executor, rollback: true})
		return e.fail(res, nil, &execution.StepError{
			Code:    CodeInternal,
			Message: fmt.Sprintf("step %q declares no rollback", step.ID),
		})
	}
	timeout := time.Duration(rb.Timeout) * time.Second
	return e.run(ctx, stepSpec{
		id:       step.ID,
		name:     step.Name,
		action:   rb.Action,
		executor: step.Executor,
		params:   rb.Parameters,
		timeout:  timeout,
		rollback: true,
	}, ectx, mode, auditFn)
}

type stepSpec struct {
	id        string
	name      string
	action    actions.Action
	executor  string
	params    map[string]any
	condition string
	timeout   time.Duration
	rollback  bool
}

func (e *Executor) run(ctx context.Context, spec stepSpec, ectx *execution.Context, mode actions.Mode, auditFn AuditFunc) execution.StepResult {
	if auditFn == nil {
		auditFn = func(audit.Kind, map[string]any) {}
	}
	res := e.newResult(spec)

	if spec.condition != "" {
		val, _ := template.ResolveString(spec.condition, ectx.Lookup)
		if !truthy(val) {
			res.Skipped = true
			res.Metadata = map[string]any{
				"condition":   spec.condition,
				"skip_reason": "condition_not_met",
			}
			e.finish(&res)
			auditFn(completeKind(spec.rollback), map[string]any{
				"step_id": spec.id,
				"action":  string(spec.action),
				"skipped": true,
				"reason":  "condition_not_met",
			})
			return res
		}
	}

	resolved := template.Resolve(spec.params, ectx.Lookup)
	params, _ := resolved.Value.(map[string]any)
	if len(resolved.Unresolved) > 0 {
		res.Metadata = map[string]any{"unresolved_paths": resolved.Unresolved}
	}

	startPayload := map[string]any{
		"step_id":  spec.id,
		"name":     spec.name,
		"action":   string(spec.action),
		"executor": spec.executor,
		"mode":     string(mode),
		"params":   params,
	}
	if len(resolved.Unresolved) > 0 {
		startPayload["unresolved_paths"] = resolved.Unresolved
	}
	auditFn(startKind(spec.rollback), startPayload)
	e.logger.Debug("step dispatch",
		zap.String("step", spec.id),
		zap.String("action", string(spec.action)),
		zap.String("executor", spec.executor),
		zap.String("mode", string(mode)),
		zap.Bool("rollback", spec.rollback))

	a, ok := e.registry.Get(spec.executor)
	if !ok {
		res = e.fail(res, auditFn, &execution.StepError{
			Code:    CodeInternal,
			Message: fmt.Sprintf("adapter %q not registered", spec.executor),
		})
		return res
	}
	if a.Capabilities().SupportsValidation {
		if err := a.ValidateParameters(spec.action, params); err != nil {
			res = e.fail(res, auditFn, &execution.StepError{
				Code:    adapter.CodeBadParams,
				Message: err.Error(),
			})
			return res
		}
	}

	req := adapter.Request{
		Action: spec.action,
		Params: params,
		Mode:   mode,
		StepID: spec.id,
	}

	var lastErr *execution.StepError
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		res.Attempts = attempt

		result, stepErr, abort := e.attempt(ctx, spec, req)
		if stepErr == nil {
			res.Success = true
			res.Output = result.Output
			if len(result.Metadata) > 0 {
				if res.Metadata == nil {
					res.Metadata = make(map[string]any, len(result.Metadata))
				}
				for k, v := range result.Metadata {
					res.Metadata[k] = v
				}
			}
			e.finish(&res)
			auditFn(completeKind(spec.rollback), map[string]any{
				"step_id":     spec.id,
				"action":      string(spec.action),
				"success":     true,
				"attempts":    res.Attempts,
				"duration_ms": res.DurationMS,
				"output":      result.Output,
			})
			return res
		}
		lastErr = stepErr
		if result != nil {
			res.Output = result.Output
		}

		if abort || !stepErr.Retryable || attempt == e.retry.MaxAttempts {
			break
		}

		var floorMS int64
		if result != nil && result.Error != nil {
			floorMS = result.Error.RetryAfterMS
		}
		delay := e.backoff(attempt, floorMS)
		auditFn(audit.KindSystem, map[string]any{
			"event":      "step_retry",
			"step_id":    spec.id,
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
			"error_code": stepErr.Code,
		})
		e.logger.Debug("step retry scheduled",
			zap.String("step", spec.id),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_code", stepErr.Code))
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = cancellationError(err)
			break
		}
	}

	return e.fail(res, auditFn, lastErr)
}

// attempt performs one adapter call under the step timeout. abort reports
// that retrying is pointless because the surrounding execution is done.
func (e *Executor) attempt(ctx context.Context, spec stepSpec, req adapter.Request) (*adapter.Result, *execution.StepError, bool) {
	timeout := spec.timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.registry.Execute(callCtx, spec.executor, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancellationError(ctx.Err()), true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &execution.StepError{
				Code:      CodeTimeout,
				Message:   fmt.Sprintf("step timed out after %s", timeout),
				Retryable: true,
			}, false
		}
		// Generic adapter errors are treated as transient.
		return nil, &execution.StepError{
			Code:      adapter.CodeUnknown,
			Message:   err.Error(),
			Retryable: true,
		}, false
	}
	if result.Success {
		return result, nil, false
	}
	if result.Error == nil {
		return result, &execution.StepError{
			Code:    adapter.CodeUnknown,
			Message: "adapter reported failure without error detail",
		}, false
	}
	return result, &execution.StepError{
		Code:      result.Error.Code,
		Message:   result.Error.Message,
		Retryable: result.Error.Retryable,
	}, false
}

// backoff computes the delay before the next attempt. The rate-limit floor
// is applied after the cap: a server that says wait longer wins.
func (e *Executor) backoff(attempt int, floorMS int64) time.Duration {
	ms := e.retry.BackoffMS
	if e.retry.Exponential && attempt > 1 {
		for i := 1; i < attempt; i++ {
			ms *= 2
			if e.retry.MaxBackoffMS > 0 && ms >= e.retry.MaxBackoffMS {
				break
			}
		}
	}
	if e.retry.MaxBackoffMS > 0 && ms > e.retry.MaxBackoffMS {
		ms = e.retry.MaxBackoffMS
	}
	if floorMS > ms {
		ms = floorMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Executor) newResult(spec stepSpec) execution.StepResult {
	return execution.StepResult{
		StepID:    spec.id,
		Action:    spec.action,
		Executor:  spec.executor,
		Rollback:  spec.rollback,
		StartedAt: e.now().UTC(),
	}
}

func (e *Executor) finish(res *execution.StepResult) {
	res.CompletedAt = e.now().UTC()
	res.DurationMS = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
}

func (e *Executor) fail(res execution.StepResult, auditFn AuditFunc, stepErr *execution.StepError) execution.StepResult {
	if stepErr == nil {
		stepErr = &execution.StepError{Code: adapter.CodeUnknown, Message: "step failed"}
	}
	res.Success = false
	res.Error = stepErr
	e.finish(&res)
	if auditFn != nil {
		auditFn(completeKind(res.Rollback), map[string]any{
			"step_id":     res.StepID,
			"action":      string(res.Action),
			"success":     false,
			"attempts":    res.Attempts,
			"duration_ms": res.DurationMS,
			"error_code":  stepErr.Code,
			"error":       stepErr.Message,
		})
	}
	e.logger.Warn("step failed",
		zap.String("step", res.StepID),
		zap.String("action", string(res.Action)),
		zap.String("error_code", stepErr.Code),
		zap.Int("attempts", res.Attempts))
	return res
}

func startKind(rollback bool) audit.Kind {
	if rollback {
		return audit.KindRollbackStart
	}
	return audit.KindStepStart
}

func completeKind(rollback bool) audit.Kind {
	if rollback {
		return audit.KindRollbackComplete
	}
	return audit.KindStepComplete
}

func cancellationError(err error) *execution.StepError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &execution.StepError{
			Code:    CodeTimeout,
			Message: "execution deadline exceeded",
		}
	}
	return &execution.StepError{
		Code:    CodeCancelled,
		Message: "execution cancelled",
	}
}

// truthy decides template-resolved condition values. Empty strings, "false",
// "0", "null", boolean false, zero numbers, and nil are false; everything
// else is true.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "0", "null":
			return false
		}
		return true
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

func waitContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
