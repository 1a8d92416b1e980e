package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/approval"
	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/executor"
	"github.com/detectforge/responder/internal/policy"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/security"
	"github.com/detectforge/responder/internal/store"
	"github.com/detectforge/responder/internal/telemetry"
	"github.com/detectforge/responder/internal/template"
	"github.com/sony/gobreaker"
)

// runState carries one execution through the orchestration loop. The mutex
// serializes audit chain appends, execution mutation, and store writes; step
// I/O itself runs outside the lock.
type runState struct {
	e          *Engine
	req        RunRequest
	rb         *runbook.Runbook
	exec       *execution.Execution
	chain      *audit.Chain
	ctrl       *controller
	level      actions.Level
	mode       actions.Mode
	resolvedBy string

	checks map[string]policy.Result

	// dbCtx survives run-context cancellation so terminal states and their
	// audit entries always persist.
	dbCtx context.Context

	mu       sync.Mutex
	haltCode string
	haltMsg  string
}

// run drives the execution from planning to a terminal state. skip lists
// step ids already completed by a previous process (resume path).
func (rs *runState) run(ctx context.Context, skip map[string]bool) {
	e := rs.e
	rs.dbCtx = context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rs.ctrl.bind(cancel)
	defer e.unregister(rs.exec.ID)

	e.metrics.ExecutionStarted()
	defer e.metrics.ExecutionFinished()

	runCtx, span := telemetry.StartExecutionSpan(runCtx, rs.exec.ID, rs.rb.ID, string(rs.mode), string(rs.level))
	defer func() {
		telemetry.EndExecutionSpan(span, string(rs.exec.State), len(rs.exec.Results))
	}()

	if rs.exec.State == execution.StateAwaitingApproval {
		// Resumed mid-gate: the undecided request died with the old process,
		// so the step re-gates from scratch.
		if err := rs.shift(execution.StateExecuting, map[string]any{"reason": "gate_abandoned"}); err != nil {
			rs.terminate(execution.StateFailed, execution.CodeInternal, err.Error(), nil)
			rs.finish()
			return
		}
	}

	checks := e.policy.CheckSteps(rs.rb.Steps, rs.level, rs.mode, rs.req.EnableL2, riskScore(rs.req.Alert), rs.req.Admin)
	rs.checks = make(map[string]policy.Result, len(checks))
	for _, c := range checks {
		rs.checks[c.StepID] = c.Result
	}
	rs.appendAudit(audit.KindSystem, map[string]any{
		"event":   "policy_check",
		"allowed": policy.Allowed(checks),
		"steps":   len(checks),
	})
	if !policy.Allowed(checks) {
		code, msg := violationSummary(checks)
		rs.terminate(execution.StateFailed, code, msg, map[string]any{"stage": "policy"})
		rs.finish()
		return
	}

	if rs.exec.State == execution.StatePlanning {
		if err := rs.shift(execution.StateExecuting, nil); err != nil {
			rs.terminate(execution.StateFailed, execution.CodeInternal, err.Error(), nil)
			rs.finish()
			return
		}
	}
	e.publish(events.ExecutionStarted, rs.exec.ID,
		fmt.Sprintf("runbook %s started", rs.rb.ID),
		map[string]any{"runbook_id": rs.rb.ID, "mode": string(rs.mode), "level": string(rs.level)})

	levels, err := dependencyLevels(rs.rb.Steps)
	if err != nil {
		rs.terminate(execution.StateFailed, execution.CodeInternal, err.Error(), nil)
		rs.finish()
		return
	}

	halted := false
	for _, lvl := range levels {
		if kind, _ := rs.ctrl.shouldAbort(); kind != abortNone {
			break
		}
		pending := lvl
		if len(skip) > 0 {
			pending = pending[:0:0]
			for _, step := range lvl {
				if !skip[step.ID] {
					pending = append(pending, step)
				}
			}
		}
		if len(pending) == 0 {
			continue
		}
		if rs.runLevel(runCtx, pending) {
			halted = true
			break
		}
	}

	kind, reason := rs.ctrl.shouldAbort()
	switch {
	case kind == abortTimeout:
		rs.timeoutRun(reason)
	case kind == abortCancel:
		rs.cancelRun(ctx, reason)
	case halted:
		rs.failRun(ctx)
	default:
		rs.completeRun()
	}
	rs.summarize(ctx)
	rs.finish()
}

// finish emits the terminal event and metric exactly once, based on the
// state the execution actually ended in.
func (rs *runState) finish() {
	e := rs.e
	state := rs.exec.State
	e.metrics.RecordExecution(string(state))

	detail := map[string]any{
		"state":       string(state),
		"runbook_id":  rs.exec.RunbookID,
		"duration_ms": rs.exec.DurationMS,
	}
	switch state {
	case execution.StateCompleted:
		e.publish(events.ExecutionCompleted, rs.exec.ID, fmt.Sprintf("runbook %s completed", rs.rb.ID), detail)
	case execution.StateCancelled:
		e.publish(events.ExecutionCancelled, rs.exec.ID, fmt.Sprintf("runbook %s cancelled", rs.rb.ID), detail)
	default:
		detail["error_code"] = rs.exec.ErrorCode
		e.publish(events.ExecutionFailed, rs.exec.ID,
			fmt.Sprintf("runbook %s ended %s", rs.rb.ID, state), detail)
	}
	e.logger.Info("execution finished",
		zap.String("execution_id", rs.exec.ID),
		zap.String("state", string(state)),
		zap.String("error_code", rs.exec.ErrorCode),
		zap.Int("steps", len(rs.exec.Results)),
	)
}

// runLevel executes one dependency level. Independent steps run concurrently
// when the playbook opts in and the level contains no approval gate; gated
// levels run sequentially so awaiting_approval transitions stay serial.
// Returns true when a halting failure ends the execution.
func (rs *runState) runLevel(ctx context.Context, steps []runbook.Step) bool {
	parallel := rs.rb.Config.ParallelExecution && len(steps) > 1
	if parallel {
		for _, step := range steps {
			if rs.needsGate(step) {
				parallel = false
				break
			}
		}
	}

	if !parallel {
		for _, step := range steps {
			if kind, _ := rs.ctrl.shouldAbort(); kind != abortNone {
				return false
			}
			if rs.runStep(ctx, step, rs.tip()) {
				return true
			}
		}
		return false
	}

	// Concurrent steps all see the level's opening context snapshot, never a
	// sibling's partial output.
	tip := rs.tip()
	sem := make(chan struct{}, rs.e.maxParallel)
	var wg sync.WaitGroup
	var haltMu sync.Mutex
	halted := false
	for _, step := range steps {
		wg.Add(1)
		sem <- struct{}{}
		go func(step runbook.Step) {
			defer wg.Done()
			defer func() { <-sem }()
			if kind, _ := rs.ctrl.shouldAbort(); kind != abortNone {
				return
			}
			if rs.runStep(ctx, step, tip) {
				haltMu.Lock()
				halted = true
				haltMu.Unlock()
			}
		}(step)
	}
	wg.Wait()
	return halted
}

// runStep takes one step through gating, dispatch, and failure policy.
// Returns true when the failure policy halts the execution.
func (rs *runState) runStep(ctx context.Context, step runbook.Step, tip *execution.Context) bool {
	e := rs.e

	stepCtx, span := telemetry.StartStepSpan(ctx, step.ID, string(step.Action), step.Executor)
	e.publish(events.StepStarted, rs.exec.ID,
		fmt.Sprintf("step %s (%s)", step.ID, step.Action),
		map[string]any{"step_id": step.ID, "action": string(step.Action), "executor": step.Executor})

	if dep, ok := rs.unsatisfiedDep(step); ok {
		now := e.now().UTC()
		rs.recordResult(execution.StepResult{
			StepID:      step.ID,
			Action:      step.Action,
			Executor:    step.Executor,
			Skipped:     true,
			StartedAt:   now,
			CompletedAt: now,
			Metadata:    map[string]any{"reason": fmt.Sprintf("dependency %s did not succeed", dep)},
		})
		telemetry.EndStepSpan(span, false, true, 0, "")
		return false
	}

	stepMode := rs.mode
	var approvalRec *execution.ApprovalRecord

	switch {
	case rs.isL2Write(step):
		// L2 never lets a write reach production. The step runs simulated
		// and a promotion entry lands in the queue below.
		stepMode = actions.ModeSimulation
	case rs.needsGate(step):
		rec, halt := rs.gateApproval(stepCtx, step, tip)
		if rec == nil {
			telemetry.EndStepSpan(span, false, false, 0, execution.CodeCancelled)
			return halt
		}
		switch rec.Status {
		case approval.StatusApproved:
			approvalRec = rec
		case approval.StatusDenied:
			rs.haltWith(CodeApprovalDenied, fmt.Sprintf("approval denied by %s", rec.Approver))
			telemetry.EndStepSpan(span, false, false, 0, CodeApprovalDenied)
			return true
		default: // expired
			if rec.Reason == "skip" {
				rs.recordExpiredSkip(step, rec)
				telemetry.EndStepSpan(span, false, true, 0, "")
				return false
			}
			rs.haltWith(CodeApprovalExpired, fmt.Sprintf("approval expired (%s)", rec.Reason))
			telemetry.EndStepSpan(span, false, false, 0, CodeApprovalExpired)
			return true
		}
	}

	res := e.exec.Run(stepCtx, step, tip, stepMode, rs.auditFunc())
	res.Approval = approvalRec

	onError := step.OnError
	if onError == "" {
		onError = runbook.OnErrorHalt
	}
	if !res.Success && !res.Skipped && onError == runbook.OnErrorSkip {
		res.Skipped = true
	}

	rs.recordResult(res)

	errCode := ""
	if res.Error != nil {
		errCode = res.Error.Code
	}
	telemetry.EndStepSpan(span, res.Success, res.Skipped, res.Attempts, errCode)

	if rs.isL2Write(step) {
		rs.queueL2(step, tip, res)
	}

	if res.Success || res.Skipped {
		return false
	}
	switch onError {
	case runbook.OnErrorContinue:
		return false
	default: // halt
		code, msg := execution.CodeInternal, "step failed"
		if res.Error != nil {
			code, msg = res.Error.Code, res.Error.Message
		}
		rs.haltWith(code, fmt.Sprintf("step %s: %s", step.ID, msg))
		return true
	}
}

// gateApproval suspends the execution on the approval gate. A nil record
// means the gate did not produce a decision: either the run is aborting
// (halt=false, handled upstream) or the prompt errored (halt=true).
func (rs *runState) gateApproval(ctx context.Context, step runbook.Step, tip *execution.Context) (*execution.ApprovalRecord, bool) {
	e := rs.e

	if err := rs.shift(execution.StateAwaitingApproval, map[string]any{"step_id": step.ID}); err != nil {
		rs.haltWith(execution.CodeInternal, err.Error())
		return nil, true
	}

	reqID := requestID()
	timeout := e.approvalTimeout
	if rs.rb.Config.ApprovalTimeout > 0 {
		timeout = rs.rb.Config.ApprovalTimeoutDuration()
	}
	now := e.now()
	expiresAt := now.Add(timeout)
	resolved := rs.resolveParams(step.Parameters, tip)

	details := approval.Details{
		RequestID:   reqID,
		ExecutionID: rs.exec.ID,
		RunbookID:   rs.rb.ID,
		RunbookName: rs.rb.Metadata.Name,
		StepID:      step.ID,
		StepName:    step.Name,
		Action:      step.Action,
		Parameters:  security.MaskParams(resolved),
		RiskLevel:   rs.riskBand(),
		Message:     fmt.Sprintf("%s requests %s", rs.rb.Metadata.Name, step.Action),
		ExpiresAt:   expiresAt,
	}
	rs.appendAudit(audit.KindApprovalRequest, map[string]any{
		"request_id": reqID,
		"step_id":    step.ID,
		"action":     string(step.Action),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	e.publish(events.ApprovalRequested, rs.exec.ID,
		fmt.Sprintf("approval requested for %s", step.Action), details)

	waitCtx, waitSpan := telemetry.StartApprovalWaitSpan(ctx, reqID, step.ID)
	rec, err := approval.Request(waitCtx, details, e.prompt, approval.Options{
		Timeout:  timeout,
		Behavior: e.approvalBehavior,
		Now:      e.now,
	})
	if err != nil {
		telemetry.EndApprovalWaitSpan(waitSpan, "error", "")
		if ctx.Err() != nil {
			// Abort during the wait; the final-state switch settles it.
			return nil, false
		}
		rs.haltWith(execution.CodeInternal, fmt.Sprintf("approval prompt: %v", err))
		return nil, true
	}
	telemetry.EndApprovalWaitSpan(waitSpan, rec.Status, rec.Approver)

	e.metrics.RecordApproval(rec.Status, time.Duration(rec.DurationMS)*time.Millisecond)
	rs.appendAudit(audit.KindApprovalDecision, map[string]any{
		"request_id":  reqID,
		"step_id":     step.ID,
		"status":      rec.Status,
		"approver":    rec.Approver,
		"reason":      rec.Reason,
		"duration_ms": rec.DurationMS,
	})
	e.publish(events.ApprovalDecided, rs.exec.ID,
		fmt.Sprintf("approval %s for %s", rec.Status, step.Action),
		map[string]any{"request_id": reqID, "status": rec.Status, "approver": rec.Approver})

	resume := rec.Status == approval.StatusApproved || rec.Reason == "skip"
	if resume {
		if err := rs.shift(execution.StateExecuting, map[string]any{"step_id": step.ID}); err != nil {
			rs.haltWith(execution.CodeInternal, err.Error())
			return nil, true
		}
	}
	return rec, false
}

// recordExpiredSkip records the synthetic result for a gate that expired
// with skip behavior: the step never dispatched.
func (rs *runState) recordExpiredSkip(step runbook.Step, rec *execution.ApprovalRecord) {
	now := rs.e.now().UTC()
	rs.recordResult(execution.StepResult{
		StepID:      step.ID,
		Action:      step.Action,
		Executor:    step.Executor,
		Skipped:     true,
		StartedAt:   now,
		CompletedAt: now,
		Approval:    rec,
		Metadata:    map[string]any{"reason": "approval expired (skip)"},
	})
}

// queueL2 appends the promotion entry for a simulated L2 write.
func (rs *runState) queueL2(step runbook.Step, tip *execution.Context, res execution.StepResult) {
	e := rs.e
	now := e.now().UTC()

	var sim map[string]any
	switch {
	case res.Error != nil:
		sim = map[string]any{"error": res.Error.Message}
	case res.Output != nil:
		if m, ok := res.Output.(map[string]any); ok {
			sim = m
		} else {
			sim = map[string]any{"output": res.Output}
		}
	}

	entry := &store.ApprovalEntry{
		RequestID:   requestID(),
		ExecutionID: rs.exec.ID,
		RunbookID:   rs.rb.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		Action:      step.Action,
		Kind:        store.ApprovalKindPromotion,
		Parameters:  rs.resolveParams(step.Parameters, tip),
		Simulation:  sim,
		Status:      store.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(l2QueueTTL),
	}
	if err := e.store.EnqueueApproval(rs.dbCtx, entry); err != nil {
		e.logger.Error("enqueue l2 promotion failed",
			zap.String("execution_id", rs.exec.ID),
			zap.String("step_id", step.ID),
			zap.Error(err))
		return
	}
	rs.appendAudit(audit.KindApprovalRequest, map[string]any{
		"request_id": entry.RequestID,
		"step_id":    step.ID,
		"action":     string(step.Action),
		"queue":      "l2",
		"expires_at": entry.ExpiresAt.Format(time.RFC3339),
	})
	e.publish(events.ApprovalRequested, rs.exec.ID,
		fmt.Sprintf("L2 write %s queued for promotion", step.Action),
		map[string]any{"request_id": entry.RequestID, "step_id": step.ID})
	e.metrics.RecordApproval(string(store.ApprovalPending), 0)
}

// completeRun closes out a full pass: completed when every non-skipped step
// succeeded, failed when a continue-policy step recorded a failure along the
// way. Rollback stays reserved for the halting path.
func (rs *runState) completeRun() {
	succeeded, failed := rs.stepTally()
	if failed > 0 {
		code, msg := rs.firstFailure()
		rs.terminate(execution.StateFailed, code, msg, map[string]any{
			"steps_succeeded": succeeded,
			"steps_failed":    failed,
		})
		return
	}
	if err := rs.shift(execution.StateCompleted, nil); err != nil {
		rs.e.logger.Error("completion transition failed",
			zap.String("execution_id", rs.exec.ID), zap.Error(err))
		return
	}
	rs.appendAudit(audit.KindSystem, map[string]any{
		"event":           "finalize",
		"steps_succeeded": succeeded,
		"steps_failed":    failed,
		"duration_ms":     rs.exec.DurationMS,
	})
}

// failRun moves a halted execution to failed, then runs the rollback pass
// when the playbook asks for it, ending in rolled_back if anything rolled.
func (rs *runState) failRun(ctx context.Context) {
	rs.mu.Lock()
	code, msg := rs.haltCode, rs.haltMsg
	rs.mu.Unlock()
	if code == "" {
		code = execution.CodeInternal
		msg = "execution halted"
	}
	rs.terminate(execution.StateFailed, code, msg, nil)

	if !rs.rb.Config.RollbackOnFailure {
		return
	}
	if n := rs.rollbackPass(ctx); n > 0 {
		rs.shift(execution.StateRolledBack, map[string]any{"rollbacks": n})
	}
}

// timeoutRun settles the execution-level deadline. From awaiting_approval the
// state table only permits failed; from executing we reach timed_out proper.
func (rs *runState) timeoutRun(reason string) {
	payload := map[string]any{"layer": "execution", "reason": reason}
	if rs.exec.State == execution.StateAwaitingApproval {
		rs.terminate(execution.StateFailed, execution.CodeTimeout, reason, payload)
		return
	}
	rs.terminate(execution.StateTimedOut, execution.CodeTimeout, reason, payload)
}

// cancelRun settles a cooperative cancellation, rolling back completed steps
// first when the playbook asks for it.
func (rs *runState) cancelRun(ctx context.Context, reason string) {
	if rs.rb.Config.RollbackOnFailure {
		rs.rollbackPass(ctx)
	}
	rs.terminate(execution.StateCancelled, execution.CodeCancelled, reason, map[string]any{"reason": reason})
}

// rollbackPass invokes declared rollbacks in strictly reverse completion
// order. Individual failures are recorded and do not stop the pass.
func (rs *runState) rollbackPass(ctx context.Context) int {
	e := rs.e

	rs.mu.Lock()
	var candidates []runbook.Step
	for i := len(rs.exec.Results) - 1; i >= 0; i-- {
		r := rs.exec.Results[i]
		if !r.Success || r.Skipped || r.Rollback {
			continue
		}
		step, ok := rs.rb.StepByID(r.StepID)
		if !ok || step.Rollback == nil {
			continue
		}
		candidates = append(candidates, *step)
	}
	rs.mu.Unlock()

	if len(candidates) == 0 {
		return 0
	}
	rs.appendAudit(audit.KindSystem, map[string]any{
		"event": "rollback_sequence",
		"steps": len(candidates),
	})
	e.publish(events.RollbackStarted, rs.exec.ID,
		fmt.Sprintf("rolling back %d steps", len(candidates)),
		map[string]any{"steps": len(candidates)})

	// Rollbacks run even when the triggering abort cancelled the run context.
	rbCtx := context.WithoutCancel(ctx)
	for _, step := range candidates {
		stepMode := rs.mode
		if rs.isL2Write(step) {
			stepMode = actions.ModeSimulation
		}
		res := e.exec.RunRollback(rbCtx, step, rs.tip(), stepMode, rs.auditFunc())
		rs.recordResult(res)
	}
	return len(candidates)
}

// summarize attaches an advisory LLM handoff note to the audit trail.
// Failures never influence the outcome.
func (rs *runState) summarize(ctx context.Context) {
	e := rs.e
	if !e.advisor.Enabled() {
		return
	}
	switch rs.exec.State {
	case execution.StateCompleted, execution.StateFailed, execution.StateRolledBack:
	default:
		return
	}
	sumCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	summary, err := e.advisor.SummarizeExecution(sumCtx, rs.exec, rs.req.Alert)
	if err != nil {
		e.logger.Debug("llm summary skipped", zap.String("execution_id", rs.exec.ID), zap.Error(err))
		return
	}
	rs.appendAudit(audit.KindSystem, map[string]any{
		"event":   "llm_summary",
		"summary": summary,
	})
}

// --- shared state helpers ---

// tip returns the current context snapshot.
func (rs *runState) tip() *execution.Context {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.exec.Context
}

// haltWith records the first halting failure; later ones lose the race.
func (rs *runState) haltWith(code, msg string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.haltCode == "" {
		rs.haltCode = code
		rs.haltMsg = msg
	}
}

// auditFunc adapts the chain to the executor's audit callback.
func (rs *runState) auditFunc() executor.AuditFunc {
	return func(kind audit.Kind, payload map[string]any) {
		rs.appendAudit(kind, payload)
	}
}

// appendAudit extends the hash chain and persists the entry immediately, so
// a crash between entries never loses a recorded fact.
func (rs *runState) appendAudit(kind audit.Kind, payload map[string]any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.appendAuditLocked(kind, payload)
}

func (rs *runState) appendAuditLocked(kind audit.Kind, payload map[string]any) {
	entry, err := rs.chain.Append(kind, payload, rs.e.now())
	if err != nil {
		rs.e.logger.Error("audit append failed", zap.String("execution_id", rs.exec.ID), zap.Error(err))
		return
	}
	if err := rs.e.store.AppendAudit(rs.dbCtx, entry); err != nil {
		rs.e.logger.Error("audit persist failed", zap.String("execution_id", rs.exec.ID), zap.Error(err))
		return
	}
	rs.e.metrics.RecordAuditEntries(1)
}

// shift performs a non-failing state transition, appending its audit entry
// and the updated row atomically.
func (rs *runState) shift(next execution.State, extra map[string]any) error {
	return rs.applyTransition(next, "", "", extra)
}

// terminate moves the execution to a terminal or failed state with an error
// code. The execution row keeps the sanitized message; the audit entry keeps
// the full detail.
func (rs *runState) terminate(next execution.State, code, message string, extra map[string]any) {
	if err := rs.applyTransition(next, code, message, extra); err != nil {
		rs.e.logger.Error("terminal transition failed",
			zap.String("execution_id", rs.exec.ID),
			zap.String("to", string(next)),
			zap.Error(err))
	}
}

func (rs *runState) applyTransition(next execution.State, code, message string, extra map[string]any) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := rs.e.now()
	from := rs.exec.State

	var err error
	if next == execution.StateFailed {
		err = rs.exec.Fail(code, security.ErrorMessage(message), now)
	} else {
		err = rs.exec.Transition(next, now)
		if err == nil && code != "" {
			rs.exec.ErrorCode = code
			rs.exec.Error = security.ErrorMessage(message)
		}
	}
	if err != nil {
		// The illegal attempt itself is audit-worthy.
		rs.appendAuditLocked(audit.KindSystem, map[string]any{
			"event": "illegal_transition",
			"from":  string(from),
			"to":    string(next),
			"error": err.Error(),
		})
		return err
	}

	payload := map[string]any{"from": string(from), "to": string(next)}
	if code != "" {
		payload["error_code"] = code
		payload["error"] = message
	}
	for k, v := range extra {
		payload[k] = v
	}
	entry, aerr := rs.chain.Append(audit.KindStateTransition, payload, now)
	if aerr != nil {
		return aerr
	}
	if uerr := rs.e.store.UpdateExecution(rs.dbCtx, rs.exec, entry); uerr != nil {
		return uerr
	}
	rs.e.metrics.RecordAuditEntries(1)
	return nil
}

// recordResult folds a step result into the execution, persists the row, and
// emits the step's metric and event.
func (rs *runState) recordResult(res execution.StepResult) {
	e := rs.e

	rs.mu.Lock()
	rs.exec.RecordResult(res)
	if err := e.store.UpdateExecution(rs.dbCtx, rs.exec); err != nil {
		e.logger.Error("persist step result failed",
			zap.String("execution_id", rs.exec.ID),
			zap.String("step_id", res.StepID),
			zap.Error(err))
	}
	rs.mu.Unlock()

	outcome := "success"
	eventType := events.StepCompleted
	switch {
	case res.Rollback && res.Success:
		outcome = "rollback"
	case res.Rollback:
		outcome = "rollback_failed"
		eventType = events.StepFailed
	case res.Skipped:
		outcome = "skipped"
	case !res.Success:
		outcome = "failure"
		eventType = events.StepFailed
	}
	e.metrics.RecordStep(string(res.Action), outcome, time.Duration(res.DurationMS)*time.Millisecond)

	detail := map[string]any{
		"step_id":     res.StepID,
		"action":      string(res.Action),
		"outcome":     outcome,
		"duration_ms": res.DurationMS,
	}
	if res.Error != nil {
		detail["error_code"] = res.Error.Code
	}
	e.publish(eventType, rs.exec.ID, fmt.Sprintf("step %s %s", res.StepID, outcome), detail)

	if st, ok := e.registry.BreakerState(res.Executor); ok {
		e.metrics.SetBreakerState(res.Executor, breakerGauge(st))
	}
}

func breakerGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (rs *runState) stepTally() (succeeded, failed int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.exec.Results {
		switch {
		case r.Rollback || r.Skipped:
		case r.Success:
			succeeded++
		default:
			failed++
		}
	}
	return succeeded, failed
}

// firstFailure returns the code and message of the earliest failed step.
func (rs *runState) firstFailure() (code, message string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.exec.Results {
		if r.Success || r.Skipped || r.Rollback {
			continue
		}
		code, message = execution.CodeInternal, "step failed"
		if r.Error != nil {
			code, message = r.Error.Code, r.Error.Message
		}
		return code, fmt.Sprintf("step %s: %s", r.StepID, message)
	}
	return execution.CodeInternal, "step failed"
}

// unsatisfiedDep returns the first dependency that has no successful result,
// meaning the step must be skipped rather than dispatched.
func (rs *runState) unsatisfiedDep(step runbook.Step) (string, bool) {
	if len(step.DependsOn) == 0 {
		return "", false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, dep := range step.DependsOn {
		satisfied := false
		for _, r := range rs.exec.Results {
			if r.StepID == dep && !r.Rollback {
				satisfied = r.Success
				break
			}
		}
		if !satisfied {
			return dep, true
		}
	}
	return "", false
}

// isL2Write reports whether this step takes the simulate-and-queue path.
func (rs *runState) isL2Write(step runbook.Step) bool {
	return rs.level == actions.L2 && actions.IsWrite(step.Action)
}

// needsGate reports whether the step suspends on the live approval gate:
// production writes at L1 and above, when the policy rule, the playbook, or
// the step itself asks for approval. The step-level flag wins when present.
func (rs *runState) needsGate(step runbook.Step) bool {
	if rs.mode != actions.ModeProduction || !actions.IsWrite(step.Action) {
		return false
	}
	if !rs.level.AtLeast(actions.L1) || rs.isL2Write(step) {
		return false
	}
	if step.ApprovalRequired != nil {
		return *step.ApprovalRequired
	}
	return rs.checks[step.ID].RequiresApproval || rs.rb.Config.RequiresApproval
}

// resolveParams templates step parameters against a context snapshot.
func (rs *runState) resolveParams(params map[string]any, tip *execution.Context) map[string]any {
	if len(params) == 0 {
		return nil
	}
	lookup := func(string) (any, bool) { return nil, false }
	if tip != nil {
		lookup = tip.Lookup
	}
	resolved := template.Resolve(params, lookup)
	if m, ok := resolved.Value.(map[string]any); ok {
		return m
	}
	return params
}

func (rs *runState) riskBand() string {
	if rs.req.Alert == nil {
		return ""
	}
	return runbook.SeverityBand(rs.req.Alert.Severity())
}
