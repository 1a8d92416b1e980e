package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/alert"
	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/runbook"
)

// RecoveryReport lists what a startup sweep did.
type RecoveryReport struct {
	Failed  []string `json:"failed,omitempty"`
	Resumed []string `json:"resumed,omitempty"`
}

// RecoverStartup settles executions a previous process left mid-flight.
// Rows in planning, awaiting_approval, or executing either resume from their
// last completed step (resume=true) or fail with recovered_after_crash.
// Failed rows stay failed: their rollback window is an operator decision.
func (e *Engine) RecoverStartup(ctx context.Context, resume bool) (RecoveryReport, error) {
	var report RecoveryReport

	rows, err := e.store.ActiveExecutions(ctx)
	if err != nil {
		return report, fmt.Errorf("scan active executions: %w", err)
	}
	for _, exec := range rows {
		switch exec.State {
		case execution.StatePlanning, execution.StateAwaitingApproval, execution.StateExecuting:
		default:
			continue
		}
		e.mu.Lock()
		_, busy := e.active[exec.ID]
		e.mu.Unlock()
		if busy {
			continue
		}

		if resume {
			if rerr := e.Resume(ctx, exec.ID); rerr != nil {
				e.logger.Warn("resume failed, settling as recovered",
					zap.String("execution_id", exec.ID), zap.Error(rerr))
			} else {
				report.Resumed = append(report.Resumed, exec.ID)
				continue
			}
		}
		if ferr := e.failRecovered(ctx, exec); ferr != nil {
			e.logger.Error("crash recovery failed",
				zap.String("execution_id", exec.ID), zap.Error(ferr))
			continue
		}
		report.Failed = append(report.Failed, exec.ID)
	}

	if len(report.Failed)+len(report.Resumed) > 0 {
		e.logger.Info("startup recovery swept interrupted executions",
			zap.Int("failed", len(report.Failed)),
			zap.Int("resumed", len(report.Resumed)),
		)
	}
	return report, nil
}

// failRecovered marks one interrupted execution failed with the dedicated
// recovery code, extending its audit chain.
func (e *Engine) failRecovered(ctx context.Context, exec *execution.Execution) error {
	chain, err := e.store.ResumeAuditChain(ctx, exec.ID)
	if err != nil {
		return err
	}
	now := e.now()
	from := exec.State
	if err := exec.Fail(execution.CodeRecovered, "interrupted by process restart", now); err != nil {
		return err
	}
	entry, err := chain.Append(audit.KindStateTransition, map[string]any{
		"from":       string(from),
		"to":         string(execution.StateFailed),
		"error_code": execution.CodeRecovered,
		"reason":     "process restart found execution mid-flight",
	}, now)
	if err != nil {
		return err
	}
	if err := e.store.UpdateExecution(ctx, exec, entry); err != nil {
		return err
	}
	e.metrics.RecordAuditEntries(1)
	e.metrics.RecordExecution(string(execution.StateFailed))
	e.publish(events.ExecutionFailed, exec.ID,
		"execution interrupted by process restart",
		map[string]any{"error_code": execution.CodeRecovered, "from": string(from)})
	return nil
}

// Resume continues an interrupted execution in the background, skipping
// steps that already completed. The persisted audit chain must verify; a
// broken chain is never extended. Admin overrides do not survive a restart,
// and an undecided approval gate is re-asked from scratch.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	e.mu.Lock()
	_, busy := e.active[executionID]
	e.mu.Unlock()
	if busy {
		return fmt.Errorf("execution %s is already running", executionID)
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.State {
	case execution.StatePlanning, execution.StateAwaitingApproval, execution.StateExecuting:
	default:
		return fmt.Errorf("execution %s is %s, not resumable", executionID, exec.State)
	}
	if err := e.store.VerifyAudit(ctx, executionID); err != nil {
		return fmt.Errorf("audit chain for %s: %w", executionID, err)
	}
	chain, err := e.store.ResumeAuditChain(ctx, executionID)
	if err != nil {
		return err
	}

	books, loadErrs, err := e.loader.LoadDir(e.playbookDir)
	if err != nil {
		return fmt.Errorf("load playbook dir: %w", err)
	}
	for path, lerr := range loadErrs {
		e.logger.Warn("skipping invalid playbook", zap.String("path", path), zap.Error(lerr))
	}
	var rb *runbook.Runbook
	for _, b := range books {
		if b.ID == exec.RunbookID {
			rb = b
			break
		}
	}
	if rb == nil {
		return fmt.Errorf("runbook %q for execution %s not found in %s", exec.RunbookID, executionID, e.playbookDir)
	}
	if rb.Version != exec.RunbookVersion {
		e.logger.Warn("resuming against a different playbook version",
			zap.String("execution_id", executionID),
			zap.String("recorded", exec.RunbookVersion),
			zap.String("loaded", rb.Version))
	}

	skip := make(map[string]bool)
	for _, r := range exec.Results {
		if r.Rollback {
			continue
		}
		if r.Success || r.Skipped {
			skip[r.StepID] = true
		}
	}

	req := RunRequest{
		RunbookID: rb.ID,
		Mode:      exec.Mode,
		Level:     exec.Level,
		EnableL2:  exec.Level == actions.L2,
	}
	if exec.Context != nil {
		if v, ok := exec.Context.Lookup("alert"); ok {
			if doc, ok := v.(map[string]any); ok && len(doc) > 0 {
				if ev, aerr := alert.FromMap(doc); aerr == nil {
					req.Alert = ev
				}
			}
		}
	}

	now := e.now()
	entry, err := chain.Append(audit.KindSystem, map[string]any{
		"event":           "resume",
		"from_state":      string(exec.State),
		"completed_steps": len(skip),
	}, now)
	if err != nil {
		return err
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		return err
	}
	e.metrics.RecordAuditEntries(1)

	rs := &runState{
		e:          e,
		req:        req,
		rb:         rb,
		exec:       exec,
		chain:      chain,
		level:      exec.Level,
		mode:       exec.Mode,
		resolvedBy: "resume",
	}
	// The interrupted run's spent budget is unknowable, so the deadline
	// restarts in full.
	rs.ctrl = e.register(exec.ID, rb.Config.MaxExecutionDuration())

	e.logger.Info("execution resumed",
		zap.String("execution_id", exec.ID),
		zap.String("runbook_id", rb.ID),
		zap.String("from_state", string(exec.State)),
		zap.Int("completed_steps", len(skip)),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rs.run(context.WithoutCancel(ctx), skip)
	}()
	return nil
}
