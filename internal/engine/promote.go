package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/actions"
	"github.com/detectforge/responder/internal/audit"
	"github.com/detectforge/responder/internal/events"
	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/store"
)

// ExecuteApproved promotes an approved L2 queue entry: the simulated write
// runs for real, in production mode, with the parameters frozen at queue
// time. The result is appended to the originating execution's record and
// audit chain, and the entry flips to executed. A failed production run
// leaves the entry approved so an operator can retry.
func (e *Engine) ExecuteApproved(ctx context.Context, requestID string) (execution.StepResult, error) {
	var zero execution.StepResult

	entry, err := e.store.GetApproval(ctx, requestID)
	if err != nil {
		return zero, err
	}
	if entry.Kind == store.ApprovalKindGate {
		return zero, fmt.Errorf("approval %s is a live gate, not a promotion; its decision resumes the execution", requestID)
	}
	if entry.Status != store.ApprovalApproved {
		return zero, fmt.Errorf("approval %s is %s, not approved", requestID, entry.Status)
	}

	orig, err := e.store.GetExecution(ctx, entry.ExecutionID)
	if err != nil {
		return zero, fmt.Errorf("load execution %s: %w", entry.ExecutionID, err)
	}
	prior, ok := orig.ResultFor(entry.StepID)
	if !ok || prior.Executor == "" {
		return zero, fmt.Errorf("approval %s: execution %s has no recorded result for step %s",
			requestID, entry.ExecutionID, entry.StepID)
	}

	chain, err := e.store.ResumeAuditChain(ctx, entry.ExecutionID)
	if err != nil {
		return zero, err
	}

	var mu sync.Mutex
	auditFn := func(kind audit.Kind, payload map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		rec, aerr := chain.Append(kind, payload, e.now())
		if aerr != nil {
			e.logger.Error("audit append failed", zap.String("execution_id", entry.ExecutionID), zap.Error(aerr))
			return
		}
		if perr := e.store.AppendAudit(ctx, rec); perr != nil {
			e.logger.Error("audit persist failed", zap.String("execution_id", entry.ExecutionID), zap.Error(perr))
			return
		}
		e.metrics.RecordAuditEntries(1)
	}

	promotion := map[string]any{
		"event":      "l2_promotion",
		"request_id": entry.RequestID,
		"step_id":    entry.StepID,
		"action":     string(entry.Action),
		"approver":   entry.Approver,
	}
	if e.signer != nil {
		promotion["receipt"] = e.signer.Receipt(entry.RequestID, string(entry.Status), entry.Approver)
	}
	auditFn(audit.KindSystem, promotion)

	// Parameters were resolved when the entry was queued, so the step runs
	// against an empty context.
	step := runbook.Step{
		ID:         entry.StepID,
		Name:       entry.StepName,
		Action:     entry.Action,
		Executor:   prior.Executor,
		Parameters: entry.Parameters,
	}
	res := e.exec.Run(ctx, step, execution.NewContext(nil, nil, nil), actions.ModeProduction, auditFn)
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["promoted_from"] = entry.RequestID
	res.Metadata["approver"] = entry.Approver

	orig.Results = append(orig.Results, res)
	if uerr := e.store.UpdateExecution(ctx, orig); uerr != nil {
		e.logger.Error("persist promoted result failed",
			zap.String("execution_id", entry.ExecutionID),
			zap.Error(uerr))
	}

	outcome := "success"
	eventType := events.StepCompleted
	if !res.Success {
		outcome = "failure"
		eventType = events.StepFailed
	}
	e.metrics.RecordStep(string(res.Action), outcome, time.Duration(res.DurationMS)*time.Millisecond)
	e.publish(eventType, entry.ExecutionID,
		fmt.Sprintf("promoted step %s %s", entry.StepID, outcome),
		map[string]any{
			"request_id": entry.RequestID,
			"step_id":    entry.StepID,
			"action":     string(entry.Action),
			"outcome":    outcome,
		})

	if !res.Success {
		errMsg := "step failed"
		if res.Error != nil {
			errMsg = res.Error.Message
		}
		return res, fmt.Errorf("promotion %s: %s", requestID, errMsg)
	}

	if _, merr := e.store.MarkExecuted(ctx, requestID, e.now()); merr != nil {
		return res, fmt.Errorf("mark executed %s: %w", requestID, merr)
	}
	e.logger.Info("l2 promotion executed",
		zap.String("request_id", entry.RequestID),
		zap.String("execution_id", entry.ExecutionID),
		zap.String("step_id", entry.StepID),
		zap.String("approver", entry.Approver),
	)
	return res, nil
}
