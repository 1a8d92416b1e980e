package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/detectforge/responder/internal/execution"
	"github.com/detectforge/responder/internal/runbook"
	"github.com/detectforge/responder/internal/security"
	"github.com/detectforge/responder/internal/store"
)

type listExecutionsInput struct {
	State     string `json:"state,omitempty" jsonschema:"optional state filter (completed, failed, executing, awaiting_approval, ...)"`
	RunbookID string `json:"runbook_id,omitempty" jsonschema:"optional runbook id filter"`
	Limit     int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

type executionInput struct {
	ExecutionID string `json:"execution_id" jsonschema:"execution identifier"`
}

type executionAuditInput struct {
	ExecutionID string `json:"execution_id" jsonschema:"execution identifier"`
	Verify      bool   `json:"verify,omitempty" jsonschema:"re-derive the hash chain and report the first break"`
}

type listApprovalsInput struct {
	Status string `json:"status,omitempty" jsonschema:"approval status filter: pending, approved, denied, executed, expired (default pending)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

type decideApprovalInput struct {
	RequestID string `json:"request_id" jsonschema:"approval request identifier"`
	Decision  string `json:"decision" jsonschema:"approve or deny"`
	Approver  string `json:"approver" jsonschema:"name of the human making the decision"`
	Reason    string `json:"reason,omitempty" jsonschema:"optional decision rationale"`
}

type validateRunbookInput struct {
	YAML string `json:"yaml" jsonschema:"runbook YAML document"`
}

type executionSummary struct {
	ID          string          `json:"execution_id"`
	RunbookID   string          `json:"runbook_id"`
	RunbookName string          `json:"runbook_name,omitempty"`
	State       execution.State `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "responder_list_executions",
		Description: "List runbook executions with state/runbook filtering, newest first",
	}, s.handleListExecutions)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "responder_get_execution",
		Description: "Get full detail for one execution: state, step results, context",
	}, s.handleGetExecution)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "responder_execution_audit",
		Description: "Read the hash-chained audit log for an execution, optionally verifying the chain",
	}, s.handleExecutionAudit)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "responder_list_pending_approvals",
		Description: "List approval queue entries awaiting a decision",
	}, s.handleListPendingApprovals)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "responder_decide_approval",
		Description: "Approve or deny a queued request; approval runs the recorded step in production",
	}, s.handleDecideApproval)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "responder_validate_runbook",
		Description: "Validate a runbook YAML document against the schema and structural rules",
	}, s.handleValidateRunbook)
}

func (s *MCPServer) handleListExecutions(ctx context.Context, _ *mcp.CallToolRequest, input listExecutionsInput) (*mcp.CallToolResult, any, error) {
	if s.store == nil {
		return nil, nil, fmt.Errorf("store unavailable")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	f := store.ExecutionFilter{
		RunbookID: strings.TrimSpace(input.RunbookID),
		Limit:     limit,
	}
	if raw := strings.TrimSpace(input.State); raw != "" {
		st := execution.State(strings.ToLower(raw))
		if !execution.Known(st) {
			return nil, nil, fmt.Errorf("invalid state %q", input.State)
		}
		f.States = []execution.State{st}
	}

	execs, err := s.store.ListExecutions(ctx, f)
	if err != nil {
		return nil, nil, err
	}

	out := make([]executionSummary, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionSummary{
			ID:          e.ID,
			RunbookID:   e.RunbookID,
			RunbookName: e.RunbookName,
			State:       e.State,
			StartedAt:   e.StartedAt,
			DurationMS:  e.DurationMS,
			Error:       e.Error,
		})
	}
	return jsonToolResult(out)
}

func (s *MCPServer) handleGetExecution(ctx context.Context, _ *mcp.CallToolRequest, input executionInput) (*mcp.CallToolResult, any, error) {
	if s.store == nil {
		return nil, nil, fmt.Errorf("store unavailable")
	}
	id := strings.TrimSpace(input.ExecutionID)
	if id == "" {
		return nil, nil, fmt.Errorf("execution_id is required")
	}

	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("execution not found: %s", id)
		}
		return nil, nil, err
	}

	detail := map[string]any{
		"execution_id":    exec.ID,
		"runbook_id":      exec.RunbookID,
		"runbook_version": exec.RunbookVersion,
		"runbook_name":    exec.RunbookName,
		"state":           exec.State,
		"mode":            exec.Mode,
		"level":           exec.Level,
		"results":         exec.Results,
		"started_at":      exec.StartedAt,
	}
	if exec.Error != "" {
		detail["error"] = exec.Error
		detail["error_code"] = exec.ErrorCode
	}
	if exec.CompletedAt != nil {
		detail["completed_at"] = exec.CompletedAt
		detail["duration_ms"] = exec.DurationMS
	}
	if exec.Context != nil {
		detail["context"] = exec.Context.Snapshot()
	}
	return jsonToolResult(detail)
}

func (s *MCPServer) handleExecutionAudit(ctx context.Context, _ *mcp.CallToolRequest, input executionAuditInput) (*mcp.CallToolResult, any, error) {
	if s.store == nil {
		return nil, nil, fmt.Errorf("store unavailable")
	}
	id := strings.TrimSpace(input.ExecutionID)
	if id == "" {
		return nil, nil, fmt.Errorf("execution_id is required")
	}

	entries, err := s.store.AuditEntries(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	payload := map[string]any{
		"execution_id": id,
		"entries":      entries,
		"count":        len(entries),
	}
	if input.Verify {
		if err := s.store.VerifyAudit(ctx, id); err != nil {
			payload["verified"] = false
			payload["verify_error"] = err.Error()
		} else {
			payload["verified"] = true
		}
	}
	return jsonToolResult(payload)
}

func (s *MCPServer) handleListPendingApprovals(ctx context.Context, _ *mcp.CallToolRequest, input listApprovalsInput) (*mcp.CallToolResult, any, error) {
	if s.store == nil {
		return nil, nil, fmt.Errorf("store unavailable")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	status := store.ApprovalStatus(strings.ToLower(strings.TrimSpace(input.Status)))
	if status == "" {
		status = store.ApprovalPending
	}
	switch status {
	case store.ApprovalPending, store.ApprovalApproved, store.ApprovalDenied,
		store.ApprovalExecuted, store.ApprovalExpired:
	default:
		return nil, nil, fmt.Errorf("invalid status %q", input.Status)
	}

	entries, err := s.store.ListApprovals(ctx, status, limit)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{
		"approvals": entries,
		"count":     len(entries),
	})
}

func (s *MCPServer) handleDecideApproval(ctx context.Context, _ *mcp.CallToolRequest, input decideApprovalInput) (*mcp.CallToolResult, any, error) {
	if s.store == nil {
		return nil, nil, fmt.Errorf("store unavailable")
	}
	requestID := strings.TrimSpace(input.RequestID)
	if requestID == "" {
		return nil, nil, fmt.Errorf("request_id is required")
	}
	approver := strings.TrimSpace(input.Approver)
	if approver == "" {
		return nil, nil, fmt.Errorf("approver is required")
	}

	var approve bool
	switch strings.ToLower(strings.TrimSpace(input.Decision)) {
	case "approve":
		approve = true
	case "deny":
	default:
		return nil, nil, fmt.Errorf("invalid decision %q: expected approve or deny", input.Decision)
	}

	entry, err := s.store.DecideApproval(ctx, requestID, approve, approver, input.Reason, s.now())
	if err != nil {
		return nil, nil, err
	}
	if !approve || entry.Kind == store.ApprovalKindGate {
		// Denials finalize here; approved gates resume the suspended
		// execution through its queue poll.
		return jsonToolResult(map[string]any{"approval": entry})
	}

	if s.promoter == nil {
		return nil, nil, fmt.Errorf("engine unavailable: %s is approved but not promoted", requestID)
	}
	result, err := s.promoter.ExecuteApproved(ctx, requestID)
	if err != nil {
		// The entry stays approved; the operator can retry the promotion.
		s.logger.Error("promotion failed",
			zap.String("request_id", requestID), zap.Error(err))
		return nil, nil, fmt.Errorf("promote %s: %s", requestID, security.ErrorMessage(err.Error()))
	}

	promoted, err := s.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{
		"approval": promoted,
		"result":   result,
	})
}

func (s *MCPServer) handleValidateRunbook(_ context.Context, _ *mcp.CallToolRequest, input validateRunbookInput) (*mcp.CallToolResult, any, error) {
	if s.loader == nil {
		return nil, nil, fmt.Errorf("loader unavailable")
	}
	if strings.TrimSpace(input.YAML) == "" {
		return nil, nil, fmt.Errorf("yaml is required")
	}

	rb, err := s.loader.LoadBytes([]byte(input.YAML))
	if err != nil {
		var verr *runbook.ValidationError
		if errors.As(err, &verr) {
			return jsonToolResult(map[string]any{
				"valid":  false,
				"issues": verr.Issues,
			})
		}
		return jsonToolResult(map[string]any{
			"valid":  false,
			"issues": []string{security.ErrorMessage(err.Error())},
		})
	}

	return jsonToolResult(map[string]any{
		"valid": true,
		"runbook": map[string]any{
			"id":               rb.ID,
			"name":             rb.Metadata.Name,
			"version":          rb.Version,
			"automation_level": rb.Config.AutomationLevel,
			"steps":            len(rb.Steps),
		},
	})
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
