package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	resourceActiveExecutions = "responder://executions/active"
	resourcePendingApprovals = "responder://approvals/pending"
	resourceMetricsSummary   = "responder://metrics/summary"
	resourceRunbooks         = "responder://runbooks/list"
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceActiveExecutions,
		Name:        "Active Executions",
		Description: "Executions currently in a non-terminal state",
		MIMEType:    "application/json",
	}, s.handleActiveExecutionsResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourcePendingApprovals,
		Name:        "Pending Approvals",
		Description: "Approval queue entries awaiting a decision",
		MIMEType:    "application/json",
	}, s.handlePendingApprovalsResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceMetricsSummary,
		Name:        "Metrics Summary",
		Description: "Execution/approval counts and step outcomes for the last 24 hours",
		MIMEType:    "application/json",
	}, s.handleMetricsSummaryResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceRunbooks,
		Name:        "Runbook Inventory",
		Description: "Runbooks loadable from the playbook directory",
		MIMEType:    "application/json",
	}, s.handleRunbooksResource)
}

func (s *MCPServer) handleActiveExecutionsResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("store unavailable")
	}
	execs, err := s.store.ActiveExecutions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]executionSummary, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionSummary{
			ID:          e.ID,
			RunbookID:   e.RunbookID,
			RunbookName: e.RunbookName,
			State:       e.State,
			StartedAt:   e.StartedAt,
		})
	}
	return buildJSONResourceResult(req, resourceActiveExecutions, map[string]any{
		"executions": out,
		"count":      len(out),
	})
}

func (s *MCPServer) handlePendingApprovalsResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("store unavailable")
	}
	entries, err := s.store.PendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	return buildJSONResourceResult(req, resourcePendingApprovals, map[string]any{
		"approvals": entries,
		"count":     len(entries),
	})
}

func (s *MCPServer) handleMetricsSummaryResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("store unavailable")
	}
	summary, err := s.store.Summarize(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	return buildJSONResourceResult(req, resourceMetricsSummary, summary)
}

func (s *MCPServer) handleRunbooksResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.loader == nil {
		return nil, fmt.Errorf("loader unavailable")
	}
	summaries, err := s.loader.List(s.playbookDir)
	if err != nil {
		return nil, err
	}
	return buildJSONResourceResult(req, resourceRunbooks, map[string]any{
		"runbooks": summaries,
		"count":    len(summaries),
	})
}

func buildJSONResourceResult(req *mcp.ReadResourceRequest, defaultURI string, payload any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	uri := defaultURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
